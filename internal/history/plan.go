package history

import (
	"github.com/capitalize-ai/chatsync/internal/model"
)

// Pair binds a stored row to the incoming message at Index.
type Pair struct {
	Index    int
	Existing model.Message
	Incoming model.IncomingMessage
}

// Insert is an incoming message with no stored counterpart.
type Insert struct {
	Index    int
	Incoming model.IncomingMessage
}

// Plan classifies every stored and incoming message for one sync.
type Plan struct {
	// Preserved rows precede the overlap and are left untouched.
	Preserved []model.Message
	Unchanged []Pair
	ToUpdate  []Pair
	ToInsert  []Insert
	ToDelete  []model.Message
}

// Empty reports whether applying the plan writes nothing.
func (p Plan) Empty() bool {
	return len(p.ToUpdate) == 0 && len(p.ToInsert) == 0 && len(p.ToDelete) == 0
}

// BuildPlan walks existing[a.OverlapStart+i] against incoming[i]. Equal pairs
// are unchanged, same-role pairs with different content are updates, and the
// first role mismatch ends the walk. Whatever is left over on the incoming
// side is inserted and on the stored side deleted.
func BuildPlan(existing []model.Message, incoming []model.IncomingMessage, a Alignment) Plan {
	start := a.OverlapStart
	if start > len(existing) {
		start = len(existing)
	}

	var p Plan
	p.Preserved = append(p.Preserved, existing[:start]...)

	i := 0
	for ; start+i < len(existing) && i < len(incoming); i++ {
		stored, in := existing[start+i], incoming[i]
		if stored.Role != in.Role {
			break
		}
		pair := Pair{Index: i, Existing: stored, Incoming: in}
		if stored.Content.Equal(in.Content) {
			p.Unchanged = append(p.Unchanged, pair)
		} else {
			p.ToUpdate = append(p.ToUpdate, pair)
		}
	}

	for j := i; j < len(incoming); j++ {
		p.ToInsert = append(p.ToInsert, Insert{Index: j, Incoming: incoming[j]})
	}
	p.ToDelete = append(p.ToDelete, existing[start+i:]...)
	return p
}
