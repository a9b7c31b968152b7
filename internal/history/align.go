// Package history reconciles client-supplied conversation history with the
// stored message rows: alignment, diff planning, artifact diffs, metadata
// reconciliation and the transactional sync that applies them.
package history

import (
	"fmt"
	"math"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// DefaultMinOverlap is the fraction of the shorter history that must align
// before a diff is trusted.
const DefaultMinOverlap = 0.8

// Alignment locates incoming[0] inside the stored history.
type Alignment struct {
	Valid         bool
	OverlapStart  int
	OverlapLength int
	Reason        string
}

// Align finds the longest contiguous run of incoming messages, starting at
// incoming[0], that matches the stored history at some start index. Messages
// match when role and normalized content are equal.
func Align(existing []model.Message, incoming []model.IncomingMessage, minOverlap float64) Alignment {
	if len(incoming) == 0 {
		return Alignment{Valid: true, Reason: "no incoming messages"}
	}
	if len(existing) == 0 {
		return Alignment{Valid: true, Reason: "no stored messages"}
	}

	bestStart, bestLen := 0, 0
	for s := range existing {
		n := 0
		for s+n < len(existing) && n < len(incoming) && matches(existing[s+n], incoming[n]) {
			n++
		}
		if n > bestLen {
			bestStart, bestLen = s, n
		}
	}

	required := requiredOverlap(minOverlap, min(len(existing), len(incoming)))
	a := Alignment{
		Valid:         bestLen >= required,
		OverlapStart:  bestStart,
		OverlapLength: bestLen,
	}
	if !a.Valid {
		a.Reason = fmt.Sprintf("overlap %d below required %d", bestLen, required)
	}
	return a
}

func requiredOverlap(minOverlap float64, shorter int) int {
	if minOverlap <= 0 {
		return 0
	}
	if minOverlap > 1 {
		minOverlap = 1
	}
	return int(math.Ceil(minOverlap * float64(shorter)))
}

func matches(stored model.Message, in model.IncomingMessage) bool {
	return stored.Role == in.Role && stored.Content.Equal(in.Content)
}
