package llm

import (
	"sort"
	"strings"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// toolCallAssembler joins streamed tool call fragments. Providers send the id
// and name once and the arguments in pieces, all keyed by call index.
type toolCallAssembler struct {
	calls map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{calls: make(map[int]*pendingCall)}
}

func (a *toolCallAssembler) add(index int, id, name, argsFragment string) {
	c, ok := a.calls[index]
	if !ok {
		c = &pendingCall{}
		a.calls[index] = c
	}
	if id != "" {
		c.id = id
	}
	if name != "" {
		c.name = name
	}
	c.args.WriteString(argsFragment)
}

func (a *toolCallAssembler) empty() bool {
	return len(a.calls) == 0
}

// flush returns the assembled calls ordered by index and resets the assembler.
func (a *toolCallAssembler) flush() []model.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]model.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		c := a.calls[i]
		args := c.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, model.ToolCall{CallIndex: i, CallID: c.id, ToolName: c.name, Arguments: args})
	}
	a.calls = make(map[int]*pendingCall)
	return out
}
