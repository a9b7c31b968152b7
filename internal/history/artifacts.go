package history

import (
	"github.com/capitalize-ai/chatsync/internal/model"
)

// ArtifactDiff lists the tool call and tool output writes needed to bring a
// stored assistant message in line with its incoming counterpart.
type ArtifactDiff struct {
	// Fallback is set when the tool call count changed. Such structural
	// changes are not diffed below message granularity.
	Fallback bool

	CallUpdates   []model.ToolCall
	CallInserts   []model.ToolCall
	OutputUpdates []model.ToolOutput
	OutputInserts []model.ToolOutput
}

// Empty reports whether the diff writes nothing.
func (d ArtifactDiff) Empty() bool {
	return !d.Fallback && len(d.CallUpdates) == 0 && len(d.CallInserts) == 0 &&
		len(d.OutputUpdates) == 0 && len(d.OutputInserts) == 0
}

// DiffAssistantArtifacts compares the tool calls and outputs of a stored
// assistant message with the incoming one. Calls pair by call index and
// outputs by tool call id; updates keep the stored row id.
func DiffAssistantArtifacts(existing model.Message, incoming model.IncomingMessage) ArtifactDiff {
	if len(existing.ToolCalls) != len(incoming.ToolCalls) {
		return ArtifactDiff{Fallback: true}
	}

	var d ArtifactDiff

	calls := make(map[int]model.ToolCall, len(existing.ToolCalls))
	for _, c := range existing.ToolCalls {
		calls[c.CallIndex] = c
	}
	for _, in := range incoming.ToolCalls {
		stored, ok := calls[in.CallIndex]
		if !ok {
			d.CallInserts = append(d.CallInserts, in)
			continue
		}
		if stored.ToolName != in.ToolName || stored.Arguments != in.Arguments {
			stored.ToolName = in.ToolName
			stored.Arguments = in.Arguments
			if in.CallID != "" {
				stored.CallID = in.CallID
			}
			d.CallUpdates = append(d.CallUpdates, stored)
		}
	}

	outputs := make(map[string]model.ToolOutput, len(existing.ToolOutputs))
	for _, o := range existing.ToolOutputs {
		outputs[o.ToolCallID] = o
	}
	for _, in := range incoming.ToolOutputs {
		stored, ok := outputs[in.ToolCallID]
		if !ok {
			d.OutputInserts = append(d.OutputInserts, in)
			continue
		}
		if stored.Output != in.Output || stored.Status != in.Status {
			stored.Output = in.Output
			stored.Status = in.Status
			d.OutputUpdates = append(d.OutputUpdates, stored)
		}
	}
	return d
}
