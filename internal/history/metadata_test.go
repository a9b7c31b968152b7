package history

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/chatsync/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestDiffMetadata_UndeclaredNeverFlags(t *testing.T) {
	stored := model.Settings{Model: "gpt-4o", SystemPrompt: "sys", ActiveTools: []string{"a"}}
	d := DiffMetadata(stored, model.IncomingSettings{})
	assert.False(t, d.Any())
}

func TestDiffMetadata_FlagsChangedFields(t *testing.T) {
	stored := model.Settings{Model: "gpt-4o", ProviderID: "openai", SystemPrompt: "sys", ActiveTools: []string{"a", "b"}}
	d := DiffMetadata(stored, model.IncomingSettings{
		Model:        ptr("gpt-4o"),
		ProviderID:   ptr("anthropic"),
		SystemPrompt: ptr("new"),
		ActiveTools:  []string{"b", "a"},
		Verbosity:    ptr("low"),
	})

	assert.False(t, d.NeedsModelUpdate)
	assert.True(t, d.NeedsProviderUpdate)
	assert.Equal(t, "anthropic", d.ProviderID)
	assert.True(t, d.NeedsSystemUpdate)
	assert.Equal(t, "new", d.SystemPrompt)
	assert.False(t, d.NeedsActiveToolsUpdate, "order of tools is not a change")
	assert.False(t, d.NeedsCustomRequestParamsUpdate)
	assert.True(t, d.NeedsGenerationUpdate)
	assert.Equal(t, "low", *d.Generation.Verbosity)
	assert.Nil(t, d.Generation.QualityLevel)
}

func TestDiffMetadata_ClearingTools(t *testing.T) {
	d := DiffMetadata(model.Settings{ActiveTools: []string{"a"}}, model.IncomingSettings{ActiveTools: []string{}})
	assert.True(t, d.NeedsActiveToolsUpdate)
	assert.Empty(t, d.ActiveTools)
}

func TestDiffAssistantArtifacts(t *testing.T) {
	existing := model.Message{
		Role: model.RoleAssistant,
		ToolCalls: []model.ToolCall{
			{ID: "tc1", CallIndex: 0, CallID: "call_1", ToolName: "search", Arguments: `{"q":"a"}`},
			{ID: "tc2", CallIndex: 1, CallID: "call_2", ToolName: "fetch", Arguments: `{}`},
		},
		ToolOutputs: []model.ToolOutput{
			{ID: "to1", ToolCallID: "call_1", Output: "x", Status: "success"},
		},
	}

	t.Run("count change falls back", func(t *testing.T) {
		d := DiffAssistantArtifacts(existing, model.IncomingMessage{ToolCalls: existing.ToolCalls[:1]})
		assert.True(t, d.Fallback)
	})

	t.Run("identical is empty", func(t *testing.T) {
		d := DiffAssistantArtifacts(existing, model.IncomingMessage{
			ToolCalls:   existing.ToolCalls,
			ToolOutputs: existing.ToolOutputs,
		})
		assert.True(t, d.Empty())
	})

	t.Run("field changes and inserts", func(t *testing.T) {
		d := DiffAssistantArtifacts(existing, model.IncomingMessage{
			ToolCalls: []model.ToolCall{
				{CallIndex: 0, CallID: "call_1", ToolName: "search", Arguments: `{"q":"b"}`},
				{CallIndex: 1, CallID: "call_2", ToolName: "fetch", Arguments: `{}`},
			},
			ToolOutputs: []model.ToolOutput{
				{ToolCallID: "call_1", Output: "x", Status: "error"},
				{ToolCallID: "call_2", Output: "y", Status: "success"},
			},
		})
		assert.False(t, d.Fallback)
		if assert.Len(t, d.CallUpdates, 1) {
			assert.Equal(t, "tc1", d.CallUpdates[0].ID)
			assert.Equal(t, `{"q":"b"}`, d.CallUpdates[0].Arguments)
		}
		assert.Empty(t, d.CallInserts)
		if assert.Len(t, d.OutputUpdates, 1) {
			assert.Equal(t, "to1", d.OutputUpdates[0].ID)
			assert.Equal(t, "error", d.OutputUpdates[0].Status)
		}
		if assert.Len(t, d.OutputInserts, 1) {
			assert.Equal(t, "call_2", d.OutputInserts[0].ToolCallID)
		}
	})
}
