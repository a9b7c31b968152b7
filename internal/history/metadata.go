package history

import (
	"slices"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// MetadataDiff flags which stored conversation settings differ from the ones
// a request declared, and carries the new values.
type MetadataDiff struct {
	NeedsSystemUpdate              bool
	NeedsProviderUpdate            bool
	NeedsModelUpdate               bool
	NeedsActiveToolsUpdate         bool
	NeedsCustomRequestParamsUpdate bool
	NeedsGenerationUpdate          bool

	SystemPrompt          string
	ProviderID            string
	Model                 string
	ActiveTools           []string
	CustomRequestParamsID string

	// Generation carries the declared generation knobs; only non-nil
	// fields are applied.
	Generation model.ConversationPatch
}

// Any reports whether at least one field needs an update.
func (d MetadataDiff) Any() bool {
	return d.NeedsSystemUpdate || d.NeedsProviderUpdate || d.NeedsModelUpdate ||
		d.NeedsActiveToolsUpdate || d.NeedsCustomRequestParamsUpdate || d.NeedsGenerationUpdate
}

// DiffMetadata compares stored settings with the declared incoming settings.
// Undeclared fields never flag a change.
func DiffMetadata(stored model.Settings, incoming model.IncomingSettings) MetadataDiff {
	var d MetadataDiff

	if incoming.SystemPrompt != nil && *incoming.SystemPrompt != stored.SystemPrompt {
		d.NeedsSystemUpdate = true
		d.SystemPrompt = *incoming.SystemPrompt
	}
	if incoming.ProviderID != nil && *incoming.ProviderID != stored.ProviderID {
		d.NeedsProviderUpdate = true
		d.ProviderID = *incoming.ProviderID
	}
	if incoming.Model != nil && *incoming.Model != stored.Model {
		d.NeedsModelUpdate = true
		d.Model = *incoming.Model
	}
	if incoming.ActiveTools != nil && !sameTools(stored.ActiveTools, incoming.ActiveTools) {
		d.NeedsActiveToolsUpdate = true
		d.ActiveTools = append([]string{}, incoming.ActiveTools...)
	}
	if incoming.CustomRequestParamsID != nil && *incoming.CustomRequestParamsID != stored.CustomRequestParamsID {
		d.NeedsCustomRequestParamsUpdate = true
		d.CustomRequestParamsID = *incoming.CustomRequestParamsID
	}

	g := &d.Generation
	if incoming.StreamingEnabled != nil && *incoming.StreamingEnabled != stored.StreamingEnabled {
		g.StreamingEnabled = incoming.StreamingEnabled
	}
	if incoming.ToolsEnabled != nil && *incoming.ToolsEnabled != stored.ToolsEnabled {
		g.ToolsEnabled = incoming.ToolsEnabled
	}
	if incoming.QualityLevel != nil && *incoming.QualityLevel != stored.QualityLevel {
		g.QualityLevel = incoming.QualityLevel
	}
	if incoming.ReasoningEffort != nil && *incoming.ReasoningEffort != stored.ReasoningEffort {
		g.ReasoningEffort = incoming.ReasoningEffort
	}
	if incoming.Verbosity != nil && *incoming.Verbosity != stored.Verbosity {
		g.Verbosity = incoming.Verbosity
	}
	d.NeedsGenerationUpdate = g.StreamingEnabled != nil || g.ToolsEnabled != nil ||
		g.QualityLevel != nil || g.ReasoningEffort != nil || g.Verbosity != nil
	return d
}

// sameTools compares tool lists as sets; order carries no meaning.
func sameTools(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
