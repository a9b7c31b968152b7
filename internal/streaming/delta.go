package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// Delta is one normalized content chunk. Providers send plain strings,
// {text}, {value}, {content} objects or block arrays; ParseDelta folds all of
// them into either Text or Blocks.
type Delta struct {
	Text   string
	Blocks []model.ContentBlock
}

// TextDelta wraps a plain text chunk.
func TextDelta(s string) Delta {
	return Delta{Text: s}
}

// ParseDelta normalizes a raw provider delta.
func ParseDelta(raw json.RawMessage) (Delta, error) {
	c, err := model.ParseContent(raw)
	if err != nil {
		return Delta{}, fmt.Errorf("parse delta: %w", err)
	}
	if c.IsStructured() {
		return Delta{Blocks: c.Blocks}, nil
	}
	return Delta{Text: c.Text}, nil
}

// Structured reports whether the delta carried blocks.
func (d Delta) Structured() bool {
	return d.Blocks != nil
}

// PlainText flattens the delta to the text that contributes to the search buffer.
func (d Delta) PlainText() string {
	if !d.Structured() {
		return d.Text
	}
	return model.BlockContent(d.Blocks...).PlainText()
}
