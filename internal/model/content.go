package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ContentBlockType identifies a structured content block.
type ContentBlockType string

const (
	BlockText  ContentBlockType = "text"
	BlockImage ContentBlockType = "image_url"
)

// ImageURL references an image attached to a content block.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentBlock is one element of mixed message content.
type ContentBlock struct {
	Type     ContentBlockType `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *ImageURL        `json:"image_url,omitempty"`
}

// Content is either plain text or an ordered list of blocks.
// A nil Blocks slice means plain text; the JSON form mirrors that
// (a string or an array).
type Content struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent builds plain-text content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// BlockContent builds structured content.
func BlockContent(blocks ...ContentBlock) Content {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Content{Blocks: blocks}
}

// IsStructured reports whether the content is a block list.
func (c Content) IsStructured() bool {
	return c.Blocks != nil
}

// IsEmpty reports whether there is nothing to render.
func (c Content) IsEmpty() bool {
	if c.IsStructured() {
		return len(c.Blocks) == 0
	}
	return c.Text == ""
}

// PlainText flattens the content into text, used for previews and search.
func (c Content) PlainText() string {
	if !c.IsStructured() {
		return c.Text
	}
	var b strings.Builder
	for _, block := range c.Blocks {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Normalized returns the comparison key used by history alignment:
// trimmed text for plain content, compact JSON for block content.
func (c Content) Normalized() string {
	if !c.IsStructured() {
		return strings.TrimSpace(c.Text)
	}
	data, err := json.Marshal(c.Blocks)
	if err != nil {
		return ""
	}
	return string(data)
}

// Equal compares two contents by their normalized form.
func (c Content) Equal(other Content) bool {
	return c.Normalized() == other.Normalized()
}

// MarshalJSON encodes plain text as a JSON string and blocks as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsStructured() {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts every shape ParseContent accepts.
func (c *Content) UnmarshalJSON(data []byte) error {
	parsed, err := ParseContent(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ErrUnsupportedContent is returned for content shapes that cannot be normalized.
var ErrUnsupportedContent = errors.New("unsupported content shape")

// ParseContent normalizes the content shapes clients and providers send:
// a string, an array of blocks, or an object carrying text under
// "text", "value" or "content".
func ParseContent(data []byte) (Content, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Content{}, nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Content{}, err
		}
		return TextContent(s), nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return Content{}, err
		}
		blocks := make([]ContentBlock, 0, len(raw))
		for _, item := range raw {
			block, err := parseBlock(item)
			if err != nil {
				return Content{}, err
			}
			blocks = append(blocks, block)
		}
		return BlockContent(blocks...), nil
	case '{':
		var obj struct {
			Text    *string         `json:"text"`
			Value   *string         `json:"value"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return Content{}, err
		}
		switch {
		case obj.Text != nil:
			return TextContent(*obj.Text), nil
		case obj.Value != nil:
			return TextContent(*obj.Value), nil
		case len(obj.Content) > 0:
			return ParseContent(obj.Content)
		}
	}
	return Content{}, ErrUnsupportedContent
}

func parseBlock(data []byte) (ContentBlock, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ContentBlock{}, err
		}
		return ContentBlock{Type: BlockText, Text: s}, nil
	}

	var block struct {
		Type     ContentBlockType `json:"type"`
		Text     *string          `json:"text"`
		Value    *string          `json:"value"`
		ImageURL json.RawMessage  `json:"image_url"`
	}
	if err := json.Unmarshal(data, &block); err != nil {
		return ContentBlock{}, err
	}

	out := ContentBlock{Type: block.Type}
	switch {
	case block.Text != nil:
		out.Text = *block.Text
	case block.Value != nil:
		out.Text = *block.Value
	}
	if len(block.ImageURL) > 0 {
		img := &ImageURL{}
		if block.ImageURL[0] == '"' {
			if err := json.Unmarshal(block.ImageURL, &img.URL); err != nil {
				return ContentBlock{}, err
			}
		} else if err := json.Unmarshal(block.ImageURL, img); err != nil {
			return ContentBlock{}, err
		}
		out.ImageURL = img
	}
	if out.Type == "" {
		if out.ImageURL != nil {
			out.Type = BlockImage
		} else {
			out.Type = BlockText
		}
	}
	return out, nil
}
