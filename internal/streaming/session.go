// Package streaming persists an assistant turn while it streams: a draft row
// created up front, periodic checkpoints, and a final or error write.
//
// The in-flight state is a plain Session record. The functions in this file
// mutate it without I/O; Persister performs the storage side.
package streaming

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// State is the lifecycle position of a Session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateDisabled      State = "disabled"
	StateReady         State = "ready"
	StateStreaming     State = "streaming"
	StateFinalized     State = "finalized"
	StateErrored       State = "errored"
)

// Event is a buffered assembly event. Adjacent content and reasoning events
// are merged as they arrive.
type Event struct {
	Type       model.EventType      `json:"type"`
	Text       string               `json:"text,omitempty"`
	Blocks     []model.ContentBlock `json:"blocks,omitempty"`
	ToolCall   *model.ToolCall      `json:"tool_call,omitempty"`
	ToolOutput *model.ToolOutput    `json:"tool_output,omitempty"`
}

// Session is the state of one streaming assistant turn. It is owned by a
// single request and never shared.
type Session struct {
	State State `json:"state"`

	UserID          string            `json:"user_id"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	NewConversation bool              `json:"new_conversation,omitempty"`
	AssistantSeq    int               `json:"assistant_seq,omitempty"`
	DraftMessageID  string            `json:"draft_message_id,omitempty"`
	Provider        string            `json:"provider,omitempty"`
	Model           string            `json:"model,omitempty"`
	AppliedViaDiff  bool              `json:"applied_via_diff"`
	IDMappings      []model.IDMapping `json:"id_mappings,omitempty"`

	// Content buffers: Text is the flattened search/preview text, Blocks the
	// faithful structured form.
	Text          string               `json:"text"`
	Blocks        []model.ContentBlock `json:"blocks,omitempty"`
	Structured    bool                 `json:"structured,omitempty"`
	ContentLength int                  `json:"content_length"`

	ReasoningText    string                 `json:"reasoning_text,omitempty"`
	ReasoningDetails []model.ReasoningBlock `json:"reasoning_details,omitempty"`

	ToolCalls       []model.ToolCall  `json:"tool_calls,omitempty"`
	ToolOutputs     []model.ToolOutput `json:"tool_outputs,omitempty"`
	GeneratedImages []model.ImageURL  `json:"generated_images,omitempty"`
	Usage           *model.Usage      `json:"usage,omitempty"`
	Events          []Event           `json:"events,omitempty"`

	// Revision increases on every mutation; checkpoints record the revision
	// they wrote.
	Revision             int       `json:"revision"`
	CheckpointRevision   int       `json:"checkpoint_revision"`
	LastCheckpointAt     time.Time `json:"last_checkpoint_at"`
	LastCheckpointLength int       `json:"last_checkpoint_length"`
	Checkpoints          int       `json:"checkpoints"`

	Finalized bool `json:"finalized"`
	Errored   bool `json:"errored"`
}

// Terminal reports whether the session was finalized or errored.
func (s *Session) Terminal() bool {
	return s.Finalized || s.Errored
}

// Active reports whether buffered changes still matter.
func (s *Session) Active() bool {
	return (s.State == StateReady || s.State == StateStreaming) && !s.Terminal()
}

func touch(s *Session) {
	s.Revision++
	if s.State == StateReady {
		s.State = StateStreaming
	}
}

// AppendContent adds a content delta to both buffers and the event log.
func AppendContent(s *Session, d Delta) {
	if !s.Active() {
		return
	}
	text := d.PlainText()
	if text == "" && len(d.Blocks) == 0 {
		return
	}

	s.Text += text
	s.ContentLength += utf8.RuneCountInString(text)
	if d.Structured() {
		s.Structured = true
		for _, b := range d.Blocks {
			s.Blocks = appendBlock(s.Blocks, b)
		}
	} else {
		s.Blocks = appendBlock(s.Blocks, model.ContentBlock{Type: model.BlockText, Text: text})
	}

	ev := Event{Type: model.EventContent, Text: text}
	for _, b := range d.Blocks {
		if b.Type != model.BlockText {
			ev.Blocks = append(ev.Blocks, b)
		}
	}
	s.Events = appendEvent(s.Events, ev)
	touch(s)
}

// appendBlock coalesces consecutive text blocks.
func appendBlock(blocks []model.ContentBlock, b model.ContentBlock) []model.ContentBlock {
	if b.Type == model.BlockText {
		if b.Text == "" {
			return blocks
		}
		if n := len(blocks); n > 0 && blocks[n-1].Type == model.BlockText {
			blocks[n-1].Text += b.Text
			return blocks
		}
	}
	return append(blocks, b)
}

// AppendReasoningText adds free-form reasoning text.
func AppendReasoningText(s *Session, text string) {
	if !s.Active() || text == "" {
		return
	}
	s.ReasoningText += text
	s.Events = appendEvent(s.Events, Event{Type: model.EventReasoning, Text: text})
	touch(s)
}

// SetReasoningDetails merges structured reasoning blocks. A block whose index
// and type match an earlier block is text-accumulated into it, so providers
// can stream several indexed reasoning channels at once.
func SetReasoningDetails(s *Session, blocks []model.ReasoningBlock) {
	if !s.Active() || len(blocks) == 0 {
		return
	}
	var text strings.Builder
	for _, b := range blocks {
		text.WriteString(b.Text)
		if i := findReasoning(s.ReasoningDetails, b); i >= 0 {
			cur := &s.ReasoningDetails[i]
			cur.Text += b.Text
			cur.Summary += b.Summary
			if b.Signature != "" {
				cur.Signature = b.Signature
			}
			if b.Format != "" {
				cur.Format = b.Format
			}
			continue
		}
		cp := b
		if b.Index != nil {
			idx := *b.Index
			cp.Index = &idx
		}
		s.ReasoningDetails = append(s.ReasoningDetails, cp)
	}
	s.Events = appendEvent(s.Events, Event{Type: model.EventReasoning, Text: text.String()})
	touch(s)
}

func findReasoning(existing []model.ReasoningBlock, b model.ReasoningBlock) int {
	if b.Index == nil {
		return -1
	}
	for i, cur := range existing {
		if cur.Index != nil && *cur.Index == *b.Index && cur.Type == b.Type {
			return i
		}
	}
	return -1
}

// AddToolCalls buffers complete tool calls until finalization.
func AddToolCalls(s *Session, calls ...model.ToolCall) {
	if !s.Active() || len(calls) == 0 {
		return
	}
	for _, c := range calls {
		s.ToolCalls = append(s.ToolCalls, c)
		call := c
		s.Events = append(s.Events, Event{Type: model.EventToolCall, ToolCall: &call})
	}
	touch(s)
}

// AddToolOutputs buffers tool results until finalization.
func AddToolOutputs(s *Session, outputs ...model.ToolOutput) {
	if !s.Active() || len(outputs) == 0 {
		return
	}
	for _, o := range outputs {
		s.ToolOutputs = append(s.ToolOutputs, o)
		out := o
		s.Events = append(s.Events, Event{Type: model.EventToolOutput, ToolOutput: &out})
	}
	touch(s)
}

// AddGeneratedImage buffers an image produced by the model.
func AddGeneratedImage(s *Session, img model.ImageURL) {
	if !s.Active() || img.URL == "" {
		return
	}
	s.GeneratedImages = append(s.GeneratedImages, img)
	touch(s)
}

// SetUsage replaces the token usage.
func SetUsage(s *Session, u model.Usage) {
	if !s.Active() {
		return
	}
	s.Usage = &u
	touch(s)
}

func appendEvent(events []Event, ev Event) []Event {
	if n := len(events); n > 0 && events[n-1].Type == ev.Type && ev.Type.Mergeable() {
		events[n-1].Text += ev.Text
		events[n-1].Blocks = append(events[n-1].Blocks, ev.Blocks...)
		return events
	}
	return append(events, ev)
}

// MergeEvents coalesces adjacent content events and adjacent reasoning events.
func MergeEvents(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		ev.Blocks = slices.Clone(ev.Blocks)
		out = appendEvent(out, ev)
	}
	return out
}

// FinalContent composes the message content: plain text, or blocks when the
// stream was structured or produced images.
func FinalContent(s *Session) model.Content {
	if !s.Structured && len(s.GeneratedImages) == 0 {
		return model.TextContent(s.Text)
	}
	blocks := slices.Clone(s.Blocks)
	for _, img := range s.GeneratedImages {
		img := img
		blocks = append(blocks, model.ContentBlock{Type: model.BlockImage, ImageURL: &img})
	}
	return model.BlockContent(blocks...)
}

// ResolveReasoning materializes the reasoning to store: structured blocks when
// present, else one text block synthesized from the free-form buffer, else nil.
func ResolveReasoning(s *Session) []model.ReasoningBlock {
	if len(s.ReasoningDetails) > 0 {
		return slices.Clone(s.ReasoningDetails)
	}
	if s.ReasoningText != "" {
		return []model.ReasoningBlock{{Type: model.ReasoningTextType, Text: s.ReasoningText}}
	}
	return nil
}

// CheckpointOf captures the partial state written to a draft row.
func CheckpointOf(s *Session) model.Checkpoint {
	return model.Checkpoint{
		Content:          FinalContent(s),
		ReasoningDetails: ResolveReasoning(s),
		Usage:            s.Usage,
	}
}

// BuildFinalEvents merges the event log and numbers it from zero. When
// structured reasoning was captured but no reasoning event was recorded, a
// reasoning event is prepended so replay shows it before the content.
func BuildFinalEvents(s *Session) ([]model.MessageEvent, error) {
	merged := MergeEvents(s.Events)

	hasReasoning := slices.ContainsFunc(merged, func(ev Event) bool { return ev.Type == model.EventReasoning })
	if !hasReasoning && len(s.ReasoningDetails) > 0 {
		var text strings.Builder
		for _, b := range s.ReasoningDetails {
			if b.Text != "" {
				text.WriteString(b.Text)
			} else {
				text.WriteString(b.Summary)
			}
		}
		merged = append([]Event{{Type: model.EventReasoning, Text: text.String()}}, merged...)
	}

	out := make([]model.MessageEvent, 0, len(merged))
	for i, ev := range merged {
		payload, err := eventPayload(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, model.MessageEvent{Seq: i, Type: ev.Type, Payload: payload})
	}
	return out, nil
}

func eventPayload(ev Event) (json.RawMessage, error) {
	var v any
	switch ev.Type {
	case model.EventToolCall:
		v = ev.ToolCall
	case model.EventToolOutput:
		v = ev.ToolOutput
	default:
		v = model.TextPayload{Text: ev.Text, Blocks: ev.Blocks}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}
