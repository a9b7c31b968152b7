package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// InsertToolCalls stores calls against messageID, assigning ids when unset.
func (q *queries) InsertToolCalls(ctx context.Context, messageID string, calls []model.ToolCall) error {
	for i := range calls {
		c := &calls[i]
		if c.ID == "" {
			c.ID = newID()
		}
		c.MessageID = messageID
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO tool_calls (id, message_id, call_index, call_id, tool_name, arguments)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, messageID, c.CallIndex, c.CallID, c.ToolName, c.Arguments)
		if err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}
	return nil
}

// UpdateToolCall rewrites the name and arguments of a stored call.
func (q *queries) UpdateToolCall(ctx context.Context, call model.ToolCall) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tool_calls SET call_id = ?, tool_name = ?, arguments = ? WHERE id = ?`,
		call.CallID, call.ToolName, call.Arguments, call.ID)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	return requireAffected(res, "tool call", call.ID)
}

// InsertToolOutputs stores outputs owned by the assistant message messageID.
func (q *queries) InsertToolOutputs(ctx context.Context, messageID string, outputs []model.ToolOutput) error {
	for i := range outputs {
		o := &outputs[i]
		if o.ID == "" {
			o.ID = newID()
		}
		o.MessageID = messageID
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO tool_outputs (id, message_id, tool_call_id, output, status)
			 VALUES (?, ?, ?, ?, ?)`,
			o.ID, messageID, o.ToolCallID, o.Output, o.Status)
		if err != nil {
			return fmt.Errorf("insert tool output: %w", err)
		}
	}
	return nil
}

// UpdateToolOutput rewrites the output and status of a stored tool output.
func (q *queries) UpdateToolOutput(ctx context.Context, out model.ToolOutput) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tool_outputs SET output = ?, status = ? WHERE id = ?`,
		out.Output, out.Status, out.ID)
	if err != nil {
		return fmt.Errorf("update tool output: %w", err)
	}
	return requireAffected(res, "tool output", out.ID)
}

func (q *queries) listToolCalls(ctx context.Context, messageIDs []string) ([]model.ToolCall, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, message_id, call_index, call_id, tool_name, arguments FROM tool_calls
		 WHERE message_id IN (`+placeholders(len(messageIDs))+`) ORDER BY message_id, call_index`,
		stringArgs(messageIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []model.ToolCall
	for rows.Next() {
		var c model.ToolCall
		if err := rows.Scan(&c.ID, &c.MessageID, &c.CallIndex, &c.CallID, &c.ToolName, &c.Arguments); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (q *queries) listToolOutputs(ctx context.Context, messageIDs []string) ([]model.ToolOutput, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, message_id, tool_call_id, output, status FROM tool_outputs
		 WHERE message_id IN (`+placeholders(len(messageIDs))+`) ORDER BY rowid`,
		stringArgs(messageIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list tool outputs: %w", err)
	}
	defer rows.Close()

	var outputs []model.ToolOutput
	for rows.Next() {
		var o model.ToolOutput
		if err := rows.Scan(&o.ID, &o.MessageID, &o.ToolCallID, &o.Output, &o.Status); err != nil {
			return nil, fmt.Errorf("scan tool output: %w", err)
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// ReplaceMessageEvents swaps the event log of a message for events,
// renumbering them 0..n-1 in the given order.
func (q *queries) ReplaceMessageEvents(ctx context.Context, messageID string, events []model.MessageEvent) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM message_events WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("clear message events: %w", err)
	}
	for i := range events {
		ev := &events[i]
		if ev.ID == "" {
			ev.ID = newID()
		}
		ev.MessageID = messageID
		ev.Seq = i
		payload := ev.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO message_events (id, message_id, seq, type, payload) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, messageID, ev.Seq, string(ev.Type), string(payload))
		if err != nil {
			return fmt.Errorf("insert message event: %w", err)
		}
	}
	return nil
}

// ListMessageEvents returns the event log of a message in seq order.
func (q *queries) ListMessageEvents(ctx context.Context, messageID string) ([]model.MessageEvent, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, message_id, seq, type, payload FROM message_events WHERE message_id = ? ORDER BY seq`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("list message events: %w", err)
	}
	defer rows.Close()

	events := make([]model.MessageEvent, 0)
	for rows.Next() {
		var (
			ev      model.MessageEvent
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.Seq, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan message event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
