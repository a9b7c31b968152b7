package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
)

const messageColumns = `id, conversation_id, seq, role, status, content, finish_reason,
	reasoning_details, usage, response_id, provider, model, client_message_id, tool_call_id,
	created_at, updated_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg                  model.Message
		content              string
		reasoning, usage     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Status, &content, &msg.FinishReason,
		&reasoning, &usage, &msg.ResponseID, &msg.Provider, &msg.Model, &msg.ClientMessageID,
		&msg.ToolCallID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if msg.Content, err = model.ParseContent([]byte(content)); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if reasoning.Valid {
		if err := json.Unmarshal([]byte(reasoning.String), &msg.ReasoningDetails); err != nil {
			return nil, fmt.Errorf("decode reasoning details: %w", err)
		}
	}
	if usage.Valid {
		msg.Usage = &model.Usage{}
		if err := json.Unmarshal([]byte(usage.String), msg.Usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
	}
	msg.CreatedAt = parseTime(createdAt)
	msg.UpdatedAt = parseTime(updatedAt)
	return &msg, nil
}

func encodeContent(c model.Content) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(data), nil
}

// encodeNullable stores nil slices and pointers as SQL NULL.
func encodeNullable(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func encodeReasoning(blocks []model.ReasoningBlock) (sql.NullString, error) {
	ns, err := encodeNullable(blocks, blocks == nil)
	if err != nil {
		return ns, fmt.Errorf("encode reasoning details: %w", err)
	}
	return ns, nil
}

func encodeUsage(u *model.Usage) (sql.NullString, error) {
	ns, err := encodeNullable(u, u == nil)
	if err != nil {
		return ns, fmt.Errorf("encode usage: %w", err)
	}
	return ns, nil
}

// ListMessages returns messages with seq greater than afterSeq in seq order,
// with tool calls and tool outputs attached to their owning message.
func (q *queries) ListMessages(ctx context.Context, conversationID string, afterSeq int) ([]model.Message, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND seq > ? ORDER BY seq`,
		conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]model.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list messages: %w", err)
	}
	rows.Close()

	if len(msgs) == 0 {
		return msgs, nil
	}
	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	calls, err := q.listToolCalls(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range calls {
		i := index[c.MessageID]
		msgs[i].ToolCalls = append(msgs[i].ToolCalls, c)
	}
	outputs, err := q.listToolOutputs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range outputs {
		i := index[o.MessageID]
		msgs[i].ToolOutputs = append(msgs[i].ToolOutputs, o)
	}
	return msgs, nil
}

// GetMessage returns a single message with its artifacts.
func (q *queries) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return q.loadOne(ctx, row, "message "+id)
}

// FindMessageBySeq looks up the message at seq with the given role.
func (q *queries) FindMessageBySeq(ctx context.Context, conversationID string, seq int, role model.Role) (*model.Message, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND seq = ? AND role = ?`,
		conversationID, seq, string(role))
	return q.loadOne(ctx, row, fmt.Sprintf("message %s#%d", conversationID, seq))
}

func (q *queries) loadOne(ctx context.Context, row *sql.Row, what string) (*model.Message, error) {
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	ids := []string{msg.ID}
	if msg.ToolCalls, err = q.listToolCalls(ctx, ids); err != nil {
		return nil, err
	}
	if msg.ToolOutputs, err = q.listToolOutputs(ctx, ids); err != nil {
		return nil, err
	}
	return msg, nil
}

// CountMessages counts every message of a conversation.
func (q *queries) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// NextSeq returns one past the highest seq in the conversation, starting at 1.
// Callers that insert with the result should do so in the same transaction.
func (q *queries) NextSeq(ctx context.Context, conversationID string) (int, error) {
	var last int
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return last + 1, nil
}

// InsertMessage stores msg, assigning an id, status and timestamps when unset.
// Tool calls and outputs on msg are not written; use InsertToolCalls and InsertToolOutputs.
func (q *queries) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Status == "" {
		msg.Status = model.StatusFinal
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	content, err := encodeContent(msg.Content)
	if err != nil {
		return err
	}
	reasoning, err := encodeReasoning(msg.ReasoningDetails)
	if err != nil {
		return err
	}
	usage, err := encodeUsage(msg.Usage)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`, content_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Seq, string(msg.Role), string(msg.Status), content,
		msg.FinishReason, reasoning, usage, msg.ResponseID, msg.Provider, msg.Model,
		msg.ClientMessageID, msg.ToolCallID, formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt),
		msg.Content.PlainText(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessageContent rewrites the content of a message in place.
func (q *queries) UpdateMessageContent(ctx context.Context, id string, content model.Content) error {
	encoded, err := encodeContent(content)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, content_text = ?, updated_at = ? WHERE id = ?`,
		encoded, content.PlainText(), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	return requireAffected(res, "message", id)
}

// CheckpointMessage writes partial state onto a draft row.
func (q *queries) CheckpointMessage(ctx context.Context, id string, cp model.Checkpoint) error {
	return q.updateDraft(ctx, id, model.StatusDraft, cp, nil)
}

// FinalizeMessage moves a draft row to final.
func (q *queries) FinalizeMessage(ctx context.Context, id string, fin model.Finalization) error {
	cp := model.Checkpoint{Content: fin.Content, ReasoningDetails: fin.ReasoningDetails, Usage: fin.Usage}
	return q.updateDraft(ctx, id, model.StatusFinal, cp, &fin)
}

// MarkMessageError moves a draft row to error, keeping the partial state in cp.
func (q *queries) MarkMessageError(ctx context.Context, id string, cp model.Checkpoint) error {
	return q.updateDraft(ctx, id, model.StatusError, cp, nil)
}

// updateDraft is the single write path for draft rows. The status guard keeps
// transitions one-way: final and error rows are never touched again.
func (q *queries) updateDraft(ctx context.Context, id string, status model.Status, cp model.Checkpoint, fin *model.Finalization) error {
	content, err := encodeContent(cp.Content)
	if err != nil {
		return err
	}
	reasoning, err := encodeReasoning(cp.ReasoningDetails)
	if err != nil {
		return err
	}
	usage, err := encodeUsage(cp.Usage)
	if err != nil {
		return err
	}

	query := `UPDATE messages SET status = ?, content = ?, content_text = ?, reasoning_details = ?,
		usage = ?, updated_at = ?`
	args := []any{string(status), content, cp.Content.PlainText(), reasoning, usage, formatTime(time.Now())}
	if fin != nil {
		query += `, finish_reason = ?, response_id = ?, provider = ?, model = ?`
		args = append(args, fin.FinishReason, fin.ResponseID, fin.Provider, fin.Model)
	}
	query += ` WHERE id = ? AND status = 'draft'`
	args = append(args, id)

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s message: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = q.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load message status: %w", err)
	}
	return fmt.Errorf("message %s is %s, cannot become %s: %w", id, current, status, model.ErrInvalidTransition)
}

// MarkErrorBySeq flags the draft assistant row at seq as errored without
// touching its content. It reports whether a row changed.
func (q *queries) MarkErrorBySeq(ctx context.Context, conversationID string, seq int) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status = 'error', updated_at = ?
		 WHERE conversation_id = ? AND seq = ? AND role = 'assistant' AND status = 'draft'`,
		formatTime(time.Now()), conversationID, seq)
	if err != nil {
		return false, fmt.Errorf("mark error by seq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteMessages removes messages and every child row. Children are deleted
// explicitly as well as through the foreign key cascade.
func (q *queries) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := stringArgs(ids)
	for _, stmt := range []string{
		`DELETE FROM message_events WHERE message_id IN (` + in + `)`,
		`DELETE FROM tool_outputs WHERE message_id IN (` + in + `)`,
		`DELETE FROM tool_calls WHERE message_id IN (` + in + `)`,
		`DELETE FROM messages WHERE id IN (` + in + `)`,
	} {
		if _, err := q.db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
	}
	return nil
}

// DeleteMessagesAfterSeq removes every message with seq greater than afterSeq
// and returns how many were deleted. An afterSeq of 0 clears the conversation.
func (q *queries) DeleteMessagesAfterSeq(ctx context.Context, conversationID string, afterSeq int) (int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM messages WHERE conversation_id = ? AND seq > ?`, conversationID, afterSeq)
	if err != nil {
		return 0, fmt.Errorf("select messages after seq: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("select messages after seq: %w", err)
	}
	rows.Close()

	if err := q.DeleteMessages(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
