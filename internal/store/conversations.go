package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
)

const conversationColumns = `id, session_id, user_id, parent_conversation_id, title, model, provider_id,
	system_prompt, active_tools, streaming_enabled, tools_enabled, quality_level, reasoning_effort,
	verbosity, custom_request_params_id, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv                 model.Conversation
		parent, title        sql.NullString
		activeTools          string
		streaming, tools     int
		deleted              int
		createdAt, updatedAt string
	)
	err := row.Scan(
		&conv.ID, &conv.SessionID, &conv.UserID, &parent, &title,
		&conv.Settings.Model, &conv.Settings.ProviderID, &conv.Settings.SystemPrompt,
		&activeTools, &streaming, &tools,
		&conv.Settings.QualityLevel, &conv.Settings.ReasoningEffort, &conv.Settings.Verbosity,
		&conv.Settings.CustomRequestParamsID, &deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	conv.ParentConversationID = parent.String
	if title.Valid {
		t := title.String
		conv.Title = &t
	}
	if err := json.Unmarshal([]byte(activeTools), &conv.Settings.ActiveTools); err != nil {
		return nil, fmt.Errorf("decode active tools: %w", err)
	}
	conv.Settings.StreamingEnabled = streaming != 0
	conv.Settings.ToolsEnabled = tools != 0
	conv.Deleted = deleted != 0
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return &conv, nil
}

// GetConversation returns a conversation, including soft-deleted ones.
func (q *queries) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts conv, assigning an id and timestamps when unset.
func (q *queries) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = newID()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	tools := conv.Settings.ActiveTools
	if tools == nil {
		tools = []string{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encode active tools: %w", err)
	}

	var parent, title sql.NullString
	if conv.ParentConversationID != "" {
		parent = sql.NullString{String: conv.ParentConversationID, Valid: true}
	}
	if conv.Title != nil {
		title = sql.NullString{String: *conv.Title, Valid: true}
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		conv.ID, conv.SessionID, conv.UserID, parent, title,
		conv.Settings.Model, conv.Settings.ProviderID, conv.Settings.SystemPrompt, string(toolsJSON),
		boolToInt(conv.Settings.StreamingEnabled), boolToInt(conv.Settings.ToolsEnabled),
		conv.Settings.QualityLevel, conv.Settings.ReasoningEffort, conv.Settings.Verbosity,
		conv.Settings.CustomRequestParamsID, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// UpdateConversationMetadata applies the non-nil fields of patch.
func (q *queries) UpdateConversationMetadata(ctx context.Context, id string, patch model.ConversationPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.SystemPrompt != nil {
		add("system_prompt", *patch.SystemPrompt)
	}
	if patch.ProviderID != nil {
		add("provider_id", *patch.ProviderID)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.ActiveTools != nil {
		data, err := json.Marshal(patch.ActiveTools)
		if err != nil {
			return fmt.Errorf("encode active tools: %w", err)
		}
		add("active_tools", string(data))
	}
	if patch.CustomRequestParamsID != nil {
		add("custom_request_params_id", *patch.CustomRequestParamsID)
	}
	if patch.StreamingEnabled != nil {
		add("streaming_enabled", boolToInt(*patch.StreamingEnabled))
	}
	if patch.ToolsEnabled != nil {
		add("tools_enabled", boolToInt(*patch.ToolsEnabled))
	}
	if patch.QualityLevel != nil {
		add("quality_level", *patch.QualityLevel)
	}
	if patch.ReasoningEffort != nil {
		add("reasoning_effort", *patch.ReasoningEffort)
	}
	if patch.Verbosity != nil {
		add("verbosity", *patch.Verbosity)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", formatTime(time.Now()))
	args = append(args, id)

	res, err := q.db.ExecContext(ctx,
		`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update conversation metadata: %w", err)
	}
	return requireAffected(res, "conversation", id)
}

// SetConversationTitle stores a generated or user supplied title.
func (q *queries) SetConversationTitle(ctx context.Context, id, title string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return requireAffected(res, "conversation", id)
}

// SoftDeleteConversation hides a conversation without removing its rows.
func (q *queries) SoftDeleteConversation(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE conversations SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireAffected(res, "conversation", id)
}

// ListConversations pages through a user's live conversations, most recent first.
func (q *queries) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int, error) {
	total, err := q.CountConversations(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = ? AND deleted = 0
		 ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, total, rows.Err()
}

// CountConversations counts a user's live conversations.
func (q *queries) CountConversations(ctx context.Context, userID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND deleted = 0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return nil
}
