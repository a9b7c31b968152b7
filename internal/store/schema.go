package store

import (
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id                       TEXT PRIMARY KEY,
		session_id               TEXT NOT NULL DEFAULT '',
		user_id                  TEXT NOT NULL,
		parent_conversation_id   TEXT,
		title                    TEXT,
		model                    TEXT NOT NULL DEFAULT '',
		provider_id              TEXT NOT NULL DEFAULT '',
		system_prompt            TEXT NOT NULL DEFAULT '',
		active_tools             TEXT NOT NULL DEFAULT '[]',
		streaming_enabled        INTEGER NOT NULL DEFAULT 1,
		tools_enabled            INTEGER NOT NULL DEFAULT 0,
		quality_level            TEXT NOT NULL DEFAULT '',
		reasoning_effort         TEXT NOT NULL DEFAULT '',
		verbosity                TEXT NOT NULL DEFAULT '',
		custom_request_params_id TEXT NOT NULL DEFAULT '',
		deleted                  INTEGER NOT NULL DEFAULT 0,
		created_at               TEXT NOT NULL,
		updated_at               TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL,
		seq               INTEGER NOT NULL,
		role              TEXT NOT NULL,
		status            TEXT NOT NULL,
		content           TEXT NOT NULL,
		content_text      TEXT NOT NULL DEFAULT '',
		finish_reason     TEXT NOT NULL DEFAULT '',
		reasoning_details TEXT,
		usage             TEXT,
		response_id       TEXT NOT NULL DEFAULT '',
		provider          TEXT NOT NULL DEFAULT '',
		model             TEXT NOT NULL DEFAULT '',
		client_message_id TEXT NOT NULL DEFAULT '',
		tool_call_id      TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		UNIQUE(conversation_id, seq),
		FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		id         TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		call_index INTEGER NOT NULL,
		call_id    TEXT NOT NULL DEFAULT '',
		tool_name  TEXT NOT NULL,
		arguments  TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id, call_index)`,
	`CREATE TABLE IF NOT EXISTS tool_outputs (
		id           TEXT PRIMARY KEY,
		message_id   TEXT NOT NULL,
		tool_call_id TEXT NOT NULL,
		output       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_outputs_message ON tool_outputs(message_id)`,
	`CREATE TABLE IF NOT EXISTS message_events (
		id         TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		type       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		UNIQUE(message_id, seq),
		FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}
