// Package store persists conversations, messages and their artifacts in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// Repository is the storage contract consumed by the sync and streaming layers.
// Implementations returned inside InTx share one transaction.
type Repository interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	UpdateConversationMetadata(ctx context.Context, id string, patch model.ConversationPatch) error
	SetConversationTitle(ctx context.Context, id, title string) error
	SoftDeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int, error)
	CountConversations(ctx context.Context, userID string) (int, error)

	ListMessages(ctx context.Context, conversationID string, afterSeq int) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	FindMessageBySeq(ctx context.Context, conversationID string, seq int, role model.Role) (*model.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	NextSeq(ctx context.Context, conversationID string) (int, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	UpdateMessageContent(ctx context.Context, id string, content model.Content) error
	CheckpointMessage(ctx context.Context, id string, cp model.Checkpoint) error
	FinalizeMessage(ctx context.Context, id string, fin model.Finalization) error
	MarkMessageError(ctx context.Context, id string, cp model.Checkpoint) error
	MarkErrorBySeq(ctx context.Context, conversationID string, seq int) (bool, error)
	DeleteMessages(ctx context.Context, ids []string) error
	DeleteMessagesAfterSeq(ctx context.Context, conversationID string, afterSeq int) (int, error)

	InsertToolCalls(ctx context.Context, messageID string, calls []model.ToolCall) error
	UpdateToolCall(ctx context.Context, call model.ToolCall) error
	InsertToolOutputs(ctx context.Context, messageID string, outputs []model.ToolOutput) error
	UpdateToolOutput(ctx context.Context, out model.ToolOutput) error
	ReplaceMessageEvents(ctx context.Context, messageID string, events []model.MessageEvent) error
	ListMessageEvents(ctx context.Context, messageID string) ([]model.MessageEvent, error)

	// InTx runs fn inside a transaction; every write commits or none does.
	InTx(ctx context.Context, fn func(Repository) error) error
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// InTx on a transaction-scoped repository reuses the open transaction.
func (q *queries) InTx(ctx context.Context, fn func(Repository) error) error {
	return fn(q)
}

// Store is the SQLite-backed Repository.
type Store struct {
	*queries
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates the schema.
// A single connection is used so writers are serialized, which also keeps
// next-seq reservation race free per conversation.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{queries: &queries{db: db}, db: db}, nil
}

// OpenMemory opens a private in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn in a transaction and commits when it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(Repository) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&queries{db: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
