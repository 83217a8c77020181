// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/model/key persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: serializes writers so concurrent conditional
	// updates surface as lost conditions, not SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			provider     TEXT NOT NULL,
			secret_enc   TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			last_used_at TEXT,
			usage_count  INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ai_models (
			id             TEXT PRIMARY KEY,
			provider       TEXT NOT NULL,
			model          TEXT NOT NULL,
			system_prompt  TEXT NOT NULL DEFAULT '',
			supports_tools INTEGER NOT NULL DEFAULT 0,
			visibility     TEXT NOT NULL DEFAULT 'public',
			api_key_id     TEXT REFERENCES api_keys(id),
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (visibility IN ('public', 'admin'))
		);

		CREATE INDEX IF NOT EXISTS idx_ai_models_api_key ON ai_models(api_key_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			customer_id     TEXT NOT NULL,
			peer_user_id    TEXT,
			agent_id        TEXT,
			model_id        TEXT REFERENCES ai_models(id),
			pinned          INTEGER NOT NULL DEFAULT 0,
			admin_notes     TEXT NOT NULL DEFAULT '',
			customer_unread INTEGER NOT NULL DEFAULT 0,
			peer_unread     INTEGER NOT NULL DEFAULT 0,
			escalated_at    TEXT,
			claimed_at      TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (kind IN ('user-to-user', 'user-to-agent', 'user-to-ia'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_customer
			ON conversations(customer_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_conversations_model
			ON conversations(customer_id, model_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_conversations_pending
			ON conversations(escalated_at) WHERE agent_id IS NULL;

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			sender_kind     TEXT NOT NULL,
			content         TEXT NOT NULL,
			tool_calls_json TEXT,
			created_at      TEXT NOT NULL,

			CHECK (sender_kind IN ('user', 'agent', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS key_usage (
			id               TEXT PRIMARY KEY,
			api_key_id       TEXT NOT NULL REFERENCES api_keys(id),
			model_id         TEXT NOT NULL,
			prompt_units     INTEGER NOT NULL DEFAULT 0,
			completion_units INTEGER NOT NULL DEFAULT 0,
			total_units      INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_key_usage_key
			ON key_usage(api_key_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements the full Store surface.
var _ Store = (*SQLiteStore)(nil)
