// Package sqlite implements store.Store on an embedded SQLite database,
// used by the embedded storage backend. A single writer connection
// serializes all mutations; reads go through a small read-only pool.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	dialect "github.com/vibe80/vibe80/internal/common/sqlite"
	"github.com/vibe80/vibe80/internal/store"
)

// Store provides SQLite-backed persistence for workspaces, sessions,
// worktrees, messages, and refresh tokens.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

var _ store.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath and initializes the
// schema.
func New(dbPath string, busyTimeout time.Duration) (*Store, error) {
	writer, err := openWriter(dbPath, busyTimeout)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(dbPath, busyTimeout)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	roErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}

// PurgeExpired deletes refresh tokens whose expiry precedes now and returns
// how many rows were removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// initSchema creates the database tables if they don't exist, then applies
// additive migrations.
func (s *Store) initSchema() error {
	if err := s.initWorkspaceSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initMessageSchema(); err != nil {
		return err
	}
	if err := s.initTokenSchema(); err != nil {
		return err
	}
	return s.migrateSchema()
}

// migrateSchema adds columns that postdate the original tables. CREATE TABLE
// IF NOT EXISTS never touches an existing database, so late columns have to
// be ALTERed in here as well.
func (s *Store) migrateSchema() error {
	migrations := []struct {
		table, column, definition string
	}{
		{"sessions", "backlog", "TEXT NOT NULL DEFAULT '[]'"},
		{"worktrees", "reasoning_effort", "TEXT NOT NULL DEFAULT ''"},
		{"messages", "tool_result", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, m := range migrations {
		if err := dialect.EnsureColumn(s.db.DB, m.table, m.column, m.definition); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (s *Store) initWorkspaceSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		secret_hash TEXT NOT NULL,
		uid INTEGER NOT NULL UNIQUE,
		gid INTEGER NOT NULL,
		providers TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		default_internet_access INTEGER NOT NULL DEFAULT 0,
		default_deny_git_creds INTEGER NOT NULL DEFAULT 0,
		active_provider TEXT NOT NULL DEFAULT '',
		providers TEXT NOT NULL DEFAULT '[]',
		git_dir TEXT NOT NULL DEFAULT '',
		repo_dir TEXT NOT NULL DEFAULT '',
		attachments_dir TEXT NOT NULL DEFAULT '',
		backlog TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id);

	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT 'new',
		source_worktree_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		reasoning_effort TEXT NOT NULL DEFAULT '',
		internet_access INTEGER NOT NULL DEFAULT 0,
		deny_git_creds INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'creating',
		color TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		current_turn_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		UNIQUE (session_id, branch_name)
	);
	`)
	return err
}

func (s *Store) initMessageSchema() error {
	// AUTOINCREMENT keeps message ids monotonic even after ClearMessages:
	// sqlite_sequence retains the high-water mark, so ids are never reused.
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		worktree_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '[]',
		tool_result TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_worktree ON messages(session_id, worktree_id, id);
	`)
	return err
}

func (s *Store) initTokenSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS refresh_tokens (
		hash TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		used_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);
	`)
	return err
}
