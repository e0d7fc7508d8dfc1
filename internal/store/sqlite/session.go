package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	dialect "github.com/vibe80/vibe80/internal/common/sqlite"
	"github.com/vibe80/vibe80/internal/store"
)

const sessionColumns = `id, workspace_id, repo_url, name, created_at, last_activity_at,
	default_internet_access, default_deny_git_creds, active_provider, providers,
	git_dir, repo_dir, attachments_dir, backlog`

// SaveSession inserts the session, or replaces its mutable fields when a row
// with the same id already exists.
func (s *Store) SaveSession(ctx context.Context, sess *store.Session) error {
	providersJSON, err := json.Marshal(sess.Providers)
	if err != nil {
		return fmt.Errorf("failed to serialize session providers: %w", err)
	}
	backlogJSON, err := json.Marshal(sess.Backlog)
	if err != nil {
		return fmt.Errorf("failed to serialize session backlog: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, repo_url, name, created_at, last_activity_at,
			default_internet_access, default_deny_git_creds, active_provider, providers,
			git_dir, repo_dir, attachments_dir, backlog
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			last_activity_at = excluded.last_activity_at,
			default_internet_access = excluded.default_internet_access,
			default_deny_git_creds = excluded.default_deny_git_creds,
			active_provider = excluded.active_provider,
			providers = excluded.providers,
			git_dir = excluded.git_dir,
			repo_dir = excluded.repo_dir,
			attachments_dir = excluded.attachments_dir,
			backlog = excluded.backlog
	`, sess.ID, sess.WorkspaceID, sess.RepoURL, sess.Name, sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(),
		dialect.BoolToInt(sess.DefaultInternetAccess), dialect.BoolToInt(sess.DefaultDenyGitCreds), sess.ActiveProvider, string(providersJSON),
		sess.GitDir, sess.RepoDir, sess.AttachmentsDir, string(backlogJSON))
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

// ListSessions returns the workspace's sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*store.Session, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE workspace_id = ? ORDER BY created_at ASC, id ASC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// DeleteSession removes the session row. Worktrees cascade via FK; message
// rows are removed explicitly since they carry no FK.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanSession(row rowScanner) (*store.Session, error) {
	sess := &store.Session{}
	var internetAccess, denyGitCreds int
	var providersJSON, backlogJSON string
	if err := row.Scan(
		&sess.ID,
		&sess.WorkspaceID,
		&sess.RepoURL,
		&sess.Name,
		&sess.CreatedAt,
		&sess.LastActivityAt,
		&internetAccess,
		&denyGitCreds,
		&sess.ActiveProvider,
		&providersJSON,
		&sess.GitDir,
		&sess.RepoDir,
		&sess.AttachmentsDir,
		&backlogJSON,
	); err != nil {
		return nil, err
	}
	sess.DefaultInternetAccess = internetAccess == 1
	sess.DefaultDenyGitCreds = denyGitCreds == 1

	if providersJSON != "" && providersJSON != "[]" {
		if err := json.Unmarshal([]byte(providersJSON), &sess.Providers); err != nil {
			return nil, fmt.Errorf("failed to deserialize session providers: %w", err)
		}
	}
	if backlogJSON != "" && backlogJSON != "[]" {
		if err := json.Unmarshal([]byte(backlogJSON), &sess.Backlog); err != nil {
			return nil, fmt.Errorf("failed to deserialize session backlog: %w", err)
		}
	}
	return sess, nil
}
