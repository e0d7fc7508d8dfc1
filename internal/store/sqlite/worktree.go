package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	dialect "github.com/vibe80/vibe80/internal/common/sqlite"
	"github.com/vibe80/vibe80/internal/store"
)

const worktreeColumns = `id, session_id, branch_name, name, provider, context, source_worktree_id,
	model, reasoning_effort, internet_access, deny_git_creds, status, color,
	thread_id, current_turn_id, created_at`

// branchConstraint is the message fragment the sqlite3 driver emits when the
// per-session branch uniqueness constraint fires.
const branchConstraint = "UNIQUE constraint failed: worktrees.session_id, worktrees.branch_name"

// SaveWorktree inserts the worktree, or replaces its mutable fields when a
// row with the same (session_id, id) already exists. A branch name collision
// within the session returns store.ErrDuplicateBranch.
func (s *Store) SaveWorktree(ctx context.Context, wt *store.Worktree) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (
			id, session_id, branch_name, name, provider, context, source_worktree_id,
			model, reasoning_effort, internet_access, deny_git_creds, status, color,
			thread_id, current_turn_id, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			branch_name = excluded.branch_name,
			name = excluded.name,
			provider = excluded.provider,
			model = excluded.model,
			reasoning_effort = excluded.reasoning_effort,
			internet_access = excluded.internet_access,
			deny_git_creds = excluded.deny_git_creds,
			status = excluded.status,
			color = excluded.color,
			thread_id = excluded.thread_id,
			current_turn_id = excluded.current_turn_id
	`, wt.ID, wt.SessionID, wt.BranchName, wt.Name, wt.Provider, wt.Context, wt.SourceWorktreeID,
		wt.Model, wt.ReasoningEffort, dialect.BoolToInt(wt.InternetAccess), dialect.BoolToInt(wt.DenyGitCreds), wt.Status, wt.Color,
		wt.ThreadID, wt.CurrentTurnID, wt.CreatedAt.UTC())
	if err != nil && strings.Contains(err.Error(), branchConstraint) {
		return store.ErrDuplicateBranch
	}
	return err
}

// GetWorktree retrieves a worktree by session id and worktree id.
func (s *Store) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*store.Worktree, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+worktreeColumns+` FROM worktrees WHERE session_id = ? AND id = ?
	`, sessionID, worktreeID)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return wt, err
}

// ListWorktrees returns the session's worktrees with "main" first, then by
// creation time.
func (s *Store) ListWorktrees(ctx context.Context, sessionID string) ([]*store.Worktree, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+worktreeColumns+` FROM worktrees WHERE session_id = ?
		ORDER BY CASE WHEN id = 'main' THEN 0 ELSE 1 END, created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wt)
	}
	return result, rows.Err()
}

// DeleteWorktree removes the worktree row and its message log.
func (s *Store) DeleteWorktree(ctx context.Context, sessionID, worktreeID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM worktrees WHERE session_id = ? AND id = ?`, sessionID, worktreeID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND worktree_id = ?`, sessionID, worktreeID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanWorktree(row rowScanner) (*store.Worktree, error) {
	wt := &store.Worktree{}
	var internetAccess, denyGitCreds int
	if err := row.Scan(
		&wt.ID,
		&wt.SessionID,
		&wt.BranchName,
		&wt.Name,
		&wt.Provider,
		&wt.Context,
		&wt.SourceWorktreeID,
		&wt.Model,
		&wt.ReasoningEffort,
		&internetAccess,
		&denyGitCreds,
		&wt.Status,
		&wt.Color,
		&wt.ThreadID,
		&wt.CurrentTurnID,
		&wt.CreatedAt,
	); err != nil {
		return nil, err
	}
	wt.InternetAccess = internetAccess == 1
	wt.DenyGitCreds = denyGitCreds == 1
	return wt, nil
}
