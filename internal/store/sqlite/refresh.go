package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibe80/vibe80/internal/store"
)

// PutRefreshToken stores a refresh token record keyed by its hash.
func (s *Store) PutRefreshToken(ctx context.Context, token *store.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (hash, workspace_id, created_at, expires_at, used_at)
		VALUES (?, ?, ?, ?, NULL)
	`, token.Hash, token.WorkspaceID, token.CreatedAt.UTC(), token.ExpiresAt.UTC())
	return err
}

// ConsumeRefreshToken marks the token used and installs the replacement in
// one transaction. The conditional UPDATE on used_at decides the winner when
// the same token is presented concurrently; losers get ErrRefreshUsed.
func (s *Store) ConsumeRefreshToken(ctx context.Context, hash string, replacement *store.RefreshToken) (*store.RefreshToken, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	token := &store.RefreshToken{}
	var usedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT hash, workspace_id, created_at, expires_at, used_at
		FROM refresh_tokens WHERE hash = ?
	`, hash).Scan(&token.Hash, &token.WorkspaceID, &token.CreatedAt, &token.ExpiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		return nil, store.ErrRefreshUsed
	}

	now := time.Now().UTC()
	if !token.ExpiresAt.After(now) {
		return nil, store.ErrRefreshExpired
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET used_at = ? WHERE hash = ? AND used_at IS NULL
	`, now, hash)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, store.ErrRefreshUsed
	}
	token.UsedAt = &now

	if replacement != nil {
		if replacement.WorkspaceID == "" {
			replacement.WorkspaceID = token.WorkspaceID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refresh_tokens (hash, workspace_id, created_at, expires_at, used_at)
			VALUES (?, ?, ?, ?, NULL)
		`, replacement.Hash, replacement.WorkspaceID, replacement.CreatedAt.UTC(), replacement.ExpiresAt.UTC()); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return token, nil
}
