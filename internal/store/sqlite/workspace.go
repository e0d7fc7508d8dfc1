package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vibe80/vibe80/internal/store"
)

const workspaceColumns = `id, name, secret_hash, uid, gid, providers, created_at`

// PutWorkspace inserts the workspace, or replaces its mutable fields when a
// row with the same id already exists.
func (s *Store) PutWorkspace(ctx context.Context, ws *store.Workspace) error {
	providersJSON, err := json.Marshal(ws.Providers)
	if err != nil {
		return fmt.Errorf("failed to serialize workspace providers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, secret_hash, uid, gid, providers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			secret_hash = excluded.secret_hash,
			providers = excluded.providers
	`, ws.ID, ws.Name, ws.SecretHash, ws.UID, ws.GID, string(providersJSON), ws.CreatedAt.UTC())
	return err
}

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?
	`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ws, err
}

// ListWorkspaces returns all workspaces ordered by creation time.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*store.Workspace, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row rowScanner) (*store.Workspace, error) {
	ws := &store.Workspace{}
	var providersJSON string
	if err := row.Scan(&ws.ID, &ws.Name, &ws.SecretHash, &ws.UID, &ws.GID, &providersJSON, &ws.CreatedAt); err != nil {
		return nil, err
	}
	ws.Providers = map[string]store.ProviderConfig{}
	if providersJSON != "" && providersJSON != "{}" {
		if err := json.Unmarshal([]byte(providersJSON), &ws.Providers); err != nil {
			return nil, fmt.Errorf("failed to deserialize workspace providers: %w", err)
		}
	}
	return ws, nil
}
