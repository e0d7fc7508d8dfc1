package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vibe80/vibe80/internal/store"
)

// PutWorkspace stores the workspace record and registers it in the
// workspace index.
func (s *Store) PutWorkspace(ctx context.Context, ws *store.Workspace) error {
	data, err := json.Marshal(workspaceRecord{
		Workspace:  ws,
		SecretHash: ws.SecretHash,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize workspace: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, workspaceKey(ws.ID), data, 0)
		pipe.SAdd(ctx, workspaceIndexKey(), ws.ID)
		return nil
	})
	return err
}

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	data, err := s.rdb.Get(ctx, workspaceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeWorkspace(data)
}

// ListWorkspaces returns all workspaces ordered by creation time. Index
// entries whose record has vanished are dropped from the index on the way.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*store.Workspace, error) {
	ids, err := s.rdb.SMembers(ctx, workspaceIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = workspaceKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var result []*store.Workspace
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		ws, err := decodeWorkspace([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, workspaceIndexKey(), stale...).Err()
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// workspaceRecord re-attaches the secret hash, which the entity's JSON tags
// keep out of API responses.
type workspaceRecord struct {
	*store.Workspace
	SecretHash string `json:"secret_hash"`
}

func decodeWorkspace(data []byte) (*store.Workspace, error) {
	rec := workspaceRecord{Workspace: &store.Workspace{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to deserialize workspace: %w", err)
	}
	rec.Workspace.SecretHash = rec.SecretHash
	if rec.Workspace.Providers == nil {
		rec.Workspace.Providers = map[string]store.ProviderConfig{}
	}
	return rec.Workspace, nil
}
