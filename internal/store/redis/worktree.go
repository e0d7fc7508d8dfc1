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

// SaveWorktree stores the worktree record. Branch ownership within the
// session is claimed through a hash field, which stands in for the relational
// backend's uniqueness constraint.
func (s *Store) SaveWorktree(ctx context.Context, wt *store.Worktree) error {
	claimed, err := s.rdb.HSetNX(ctx, branchIndexKey(wt.SessionID), wt.BranchName, wt.ID).Result()
	if err != nil {
		return err
	}
	if !claimed {
		owner, err := s.rdb.HGet(ctx, branchIndexKey(wt.SessionID), wt.BranchName).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner != wt.ID {
			return store.ErrDuplicateBranch
		}
	}

	// A branch switch on an existing worktree releases the old claim.
	if prev, err := s.GetWorktree(ctx, wt.SessionID, wt.ID); err == nil {
		if prev.BranchName != "" && prev.BranchName != wt.BranchName {
			if err := s.rdb.HDel(ctx, branchIndexKey(wt.SessionID), prev.BranchName).Err(); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(wt)
	if err != nil {
		return fmt.Errorf("failed to serialize worktree: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, worktreeKey(wt.SessionID, wt.ID), data, 0)
		pipe.SAdd(ctx, worktreeIndexKey(wt.SessionID), wt.ID)
		return nil
	})
	return err
}

// GetWorktree retrieves a worktree by session id and worktree id.
func (s *Store) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*store.Worktree, error) {
	data, err := s.rdb.Get(ctx, worktreeKey(sessionID, worktreeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeWorktree(data)
}

// ListWorktrees returns the session's worktrees with "main" first, then by
// creation time.
func (s *Store) ListWorktrees(ctx context.Context, sessionID string) ([]*store.Worktree, error) {
	ids, err := s.rdb.SMembers(ctx, worktreeIndexKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = worktreeKey(sessionID, id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var result []*store.Worktree
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		wt, err := decodeWorktree([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, wt)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, worktreeIndexKey(sessionID), stale...).Err()
	}

	sort.Slice(result, func(i, j int) bool {
		if (result[i].ID == store.MainWorktreeID) != (result[j].ID == store.MainWorktreeID) {
			return result[i].ID == store.MainWorktreeID
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// DeleteWorktree removes the worktree record, its branch claim, its index
// entry, and its message log.
func (s *Store) DeleteWorktree(ctx context.Context, sessionID, worktreeID string) error {
	wt, err := s.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			worktreeKey(sessionID, worktreeID),
			messagesKey(sessionID, worktreeID),
			messageSeqKey(sessionID, worktreeID),
		)
		pipe.SRem(ctx, worktreeIndexKey(sessionID), worktreeID)
		pipe.HDel(ctx, branchIndexKey(sessionID), wt.BranchName)
		return nil
	})
	return err
}

func decodeWorktree(data []byte) (*store.Worktree, error) {
	wt := &store.Worktree{}
	if err := json.Unmarshal(data, wt); err != nil {
		return nil, fmt.Errorf("failed to deserialize worktree: %w", err)
	}
	return wt, nil
}
