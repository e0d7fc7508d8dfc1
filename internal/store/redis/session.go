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

// SaveSession stores the session record and registers it in its workspace's
// session index. Records carry no TTL: lifecycle is owned by the session GC,
// which must still see idle sessions to clean their files.
func (s *Store) SaveSession(ctx context.Context, sess *store.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.ID), data, 0)
		pipe.SAdd(ctx, sessionIndexKey(sess.WorkspaceID), sess.ID)
		return nil
	})
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

// ListSessions returns the workspace's sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*store.Session, error) {
	ids, err := s.rdb.SMembers(ctx, sessionIndexKey(workspaceID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var result []*store.Session
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, sessionIndexKey(workspaceID), stale...).Err()
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// DeleteSession removes the session record, its index entry, and every
// worktree record and message log under it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	wtIDs, err := s.rdb.SMembers(ctx, worktreeIndexKey(id)).Result()
	if err != nil {
		return err
	}

	keys := []string{sessionKey(id), worktreeIndexKey(id), branchIndexKey(id)}
	for _, wtID := range wtIDs {
		keys = append(keys,
			worktreeKey(id, wtID),
			messagesKey(id, wtID),
			messageSeqKey(id, wtID),
		)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, sessionIndexKey(sess.WorkspaceID), id)
		return nil
	})
	return err
}

func decodeSession(data []byte) (*store.Session, error) {
	sess := &store.Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	return sess, nil
}
