package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vibe80/vibe80/internal/store"
)

// PutRefreshToken stores a refresh token record keyed by its hash. The TTL
// runs past the token's expiry so rotation attempts shortly after expiry are
// reported as expired, not unknown.
func (s *Store) PutRefreshToken(ctx context.Context, token *store.RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to serialize refresh token: %w", err)
	}
	ttl := time.Until(token.ExpiresAt) + expiredRetention
	if ttl <= 0 {
		ttl = expiredRetention
	}
	return s.rdb.Set(ctx, refreshKey(token.Hash), data, ttl).Err()
}

// ConsumeRefreshToken marks the token used and installs the replacement.
// A SETNX tombstone decides the winner when the same token is presented
// concurrently; losers get ErrRefreshUsed.
func (s *Store) ConsumeRefreshToken(ctx context.Context, hash string, replacement *store.RefreshToken) (*store.RefreshToken, error) {
	data, err := s.rdb.Get(ctx, refreshKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	token := &store.RefreshToken{}
	if err := json.Unmarshal(data, token); err != nil {
		return nil, fmt.Errorf("failed to deserialize refresh token: %w", err)
	}
	if token.UsedAt != nil {
		return nil, store.ErrRefreshUsed
	}

	now := time.Now().UTC()
	if !token.ExpiresAt.After(now) {
		return nil, store.ErrRefreshExpired
	}

	tombstoneTTL := time.Until(token.ExpiresAt) + expiredRetention
	won, err := s.rdb.SetNX(ctx, refreshUsedKey(hash), 1, tombstoneTTL).Result()
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, store.ErrRefreshUsed
	}
	token.UsedAt = &now
	if replacement != nil && replacement.WorkspaceID == "" {
		replacement.WorkspaceID = token.WorkspaceID
	}

	usedData, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize refresh token: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, refreshKey(hash), usedData, redis.KeepTTL)
		if replacement != nil {
			data, err := json.Marshal(replacement)
			if err != nil {
				return fmt.Errorf("failed to serialize refresh token: %w", err)
			}
			ttl := time.Until(replacement.ExpiresAt) + expiredRetention
			if ttl <= 0 {
				ttl = expiredRetention
			}
			pipe.Set(ctx, refreshKey(replacement.Hash), data, ttl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}
