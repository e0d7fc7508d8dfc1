// Package redis implements store.Store on a Redis server, used by the
// external storage backend. Entities are JSON values under the "vibe80:"
// prefix; membership indexes are plain sets so they never expire out from
// under the session GC.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vibe80/vibe80/internal/store"
)

// expiredRetention keeps refresh token records around past their expiry so
// a late rotation attempt still reports "expired" rather than "not found".
const expiredRetention = 24 * time.Hour

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store provides Redis-backed persistence for workspaces, sessions,
// worktrees, messages, and refresh tokens.
type Store struct {
	rdb *redis.Client
}

var _ store.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// Close closes the client connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// PurgeExpired is a no-op: refresh token records carry a Redis TTL, so the
// server evicts them itself.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func workspaceKey(id string) string         { return "vibe80:ws:" + id }
func workspaceIndexKey() string             { return "vibe80:ws:index" }
func sessionKey(id string) string           { return "vibe80:sess:" + id }
func sessionIndexKey(wsID string) string    { return "vibe80:sess:index:" + wsID }
func worktreeKey(sessID, wtID string) string { return "vibe80:wt:" + sessID + ":" + wtID }
func worktreeIndexKey(sessID string) string { return "vibe80:wt:index:" + sessID }
func branchIndexKey(sessID string) string   { return "vibe80:wtbranch:" + sessID }
func messagesKey(sessID, wtID string) string { return "vibe80:msg:" + sessID + ":" + wtID }
func messageSeqKey(sessID, wtID string) string { return "vibe80:msgseq:" + sessID + ":" + wtID }
func refreshKey(hash string) string         { return "vibe80:refresh:" + hash }
func refreshUsedKey(hash string) string     { return "vibe80:refresh:used:" + hash }
