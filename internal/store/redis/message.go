package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vibe80/vibe80/internal/store"
)

// AppendMessage persists the message and assigns its id from the worktree's
// sequence counter. The counter survives ClearMessages, so ids stay
// monotonic across log resets.
func (s *Store) AppendMessage(ctx context.Context, msg *store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	id, err := s.rdb.Incr(ctx, messageSeqKey(msg.SessionID, msg.WorktreeID)).Result()
	if err != nil {
		return err
	}
	msg.ID = id

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	return s.rdb.ZAdd(ctx, messagesKey(msg.SessionID, msg.WorktreeID), redis.Z{
		Score:  float64(id),
		Member: data,
	}).Err()
}

// ListMessages pages backwards through a worktree's log: up to limit
// messages with id below beforeID (beforeID <= 0 means from the end),
// returned in ascending id order.
func (s *Store) ListMessages(ctx context.Context, sessionID, worktreeID string, limit int, beforeID int64) ([]*store.Message, error) {
	if limit <= 0 {
		return []*store.Message{}, nil
	}

	max := "+inf"
	if beforeID > 0 {
		max = "(" + strconv.FormatInt(beforeID, 10)
	}
	raw, err := s.rdb.ZRevRangeByScore(ctx, messagesKey(sessionID, worktreeID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	page := make([]*store.Message, len(raw))
	for i, member := range raw {
		msg, err := decodeMessage([]byte(member))
		if err != nil {
			return nil, err
		}
		// Range walked newest-first; place into ascending id order.
		page[len(raw)-1-i] = msg
	}
	return page, nil
}

// ListMessagesAfter returns every message with id above afterID in ascending
// id order.
func (s *Store) ListMessagesAfter(ctx context.Context, sessionID, worktreeID string, afterID int64) ([]*store.Message, error) {
	raw, err := s.rdb.ZRangeByScore(ctx, messagesKey(sessionID, worktreeID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterID, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	var result []*store.Message
	for _, member := range raw {
		msg, err := decodeMessage([]byte(member))
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

// ClearMessages deletes the worktree's log but keeps its sequence counter.
func (s *Store) ClearMessages(ctx context.Context, sessionID, worktreeID string) error {
	return s.rdb.Del(ctx, messagesKey(sessionID, worktreeID)).Err()
}

func decodeMessage(data []byte) (*store.Message, error) {
	msg := &store.Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %w", err)
	}
	return msg, nil
}
