package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/store"
)

// ListBacklog returns a session's backlog items in insertion order.
func (m *Manager) ListBacklog(ctx context.Context, workspaceID, sessionID string) ([]store.BacklogItem, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Backlog == nil {
		return []store.BacklogItem{}, nil
	}
	return sess.Backlog, nil
}

// AddBacklogItem appends one note to the session's backlog.
func (m *Manager) AddBacklogItem(ctx context.Context, workspaceID, sessionID, text string) (*store.BacklogItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("backlog item text must not be empty")
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}

	item := store.BacklogItem{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	sess.Backlog = append(sess.Backlog, item)
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Internal("failed to persist backlog", err)
	}
	return &item, nil
}

// RemoveBacklogItem deletes one backlog item by id.
func (m *Manager) RemoveBacklogItem(ctx context.Context, workspaceID, sessionID, itemID string) error {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}

	kept := sess.Backlog[:0]
	found := false
	for _, item := range sess.Backlog {
		if item.ID == itemID {
			found = true
			continue
		}
		kept = append(kept, item)
	}
	if !found {
		return apperr.NotFound("backlog item", itemID)
	}
	sess.Backlog = kept
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return apperr.Internal("failed to persist backlog", err)
	}
	return nil
}
