package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibe80/vibe80/internal/store"
)

const messageColumns = `id, session_id, worktree_id, role, text, attachments, tool_result, created_at`

// AppendMessage persists the message and assigns its id. Ids come from the
// AUTOINCREMENT rowid, so they are globally monotonic and therefore monotonic
// within every worktree log.
func (s *Store) AppendMessage(ctx context.Context, msg *store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	attachmentsJSON := "[]"
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to serialize message attachments: %w", err)
		}
		attachmentsJSON = string(b)
	}

	toolResultJSON := ""
	if msg.ToolResult != nil {
		b, err := json.Marshal(msg.ToolResult)
		if err != nil {
			return fmt.Errorf("failed to serialize tool result: %w", err)
		}
		toolResultJSON = string(b)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, worktree_id, role, text, attachments, tool_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.SessionID, msg.WorktreeID, msg.Role, msg.Text, attachmentsJSON, toolResultJSON, msg.CreatedAt.UTC())
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// ListMessages pages backwards through a worktree's log: up to limit
// messages with id below beforeID (beforeID <= 0 means from the end),
// returned in ascending id order.
func (s *Store) ListMessages(ctx context.Context, sessionID, worktreeID string, limit int, beforeID int64) ([]*store.Message, error) {
	if limit <= 0 {
		return []*store.Message{}, nil
	}

	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND worktree_id = ?`
	args := []interface{}{sessionID, worktreeID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var page []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query walked newest-first; flip to ascending id order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// ListMessagesAfter returns every message with id above afterID in ascending
// id order.
func (s *Store) ListMessagesAfter(ctx context.Context, sessionID, worktreeID string, afterID int64) ([]*store.Message, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND worktree_id = ? AND id > ?
		ORDER BY id ASC
	`, sessionID, worktreeID, afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// ClearMessages deletes the worktree's log. The AUTOINCREMENT sequence is
// untouched, so ids assigned afterwards keep increasing.
func (s *Store) ClearMessages(ctx context.Context, sessionID, worktreeID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE session_id = ? AND worktree_id = ?
	`, sessionID, worktreeID)
	return err
}

func scanMessage(row rowScanner) (*store.Message, error) {
	msg := &store.Message{}
	var attachmentsJSON, toolResultJSON string
	if err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.WorktreeID,
		&msg.Role,
		&msg.Text,
		&attachmentsJSON,
		&toolResultJSON,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	if attachmentsJSON != "" && attachmentsJSON != "[]" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("failed to deserialize message attachments: %w", err)
		}
	}
	if toolResultJSON != "" {
		msg.ToolResult = &store.ToolResult{}
		if err := json.Unmarshal([]byte(toolResultJSON), msg.ToolResult); err != nil {
			return nil, fmt.Errorf("failed to deserialize tool result: %w", err)
		}
	}
	return msg, nil
}
