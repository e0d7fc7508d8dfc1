// Package store defines the persistence contract shared by the embedded
// (SQLite) and external (Redis) backends, plus the entities it stores.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by both backends.
var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRefreshUsed is returned when a refresh token was already rotated.
	ErrRefreshUsed = errors.New("refresh token already used")
	// ErrRefreshExpired is returned when a refresh token is past its expiry.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrDuplicateBranch is returned when a worktree branch name collides
	// within its session.
	ErrDuplicateBranch = errors.New("branch name already exists in session")
)

// Store is the durable KV contract for workspaces, sessions, worktrees,
// messages, and refresh tokens. All operations are idempotent on identity
// and safe for concurrent use; writers are serialized per key by the backend.
type Store interface {
	// Workspaces
	PutWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)

	// Sessions
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Worktrees
	SaveWorktree(ctx context.Context, wt *Worktree) error
	GetWorktree(ctx context.Context, sessionID, worktreeID string) (*Worktree, error)
	ListWorktrees(ctx context.Context, sessionID string) ([]*Worktree, error)
	DeleteWorktree(ctx context.Context, sessionID, worktreeID string) error

	// Messages. AppendMessage assigns msg.ID: ids are unique within a
	// worktree and monotonic in insertion order.
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages pages backwards: up to limit messages with id < beforeID
	// (beforeID <= 0 means from the end), returned in ascending id order.
	ListMessages(ctx context.Context, sessionID, worktreeID string, limit int, beforeID int64) ([]*Message, error)
	// ListMessagesAfter returns every message with id > afterID in ascending
	// id order. Used for reconnect catch-up.
	ListMessagesAfter(ctx context.Context, sessionID, worktreeID string, afterID int64) ([]*Message, error)
	ClearMessages(ctx context.Context, sessionID, worktreeID string) error

	// Refresh tokens. ConsumeRefreshToken verifies the token by hash, marks
	// it used, and atomically installs the replacement (when non-nil). At
	// most one concurrent caller wins; losers get ErrRefreshUsed. A
	// replacement with an empty WorkspaceID inherits the consumed token's
	// workspace.
	PutRefreshToken(ctx context.Context, token *RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, hash string, replacement *RefreshToken) (*RefreshToken, error)

	// PurgeExpired removes refresh tokens whose expiry precedes now.
	// Session removal is driven by the session manager's GC, not here.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}
