// Package agent hosts the provider CLI clients. One Client wraps one
// coding-agent subprocess bound to one worktree; two adapters cover the
// two wire dialects in use: the Codex app-server (JSON-RPC over stdio,
// long-lived process) and Claude Code (stream-json JSONL, one process
// per turn).
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/sandbox"
)

// State is the client lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// Model describes one selectable provider model.
type Model struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName,omitempty"`
	Description      string   `json:"description,omitempty"`
	ReasoningEfforts []string `json:"reasoningEfforts,omitempty"`
	DefaultEffort    string   `json:"defaultEffort,omitempty"`
}

// Client drives one agent CLI subprocess bound to one worktree.
//
// Lifecycle: idle → starting → ready → processing → ready; a process
// exit from any state lands in stopped, from where Start respawns.
type Client interface {
	// Start spawns the subprocess through the sandbox and performs the
	// protocol handshake. Safe to call again after stopped.
	Start(ctx context.Context) error
	// SendTurn issues one user turn. The returned id is minted here, not
	// by the CLI, and tags every event belonging to the turn.
	SendTurn(ctx context.Context, text string) (turnID string, err error)
	// Interrupt cancels the in-flight turn. Unknown or already finished
	// turn ids are no-ops.
	Interrupt(ctx context.Context, turnID string) error
	// SetModel selects the model and optional reasoning effort for
	// subsequent turns.
	SetModel(ctx context.Context, model, reasoningEffort string) error
	// ListModels pages through the provider's model catalog.
	ListModels(ctx context.Context, cursor string, pageSize int) ([]Model, string, error)
	// ThreadID reports the provider-side conversation id; empty until the
	// first turn establishes one.
	ThreadID() string
	State() State
	// Stop shuts the subprocess down: cooperative close, then SIGTERM,
	// then SIGKILL after the configured grace. Closes Events.
	Stop(ctx context.Context) error
	// Events streams normalized lifecycle and turn events.
	Events() <-chan Event
}

var (
	// ErrNotReady is returned by SendTurn before the handshake finished.
	ErrNotReady = errors.New("agent: client not ready")
	// ErrTurnInFlight is returned while a previous turn is still processing.
	ErrTurnInFlight = errors.New("agent: turn already in flight")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("agent: client stopped")
)

// Options carries everything an adapter needs to run its subprocess.
type Options struct {
	// SessionID and WorktreeID scope logging and wire taps.
	SessionID  string
	WorktreeID string

	// ThreadID resumes an existing provider conversation. ForkThread
	// clones it into a fresh thread on first use instead of resuming.
	ThreadID   string
	ForkThread bool

	Model           string
	ReasoningEffort string

	// Sandbox is the containment spec for the subprocess; Sandbox.Dir is
	// the worktree working copy and becomes the CLI's cwd.
	Sandbox sandbox.Spec
	Runner  *sandbox.Runner

	// WireTap observes every raw protocol line, dir "send" or "recv".
	WireTap func(dir string, line []byte)

	// StopGrace is the pause between SIGTERM and SIGKILL.
	StopGrace time.Duration

	// EventBuffer overrides the event channel capacity (default 100).
	EventBuffer int
}

// New builds the adapter matching the provider's wire protocol.
func New(spec ProviderSpec, opts Options, log *logger.Logger) (Client, error) {
	switch spec.Protocol {
	case ProtocolAppServer:
		return NewCodexClient(spec, opts, log), nil
	case ProtocolStreamJSON:
		return NewClaudeClient(spec, opts, log), nil
	default:
		return nil, fmt.Errorf("agent: unknown protocol %q for provider %q", spec.Protocol, spec.Name)
	}
}
