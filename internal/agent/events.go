package agent

import "github.com/vibe80/vibe80/pkg/wire"

// EventKind tags an Event.
type EventKind string

const (
	// EventReady fires when the handshake completes.
	EventReady EventKind = "ready"
	// EventError reports a lifecycle failure (spawn, handshake).
	EventError EventKind = "error"
	// EventExit reports subprocess termination.
	EventExit EventKind = "exit"

	EventTurnStarted   EventKind = "turn_started"
	EventTurnCompleted EventKind = "turn_completed"
	EventTurnError     EventKind = "turn_error"

	EventAssistantDelta   EventKind = "assistant_delta"
	EventAssistantMessage EventKind = "assistant_message"

	// EventItemStarted announces a new output item; for command
	// executions Command carries the command line.
	EventItemStarted               EventKind = "item_started"
	EventCommandExecutionDelta     EventKind = "command_execution_delta"
	EventCommandExecutionCompleted EventKind = "command_execution_completed"
	EventToolResult                EventKind = "tool_result"

	EventWorktreeDiff          EventKind = "worktree_diff"
	EventUsage                 EventKind = "usage"
	EventAccountLoginCompleted EventKind = "account_login_completed"
)

// Event is one normalized occurrence from an adapter. Kind decides which
// fields are set. Events of one turn are emitted in protocol order.
type Event struct {
	Kind   EventKind
	TurnID string

	// ItemID identifies the output item a delta or completion belongs to.
	ItemID string

	// Text carries delta chunks, completed message text, tool output, or
	// a unified diff depending on Kind.
	Text string
	// DeltaKind distinguishes assistant text from reasoning chunks.
	DeltaKind string

	// Command is the command line of a command execution item, or the
	// tool name of a tool result.
	Command  string
	ExitCode *int
	// IsError marks a tool result the provider flagged as failed.
	IsError bool

	// Turn completion.
	Cancelled    bool
	ErrorKind    string // wire.TurnErrorUsageLimit, ...
	ErrorMessage string
	Usage        *wire.TurnUsage

	// Ready.
	Provider string
	Model    string

	// Exit.
	ProcessExitCode int
	Signal          string

	// Account login.
	Success bool
}
