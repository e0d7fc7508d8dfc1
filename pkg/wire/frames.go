package wire

import "github.com/vibe80/vibe80/internal/store"

// Pong answers a client ping.
type Pong struct{}

func (Pong) Kind() FrameType { return FramePong }

// StateTerminated is the Status state sent just before the server closes a
// subscriber's stream, on session deletion or GC.
const StateTerminated = "terminated"

// Status reports a session lifecycle change.
type Status struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (Status) Kind() FrameType { return FrameStatus }

// Ready signals that the worktree's agent finished waking up and accepts
// turns.
type Ready struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

func (Ready) Kind() FrameType { return FrameReady }

// RepoDiff carries the debounced unified diff of the session's primary
// working copy.
type RepoDiff struct {
	Diff string `json:"diff"`
}

func (RepoDiff) Kind() FrameType { return FrameRepoDiff }

// WorktreeDiff carries the debounced unified diff of one worktree.
type WorktreeDiff struct {
	Diff string `json:"diff"`
}

func (WorktreeDiff) Kind() FrameType { return FrameWorktreeDiff }

// TurnStarted opens a turn.
type TurnStarted struct {
	TurnID string `json:"turnId"`
}

func (TurnStarted) Kind() FrameType { return FrameTurnStarted }

// TurnUsage aggregates the token counts a provider reported for one turn.
type TurnUsage struct {
	InputTokens       int64   `json:"inputTokens"`
	CachedInputTokens int64   `json:"cachedInputTokens,omitempty"`
	OutputTokens      int64   `json:"outputTokens"`
	TotalCostUSD      float64 `json:"totalCostUsd,omitempty"`
	ContextWindow     int64   `json:"contextWindow,omitempty"`
}

// TurnCompleted closes a turn. Cancelled marks turns ended by an
// interrupt.
type TurnCompleted struct {
	TurnID    string     `json:"turnId"`
	Cancelled bool       `json:"cancelled,omitempty"`
	Usage     *TurnUsage `json:"usage,omitempty"`
}

func (TurnCompleted) Kind() FrameType { return FrameTurnCompleted }

// Turn error kinds.
const (
	TurnErrorUsageLimit  = "usage_limit"
	TurnErrorRateLimited = "rate_limited"
	TurnErrorNetwork     = "network"
	TurnErrorInternal    = "internal"
)

// TurnError reports a turn that failed instead of completing.
type TurnError struct {
	TurnID    string `json:"turnId,omitempty"`
	ErrorKind string `json:"kind"`
	Message   string `json:"message"`
}

func (TurnError) Kind() FrameType { return FrameTurnError }

// Assistant delta kinds.
const (
	DeltaText      = "text"
	DeltaReasoning = "reasoning"
)

// AssistantDelta streams a chunk of assistant output inside a turn.
type AssistantDelta struct {
	MessageID string `json:"messageId,omitempty"`
	DeltaKind string `json:"deltaKind,omitempty"`
	Text      string `json:"text"`
}

func (AssistantDelta) Kind() FrameType { return FrameAssistantDelta }

// AssistantMessage carries a completed assistant message, already
// persisted.
type AssistantMessage struct {
	Message *store.Message `json:"message"`
}

func (AssistantMessage) Kind() FrameType { return FrameAssistantMessage }

// CommandExecutionDelta streams a chunk of a running command's output.
type CommandExecutionDelta struct {
	ItemID string `json:"itemId"`
	Chunk  string `json:"chunk"`
}

func (CommandExecutionDelta) Kind() FrameType { return FrameCommandExecutionDelta }

// CommandExecutionCompleted reports a finished command, already persisted
// as a message.
type CommandExecutionCompleted struct {
	ItemID  string         `json:"itemId"`
	Message *store.Message `json:"message"`
}

func (CommandExecutionCompleted) Kind() FrameType { return FrameCommandExecutionCompleted }

// ToolResult reports a finished non-command tool call, already persisted
// as a message.
type ToolResult struct {
	ItemID  string         `json:"itemId"`
	Message *store.Message `json:"message"`
}

func (ToolResult) Kind() FrameType { return FrameToolResult }

// WorktreeCreated announces a new worktree.
type WorktreeCreated struct {
	Worktree *store.Worktree `json:"worktree"`
}

func (WorktreeCreated) Kind() FrameType { return FrameWorktreeCreated }

// WorktreeReady signals that a worktree finished provisioning.
type WorktreeReady struct {
	Worktree *store.Worktree `json:"worktree"`
}

func (WorktreeReady) Kind() FrameType { return FrameWorktreeReady }

// WorktreeStatus reports an agent state change inside a worktree.
type WorktreeStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (WorktreeStatus) Kind() FrameType { return FrameWorktreeStatus }

// WorktreeRemoved announces a worktree deletion; the id rides the
// envelope.
type WorktreeRemoved struct{}

func (WorktreeRemoved) Kind() FrameType { return FrameWorktreeRemoved }

// WorktreeRenamed announces a worktree rename.
type WorktreeRenamed struct {
	Name string `json:"name"`
}

func (WorktreeRenamed) Kind() FrameType { return FrameWorktreeRenamed }

// WorktreesList snapshots a session's worktrees.
type WorktreesList struct {
	Worktrees []*store.Worktree `json:"worktrees"`
}

func (WorktreesList) Kind() FrameType { return FrameWorktreesList }

// MessagesSync delivers the catch-up batch after a sync_messages request,
// ordered by id.
type MessagesSync struct {
	Messages []*store.Message `json:"messages"`
}

func (MessagesSync) Kind() FrameType { return FrameMessagesSync }

// WorktreeMessagesSync delivers one worktree's conversation history.
type WorktreeMessagesSync struct {
	Messages []*store.Message `json:"messages"`
}

func (WorktreeMessagesSync) Kind() FrameType { return FrameWorktreeMessagesSync }

// ProviderSwitched announces a worktree's provider change.
type ProviderSwitched struct {
	Provider string `json:"provider"`
}

func (ProviderSwitched) Kind() FrameType { return FrameProviderSwitched }

// AccountLoginCompleted reports the outcome of a provider account login.
type AccountLoginCompleted struct {
	Provider string `json:"provider"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

func (AccountLoginCompleted) Kind() FrameType { return FrameAccountLoginCompleted }

// RPCLog tails one line of agent wire traffic.
type RPCLog struct {
	Dir  string `json:"dir"` // "send" or "recv"
	Line string `json:"line"`
}

func (RPCLog) Kind() FrameType { return FrameRPCLog }
