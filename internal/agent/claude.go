package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/common/stringutil"
	"github.com/vibe80/vibe80/pkg/claudecode"
	"github.com/vibe80/vibe80/pkg/wire"
)

// ClaudeClient drives the Claude Code CLI. The CLI is print-per-turn:
// SendTurn spawns one process with the prompt on argv and the
// conversation continues across processes via --resume with the session
// id announced on each init line. There is no in-band cancel; Interrupt
// kills the turn process.
type ClaudeClient struct {
	spec ProviderSpec
	opts Options
	log  *logger.Logger

	lifeCtx  context.Context
	lifeStop context.CancelFunc

	mu     sync.RWMutex
	state  State
	closed bool

	threadID string
	model    string
	effort   string

	// Per-turn state, reset on every spawn.
	proc         *procHandle
	cli          *claudecode.Client
	turnID       string
	interrupted  bool
	resultSeen   bool
	streamedText bool
	pendingTools map[string]pendingTool
	usage        *wire.TurnUsage

	events chan Event
}

// NewClaudeClient builds the adapter. No process exists until a turn is
// sent.
func NewClaudeClient(spec ProviderSpec, opts Options, log *logger.Logger) *ClaudeClient {
	ctx, cancel := context.WithCancel(context.Background())

	model := opts.Model
	if model == "" {
		model = spec.DefaultModel
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = 100
	}

	return &ClaudeClient{
		spec: spec,
		opts: opts,
		log: log.WithFields(
			zap.String("adapter", ProtocolStreamJSON),
			zap.String("session_id", opts.SessionID),
			zap.String("worktree_id", opts.WorktreeID),
		),
		lifeCtx:      ctx,
		lifeStop:     cancel,
		state:        StateIdle,
		threadID:     opts.ThreadID,
		model:        model,
		effort:       opts.ReasoningEffort,
		pendingTools: make(map[string]pendingTool),
		events:       make(chan Event, buf),
	}
}

// Events implements Client.
func (c *ClaudeClient) Events() <-chan Event { return c.events }

// State implements Client.
func (c *ClaudeClient) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ThreadID implements Client. Each resumed invocation announces a fresh
// session id; the latest one is the resume cursor.
func (c *ClaudeClient) ThreadID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threadID
}

// Start implements Client. The stream-json dialect has no standing
// process or handshake, so readiness is immediate.
func (c *ClaudeClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrStopped
	}
	switch c.state {
	case StateReady, StateProcessing:
		c.mu.Unlock()
		return nil
	}
	c.state = StateReady
	model := c.model
	c.mu.Unlock()

	c.sendEvent(Event{Kind: EventReady, Provider: c.spec.Name, Model: model})
	return nil
}

// SendTurn implements Client: one subprocess per turn.
func (c *ClaudeClient) SendTurn(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrStopped
	}
	switch c.state {
	case StateProcessing:
		c.mu.Unlock()
		return "", ErrTurnInFlight
	case StateReady:
	default:
		c.mu.Unlock()
		return "", ErrNotReady
	}

	resumed := c.threadID != ""
	argv := []string{
		c.spec.Binary,
		"-p", text,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if c.model != "" {
		argv = append(argv, "--model", c.model)
	}
	if resumed {
		argv = append(argv, "--resume", c.threadID)
	}
	c.mu.Unlock()

	spec := c.opts.Sandbox
	cmd := c.opts.Runner.Command(c.lifeCtx, &spec, argv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn %s: %w", c.spec.Binary, err)
	}

	proc := newProcHandle(cmd, cmd.Process.Pid, nil, stdout, stderr, c.log)

	cli := claudecode.NewClient(nil, stdout, c.log)
	cli.SetMessageHandler(c.handleMessage)
	if c.opts.WireTap != nil {
		cli.SetWireTap(c.opts.WireTap)
	}
	cli.Start(c.lifeCtx)

	turnID := uuid.NewString()

	c.mu.Lock()
	c.proc = proc
	c.cli = cli
	c.turnID = turnID
	c.interrupted = false
	c.resultSeen = false
	c.streamedText = false
	c.usage = nil
	c.pendingTools = make(map[string]pendingTool)
	c.state = StateProcessing
	c.mu.Unlock()

	go c.superviseTurn(proc)

	c.sendEvent(Event{Kind: EventTurnStarted, TurnID: turnID})
	c.log.Info("turn started", zap.String("turn_id", turnID), zap.Bool("resumed", resumed))
	return turnID, nil
}

// superviseTurn joins the turn process. When the process dies without a
// result line, the turn is synthesized closed: cancelled after an
// interrupt, failed otherwise.
func (c *ClaudeClient) superviseTurn(proc *procHandle) {
	<-proc.done
	code, signal := proc.exitStatus()

	c.mu.Lock()
	if c.proc != proc || c.closed {
		c.mu.Unlock()
		return
	}
	c.proc = nil
	if c.cli != nil {
		c.cli.Stop()
		c.cli = nil
	}
	resultSeen := c.resultSeen
	interrupted := c.interrupted
	c.mu.Unlock()

	if resultSeen {
		// finishTurn already ran from the result line.
		return
	}
	if interrupted {
		c.finishTurn(false, true, "", "")
		return
	}

	msg := fmt.Sprintf("agent process exited with code %d before reporting a result", code)
	if signal != "" {
		msg = fmt.Sprintf("agent process terminated by %s before reporting a result", signal)
	}
	if tail := stderrTailMessage(proc.recentStderr(), 5); tail != "" {
		msg += ": " + tail
	}
	c.finishTurn(false, false, classifyTurnError("", msg), msg)
}

// finishTurn closes the in-flight turn and returns the client to ready.
func (c *ClaudeClient) finishTurn(success, cancelled bool, errKind, errMsg string) {
	c.mu.Lock()
	if c.turnID == "" {
		c.mu.Unlock()
		return
	}
	turnID := c.turnID
	usage := c.usage
	c.turnID = ""
	c.usage = nil
	if c.state == StateProcessing {
		c.state = StateReady
	}
	c.mu.Unlock()

	ev := Event{Kind: EventTurnCompleted, TurnID: turnID, Usage: usage}
	switch {
	case cancelled:
		ev.Cancelled = true
	case !success:
		ev.ErrorKind = errKind
		ev.ErrorMessage = errMsg
	}
	c.sendEvent(ev)
}

// Interrupt implements Client. The CLI has no cancel message; the turn
// process is killed and the completion synthesized.
func (c *ClaudeClient) Interrupt(ctx context.Context, turnID string) error {
	c.mu.Lock()
	if c.closed || c.state != StateProcessing || c.turnID != turnID || c.interrupted {
		c.mu.Unlock()
		return nil
	}
	c.interrupted = true
	proc := c.proc
	c.mu.Unlock()

	c.log.Info("interrupting turn, killing process", zap.String("turn_id", turnID))
	if proc != nil {
		proc.kill()
	}
	return nil
}

// SetModel implements Client; applied via --model on the next turn.
func (c *ClaudeClient) SetModel(ctx context.Context, model, reasoningEffort string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStopped
	}
	c.model = model
	c.effort = reasoningEffort
	return nil
}

// ListModels implements Client. The CLI exposes no listing call; the
// static catalog is the source.
func (c *ClaudeClient) ListModels(ctx context.Context, cursor string, pageSize int) ([]Model, string, error) {
	models := make([]Model, len(c.spec.Models))
	copy(models, c.spec.Models)
	return models, "", nil
}

// Stop implements Client.
func (c *ClaudeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateStopped
	proc := c.proc
	cli := c.cli
	c.proc = nil
	c.cli = nil
	c.mu.Unlock()

	c.log.Info("stopping agent client")
	if cli != nil {
		cli.Stop()
	}
	if proc != nil {
		proc.kill()
	}
	c.lifeStop()

	c.mu.Lock()
	close(c.events)
	c.mu.Unlock()
	return nil
}

// sendEvent delivers one event without blocking the stream reader.
func (c *ClaudeClient) sendEvent(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// handleMessage normalizes one stdout line into events. Runs on the
// stream read loop.
func (c *ClaudeClient) handleMessage(msg *claudecode.CLIMessage) {
	// The session id can change on resume and mid-conversation compaction;
	// the latest announced id is the only valid resume cursor.
	if msg.SessionID != "" {
		c.mu.Lock()
		if c.threadID != msg.SessionID {
			c.log.Debug("session id updated",
				zap.String("old", c.threadID),
				zap.String("new", msg.SessionID))
			c.threadID = msg.SessionID
		}
		c.mu.Unlock()
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SubtypeInit {
			c.log.Info("turn stream opened",
				zap.String("session_id", msg.SessionID),
				zap.String("model", msg.Model))
		}
	case claudecode.MessageTypeAssistant:
		c.handleAssistant(msg)
	case claudecode.MessageTypeUser:
		c.handleUser(msg)
	case claudecode.MessageTypeResult:
		c.handleResult(msg)
	default:
		c.log.Debug("unhandled message type", zap.String("type", msg.Type))
	}
}

// handleAssistant surfaces completed content blocks. Text arrives as
// whole segments; the coarse delta precedes the message event so
// subscribers render progress before persistence catches up.
func (c *ClaudeClient) handleAssistant(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	turnID := c.currentTurn()

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			c.mu.Lock()
			c.streamedText = true
			c.mu.Unlock()
			c.sendEvent(Event{
				Kind:      EventAssistantDelta,
				TurnID:    turnID,
				Text:      block.Text,
				DeltaKind: wire.DeltaText,
			})
			c.sendEvent(Event{
				Kind:   EventAssistantMessage,
				TurnID: turnID,
				Text:   block.Text,
			})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			c.sendEvent(Event{
				Kind:      EventAssistantDelta,
				TurnID:    turnID,
				Text:      block.Thinking,
				DeltaKind: wire.DeltaReasoning,
			})
		case "tool_use":
			command := renderToolUse(block)
			c.mu.Lock()
			c.pendingTools[block.ID] = pendingTool{name: block.Name, command: command}
			c.mu.Unlock()
			c.sendEvent(Event{
				Kind:    EventItemStarted,
				TurnID:  turnID,
				ItemID:  block.ID,
				Command: command,
			})
		}
	}
}

// pendingTool remembers a tool_use block until its result arrives.
type pendingTool struct {
	name    string
	command string
}

// handleUser surfaces tool results echoed back to the model. Shell tools
// complete as command executions, everything else as a plain tool result.
func (c *ClaudeClient) handleUser(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	turnID := c.currentTurn()

	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		text := block.ContentText()

		c.mu.Lock()
		tool := c.pendingTools[block.ToolUseID]
		delete(c.pendingTools, block.ToolUseID)
		c.mu.Unlock()

		if tool.name == "Bash" {
			c.sendEvent(Event{
				Kind:    EventCommandExecutionCompleted,
				TurnID:  turnID,
				ItemID:  block.ToolUseID,
				Command: tool.command,
				Text:    text,
				IsError: block.IsError,
			})
			continue
		}
		c.sendEvent(Event{
			Kind:    EventToolResult,
			TurnID:  turnID,
			ItemID:  block.ToolUseID,
			Command: tool.name,
			Text:    text,
			IsError: block.IsError,
		})
	}
}

// handleResult closes the turn from the final stream line.
func (c *ClaudeClient) handleResult(msg *claudecode.CLIMessage) {
	usage := claudeUsage(msg)

	c.mu.Lock()
	c.resultSeen = true
	c.usage = usage
	streamed := c.streamedText
	interrupted := c.interrupted
	c.mu.Unlock()

	resultText := msg.ResultText()
	if !streamed && resultText != "" && !msg.IsError {
		c.sendEvent(Event{
			Kind:   EventAssistantMessage,
			TurnID: c.currentTurn(),
			Text:   resultText,
		})
	}

	switch {
	case interrupted:
		c.finishTurn(false, true, "", "")
	case msg.IsError:
		errMsg := resultText
		if errMsg == "" {
			errMsg = msg.Subtype
		}
		c.finishTurn(false, false, classifyTurnError(msg.Subtype, errMsg), errMsg)
	default:
		c.finishTurn(true, false, "", "")
	}
}

func (c *ClaudeClient) currentTurn() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turnID
}

// claudeUsage flattens the result line's token counts.
func claudeUsage(msg *claudecode.CLIMessage) *wire.TurnUsage {
	if msg.Usage == nil && msg.TotalCostUSD == 0 {
		return nil
	}
	usage := &wire.TurnUsage{TotalCostUSD: msg.TotalCostUSD}
	if msg.Usage != nil {
		usage.InputTokens = msg.Usage.InputTokens
		usage.CachedInputTokens = msg.Usage.CacheReadInputTokens
		usage.OutputTokens = msg.Usage.OutputTokens
	}
	for _, stats := range msg.ModelUsage {
		if stats.ContextWindow != nil && *stats.ContextWindow > usage.ContextWindow {
			usage.ContextWindow = *stats.ContextWindow
		}
	}
	return usage
}

// renderToolUse formats a tool_use block for the command stream. Shell
// tools show their command line; everything else shows name plus compact
// input.
func renderToolUse(block claudecode.ContentBlock) string {
	if cmd, ok := block.Input["command"].(string); ok && cmd != "" {
		return cmd
	}
	if len(block.Input) == 0 {
		return block.Name
	}
	raw, err := json.Marshal(block.Input)
	if err != nil {
		return block.Name
	}
	input := stringutil.TruncateWithEllipsis(string(raw), 200)
	return strings.TrimSpace(block.Name + " " + input)
}
