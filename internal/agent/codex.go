package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/pkg/codex"
	"github.com/vibe80/vibe80/pkg/wire"
)

// appServerArg is the subcommand that puts the Codex CLI into protocol mode.
const appServerArg = "app-server"

// initializeTimeout bounds the handshake after spawn.
const initializeTimeout = 30 * time.Second

// CodexClient drives one long-lived codex app-server subprocess. One
// process hosts one thread; turns stream notifications until
// turn/completed.
type CodexClient struct {
	spec ProviderSpec
	opts Options
	log  *logger.Logger

	// lifeCtx outlives any caller context; handles and turn processes are
	// torn down by Stop, not by request cancellation.
	lifeCtx  context.Context
	lifeStop context.CancelFunc

	respawn *backoff.ExponentialBackOff

	mu     sync.RWMutex
	state  State
	closed bool
	proc   *procHandle
	rpc    *codex.Client

	threadID     string
	forkPending  bool
	threadLoaded bool

	model  string
	effort string

	// In-flight turn bookkeeping. turnID is minted here; providerTurnID is
	// the CLI's own id, used to correlate notifications.
	turnID         string
	providerTurnID string
	turnAnnounced  bool
	interrupted    bool
	pendingErrType string
	pendingErrMsg  string
	lastUsage      *wire.TurnUsage

	events chan Event
}

// NewCodexClient builds the adapter; the subprocess spawns on Start.
func NewCodexClient(spec ProviderSpec, opts Options, log *logger.Logger) *CodexClient {
	ctx, cancel := context.WithCancel(context.Background())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.Reset()

	buf := opts.EventBuffer
	if buf <= 0 {
		buf = 100
	}

	return &CodexClient{
		spec: spec,
		opts: opts,
		log: log.WithFields(
			zap.String("adapter", ProtocolAppServer),
			zap.String("session_id", opts.SessionID),
			zap.String("worktree_id", opts.WorktreeID),
		),
		lifeCtx:     ctx,
		lifeStop:    cancel,
		respawn:     b,
		state:       StateIdle,
		threadID:    opts.ThreadID,
		forkPending: opts.ForkThread && opts.ThreadID != "",
		model:       opts.Model,
		effort:      opts.ReasoningEffort,
		events:      make(chan Event, buf),
	}
}

// Events implements Client.
func (c *CodexClient) Events() <-chan Event { return c.events }

// State implements Client.
func (c *CodexClient) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ThreadID implements Client.
func (c *CodexClient) ThreadID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threadID
}

// Start spawns the app server and performs the initialize handshake.
// After a failure or a process exit the next call waits out the current
// respawn backoff interval first.
func (c *CodexClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrStopped
	}
	switch c.state {
	case StateReady, StateProcessing, StateStarting:
		c.mu.Unlock()
		return nil
	}
	wasDown := c.state == StateStopped || c.state == StateError
	c.state = StateStarting
	c.mu.Unlock()

	if wasDown {
		delay := c.respawn.NextBackOff()
		c.log.Info("respawning agent", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(StateStopped)
			return ctx.Err()
		}
	}

	if err := c.spawn(); err != nil {
		c.setState(StateError)
		c.sendEvent(Event{Kind: EventError, ErrorKind: wire.TurnErrorInternal, ErrorMessage: err.Error()})
		return err
	}

	c.respawn.Reset()
	c.setState(StateReady)
	c.sendEvent(Event{Kind: EventReady, Provider: c.spec.Name, Model: c.currentModel()})
	return nil
}

// spawn launches the subprocess, wires the protocol client, and runs the
// initialize handshake.
func (c *CodexClient) spawn() error {
	spec := c.opts.Sandbox
	cmd := c.opts.Runner.Command(c.lifeCtx, &spec, []string{c.spec.Binary, appServerArg})

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", c.spec.Binary, err)
	}

	proc := newProcHandle(cmd, cmd.Process.Pid, stdin, stdout, stderr, c.log)

	rpc := codex.NewClient(stdin, stdout, c.log)
	rpc.SetNotificationHandler(c.handleNotification)
	rpc.SetRequestHandler(c.handleRequest)
	if c.opts.WireTap != nil {
		rpc.SetWireTap(c.opts.WireTap)
	}
	rpc.Start(c.lifeCtx)

	c.mu.Lock()
	c.proc = proc
	c.rpc = rpc
	c.threadLoaded = false
	c.mu.Unlock()

	go c.monitorExit(proc)

	initCtx, cancel := context.WithTimeout(c.lifeCtx, initializeTimeout)
	defer cancel()
	resp, err := rpc.Call(initCtx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "vibe80", Version: "1"},
	})
	if err != nil {
		c.teardown(proc, rpc)
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if resp.Error != nil {
		c.teardown(proc, rpc)
		return fmt.Errorf("initialize error: %s", resp.Error.Message)
	}
	if err := rpc.Notify(codex.MethodInitialized, nil); err != nil {
		c.teardown(proc, rpc)
		return fmt.Errorf("initialized notification: %w", err)
	}

	var initResult codex.InitializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &initResult); err != nil {
			c.log.Warn("failed to parse initialize result", zap.Error(err))
		}
	}
	c.log.Info("agent initialized", zap.String("user_agent", initResult.UserAgent))
	return nil
}

// teardown disposes a generation that failed its handshake before
// monitorExit can mistake the exit for a crash.
func (c *CodexClient) teardown(proc *procHandle, rpc *codex.Client) {
	c.mu.Lock()
	if c.proc == proc {
		c.proc = nil
		c.rpc = nil
	}
	c.mu.Unlock()
	rpc.Stop()
	proc.stop(c.stopGrace())
}

// monitorExit watches one subprocess generation. An unexpected exit fails
// the in-flight turn and moves the client to stopped.
func (c *CodexClient) monitorExit(proc *procHandle) {
	<-proc.done
	code, signal := proc.exitStatus()

	c.mu.Lock()
	if c.proc != proc || c.closed {
		c.mu.Unlock()
		return
	}
	c.proc = nil
	c.rpc.Stop()
	c.rpc = nil
	c.state = StateStopped
	c.threadLoaded = false
	hadTurn := c.turnID != ""
	c.mu.Unlock()

	c.log.Warn("agent process exited", zap.Int("code", code), zap.String("signal", signal))

	if hadTurn {
		msg := "agent process exited mid-turn"
		if parsed := parseStderrTail(proc.recentStderr()); parsed != nil {
			msg = parsed.Message
		}
		c.finishTurn(false, classifyTurnError("", msg), msg)
	}
	c.sendEvent(Event{Kind: EventExit, ProcessExitCode: code, Signal: signal})
}

// SendTurn implements Client. The turn/start call acks quickly; the turn
// itself streams notifications until turn/completed.
func (c *CodexClient) SendTurn(ctx context.Context, text string) (string, error) {
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
	rpc := c.rpc
	turnID := uuid.NewString()
	c.turnID = turnID
	c.providerTurnID = ""
	c.turnAnnounced = false
	c.interrupted = false
	c.pendingErrType = ""
	c.pendingErrMsg = ""
	c.lastUsage = nil
	c.state = StateProcessing
	c.mu.Unlock()

	if err := c.ensureThread(ctx, rpc); err != nil {
		c.abortTurn()
		return "", err
	}

	c.mu.RLock()
	params := &codex.TurnStartParams{
		ThreadID: c.threadID,
		Input:    []codex.UserInput{{Type: "text", Text: text}},
		Model:    c.model,
		Effort:   c.effort,
	}
	c.mu.RUnlock()

	resp, err := rpc.Call(ctx, codex.MethodTurnStart, params)
	if err != nil {
		c.abortTurn()
		return "", fmt.Errorf("turn start: %w", err)
	}
	if resp.Error != nil {
		c.abortTurn()
		return "", fmt.Errorf("turn start: %s", resp.Error.Message)
	}

	var result codex.TurnStartResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			c.log.Warn("failed to parse turn start result", zap.Error(err))
		}
	}
	if result.Turn != nil {
		c.mu.Lock()
		c.providerTurnID = result.Turn.ID
		c.mu.Unlock()
	}

	c.announceTurn()
	return turnID, nil
}

// ensureThread starts, resumes, or forks the provider thread before the
// first turn of this process generation.
func (c *CodexClient) ensureThread(ctx context.Context, rpc *codex.Client) error {
	c.mu.RLock()
	loaded := c.threadLoaded
	threadID := c.threadID
	fork := c.forkPending
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	workDir := c.opts.Sandbox.Dir
	sandboxPolicy := &codex.SandboxPolicy{Type: "danger-full-access", NetworkAccess: true}

	var (
		method string
		params interface{}
	)
	switch {
	case threadID == "":
		method = codex.MethodThreadStart
		params = &codex.ThreadStartParams{
			Cwd:            workDir,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandboxPolicy,
		}
	case fork:
		method = codex.MethodThreadFork
		params = &codex.ThreadForkParams{ThreadID: threadID}
	default:
		method = codex.MethodThreadResume
		params = &codex.ThreadResumeParams{
			ThreadID:       threadID,
			Cwd:            workDir,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandboxPolicy,
		}
	}

	resp, err := rpc.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s", method, resp.Error.Message)
	}

	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return fmt.Errorf("%s: malformed thread result", method)
	}

	c.mu.Lock()
	c.threadID = result.Thread.ID
	c.forkPending = false
	c.threadLoaded = true
	c.mu.Unlock()

	c.log.Info("thread ready", zap.String("method", method), zap.String("thread_id", result.Thread.ID))
	return nil
}

// abortTurn rolls back a turn that failed before the CLI accepted it.
func (c *CodexClient) abortTurn() {
	c.mu.Lock()
	c.turnID = ""
	c.providerTurnID = ""
	c.turnAnnounced = false
	if c.state == StateProcessing {
		c.state = StateReady
	}
	c.mu.Unlock()
}

// announceTurn emits turn_started exactly once per turn; the response and
// the turn/started notification race for it.
func (c *CodexClient) announceTurn() {
	c.mu.Lock()
	if c.turnID == "" || c.turnAnnounced {
		c.mu.Unlock()
		return
	}
	c.turnAnnounced = true
	turnID := c.turnID
	c.mu.Unlock()
	c.sendEvent(Event{Kind: EventTurnStarted, TurnID: turnID})
}

// finishTurn closes the in-flight turn and returns the client to ready.
func (c *CodexClient) finishTurn(success bool, errKind, errMsg string) {
	c.mu.Lock()
	if c.turnID == "" {
		c.mu.Unlock()
		return
	}
	turnID := c.turnID
	usage := c.lastUsage
	cancelled := c.interrupted
	c.turnID = ""
	c.providerTurnID = ""
	c.turnAnnounced = false
	c.interrupted = false
	c.lastUsage = nil
	if c.state == StateProcessing {
		c.state = StateReady
	}
	c.mu.Unlock()

	switch {
	case cancelled:
		c.sendEvent(Event{Kind: EventTurnCompleted, TurnID: turnID, Cancelled: true, Usage: usage})
	case success:
		c.sendEvent(Event{Kind: EventTurnCompleted, TurnID: turnID, Usage: usage})
	default:
		c.sendEvent(Event{
			Kind:         EventTurnCompleted,
			TurnID:       turnID,
			Usage:        usage,
			ErrorKind:    errKind,
			ErrorMessage: errMsg,
		})
	}
}

// Interrupt implements Client. Codex cancels cooperatively via
// turn/interrupt; the turn still finishes with turn/completed.
func (c *CodexClient) Interrupt(ctx context.Context, turnID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateProcessing || c.turnID != turnID {
		c.mu.Unlock()
		return nil
	}
	if c.interrupted {
		c.mu.Unlock()
		return nil
	}
	c.interrupted = true
	rpc := c.rpc
	threadID := c.threadID
	providerTurnID := c.providerTurnID
	c.mu.Unlock()

	c.log.Info("interrupting turn", zap.String("turn_id", turnID))
	_, err := rpc.Call(ctx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{
		ThreadID: threadID,
		TurnID:   providerTurnID,
	})
	if err != nil {
		return fmt.Errorf("turn interrupt: %w", err)
	}
	return nil
}

// SetModel implements Client. The app server takes model overrides per
// turn, so the choice applies from the next turn/start.
func (c *CodexClient) SetModel(ctx context.Context, model, reasoningEffort string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStopped
	}
	c.model = model
	c.effort = reasoningEffort
	return nil
}

// ListModels implements Client.
func (c *CodexClient) ListModels(ctx context.Context, cursor string, pageSize int) ([]Model, string, error) {
	c.mu.RLock()
	rpc := c.rpc
	c.mu.RUnlock()
	if rpc == nil {
		return nil, "", ErrNotReady
	}

	resp, err := rpc.Call(ctx, codex.MethodModelList, &codex.ModelListParams{Cursor: cursor, PageSize: pageSize})
	if err != nil {
		return nil, "", fmt.Errorf("model list: %w", err)
	}
	if resp.Error != nil {
		return nil, "", fmt.Errorf("model list: %s", resp.Error.Message)
	}

	var result codex.ModelListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, "", fmt.Errorf("model list: malformed result: %w", err)
	}

	models := make([]Model, 0, len(result.Models))
	for _, m := range result.Models {
		model := Model{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Description: m.Description,
		}
		for _, e := range m.SupportedReasoningEfforts {
			model.ReasoningEfforts = append(model.ReasoningEfforts, e.ReasoningEffort)
			if e.IsDefault {
				model.DefaultEffort = e.ReasoningEffort
			}
		}
		models = append(models, model)
	}
	return models, result.NextCursor, nil
}

// Stop implements Client.
func (c *CodexClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateStopped
	proc := c.proc
	rpc := c.rpc
	c.proc = nil
	c.rpc = nil
	c.mu.Unlock()

	c.log.Info("stopping agent client")
	if rpc != nil {
		rpc.Stop()
	}
	if proc != nil {
		proc.stop(c.stopGrace())
	}
	c.lifeStop()

	c.mu.Lock()
	close(c.events)
	c.mu.Unlock()
	return nil
}

func (c *CodexClient) stopGrace() time.Duration {
	if c.opts.StopGrace > 0 {
		return c.opts.StopGrace
	}
	return 5 * time.Second
}

func (c *CodexClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *CodexClient) currentModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// sendEvent delivers one event without blocking the protocol read loop.
// Overflow drops the event; the message log remains authoritative.
func (c *CodexClient) sendEvent(ev Event) {
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

// currentTurn returns the server-minted id of the in-flight turn.
func (c *CodexClient) currentTurn() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turnID
}

// handleRequest answers agent-initiated requests. Approvals are policied
// off at thread start; any that still arrive are accepted because the
// outer sandbox is the enforcement boundary.
func (c *CodexClient) handleRequest(id interface{}, method string, params json.RawMessage) {
	c.mu.RLock()
	rpc := c.rpc
	c.mu.RUnlock()
	if rpc == nil {
		return
	}

	switch method {
	case codex.NotifyItemCmdExecRequestApproval, codex.NotifyItemFileChangeRequestApproval:
		c.log.Debug("auto-approving request", zap.String("method", method))
		if err := rpc.SendResponse(id, &codex.ApprovalResponse{Decision: "accept"}, nil); err != nil {
			c.log.Warn("failed to answer approval", zap.Error(err))
		}
	default:
		c.log.Warn("unexpected agent request", zap.String("method", method))
		if err := rpc.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "Method not found"}); err != nil {
			c.log.Warn("failed to reject request", zap.Error(err))
		}
	}
}

// handleNotification dispatches server notifications onto the event
// channel. Runs on the protocol read loop; handlers stay non-blocking.
func (c *CodexClient) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codex.NotifyThreadStarted:
		c.handleThreadStarted(params)
	case codex.NotifyTurnStarted:
		c.announceTurn()
	case codex.NotifyTurnCompleted:
		c.handleTurnCompleted(params)
	case codex.NotifyItemStarted:
		c.handleItemStarted(params)
	case codex.NotifyItemCompleted:
		c.handleItemCompleted(params)
	case codex.NotifyItemAgentMessageDelta:
		c.handleAgentMessageDelta(params)
	case codex.NotifyItemReasoningSummaryDelta, codex.NotifyItemReasoningTextDelta:
		c.handleReasoningDelta(params)
	case codex.NotifyItemCmdExecOutputDelta:
		c.handleCommandOutputDelta(params)
	case codex.NotifyTurnDiffUpdated:
		c.handleTurnDiffUpdated(params)
	case codex.NotifyTokenCount:
		c.handleTokenCount(params)
	case codex.NotifyThreadTokenUsageUpdated:
		c.handleThreadTokenUsage(params)
	case codex.NotifyError:
		c.handleErrorNotification(params)
	case codex.NotifyAccountLoginCompleted:
		c.handleAccountLogin(params)
	case codex.NotifyContextCompacted:
		c.log.Info("context compacted")
	case codex.NotifyTurnPlanUpdated:
		// Plans are not surfaced; deltas carry the visible progress.
	default:
		c.log.Debug("unhandled notification", zap.String("method", method))
	}
}

func (c *CodexClient) handleThreadStarted(params json.RawMessage) {
	var p struct {
		Thread *codex.Thread `json:"thread"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Thread == nil {
		return
	}
	c.mu.Lock()
	if p.Thread.ID != "" && c.threadID != p.Thread.ID {
		c.threadID = p.Thread.ID
	}
	c.mu.Unlock()
}

func (c *CodexClient) handleTurnCompleted(params json.RawMessage) {
	var p codex.TurnCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("failed to parse turn completed", zap.Error(err))
		return
	}

	if p.Success {
		c.finishTurn(true, "", "")
		return
	}

	// Prefer the richer error notification captured earlier this turn,
	// then stderr, then the completion's own message.
	c.mu.RLock()
	errType := c.pendingErrType
	errMsg := c.pendingErrMsg
	proc := c.proc
	interrupted := c.interrupted
	c.mu.RUnlock()

	if interrupted {
		c.finishTurn(false, "", "")
		return
	}

	if errMsg == "" {
		errMsg = p.Error
	}
	if errMsg == "" && proc != nil {
		if parsed := parseStderrTail(proc.recentStderr()); parsed != nil {
			errType = parsed.Type
			errMsg = parsed.Message
		}
	}
	if errMsg == "" {
		errMsg = "turn failed"
	}
	c.finishTurn(false, classifyTurnError(errType, errMsg), errMsg)
}

func (c *CodexClient) handleItemStarted(params json.RawMessage) {
	var p codex.ItemStartedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		return
	}
	if p.Item.Type != "commandExecution" {
		return
	}
	c.sendEvent(Event{
		Kind:    EventItemStarted,
		TurnID:  c.currentTurn(),
		ItemID:  p.Item.ID,
		Command: p.Item.Command,
	})
}

func (c *CodexClient) handleItemCompleted(params json.RawMessage) {
	var p codex.ItemCompletedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		return
	}
	turnID := c.currentTurn()

	switch p.Item.Type {
	case "agentMessage":
		c.sendEvent(Event{
			Kind:   EventAssistantMessage,
			TurnID: turnID,
			ItemID: p.Item.ID,
			Text:   p.Item.Text,
		})
	case "commandExecution":
		c.sendEvent(Event{
			Kind:     EventCommandExecutionCompleted,
			TurnID:   turnID,
			ItemID:   p.Item.ID,
			Command:  p.Item.Command,
			Text:     p.Item.AggregatedOutput,
			ExitCode: p.Item.ExitCode,
		})
	case "mcpToolCall":
		text := string(p.Item.Result)
		if p.Item.ToolError != "" {
			text = p.Item.ToolError
		}
		c.sendEvent(Event{
			Kind:    EventToolResult,
			TurnID:  turnID,
			ItemID:  p.Item.ID,
			Command: p.Item.Server + "." + p.Item.Tool,
			Text:    text,
			IsError: p.Item.ToolError != "",
		})
	}
}

func (c *CodexClient) handleAgentMessageDelta(params json.RawMessage) {
	var p codex.AgentMessageDeltaParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("failed to parse agent message delta", zap.Error(err))
		return
	}
	c.sendEvent(Event{
		Kind:      EventAssistantDelta,
		TurnID:    c.currentTurn(),
		ItemID:    p.ItemID,
		Text:      p.Delta,
		DeltaKind: wire.DeltaText,
	})
}

func (c *CodexClient) handleReasoningDelta(params json.RawMessage) {
	var p codex.ReasoningDeltaParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("failed to parse reasoning delta", zap.Error(err))
		return
	}
	c.sendEvent(Event{
		Kind:      EventAssistantDelta,
		TurnID:    c.currentTurn(),
		ItemID:    p.ItemID,
		Text:      p.Delta,
		DeltaKind: wire.DeltaReasoning,
	})
}

func (c *CodexClient) handleCommandOutputDelta(params json.RawMessage) {
	var p codex.CommandOutputDeltaParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("failed to parse command output delta", zap.Error(err))
		return
	}
	c.sendEvent(Event{
		Kind:   EventCommandExecutionDelta,
		TurnID: c.currentTurn(),
		ItemID: p.ItemID,
		Text:   p.Delta,
	})
}

func (c *CodexClient) handleTurnDiffUpdated(params json.RawMessage) {
	var p codex.TurnDiffUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	c.sendEvent(Event{
		Kind:   EventWorktreeDiff,
		TurnID: c.currentTurn(),
		Text:   p.Diff,
	})
}

func (c *CodexClient) handleTokenCount(params json.RawMessage) {
	var p codex.TokenCountParams
	if err := json.Unmarshal(params, &p); err != nil || p.Info == nil {
		return
	}
	last := p.Info.LastTokenUsage
	if last == nil {
		last = p.Info.TotalTokenUsage
	}
	if last == nil {
		return
	}

	usage := &wire.TurnUsage{
		InputTokens:       int64(last.InputTokens),
		CachedInputTokens: int64(last.CachedInputTokens),
		OutputTokens:      int64(last.OutputTokens),
	}
	if p.Info.ModelContextWindow != nil {
		usage.ContextWindow = *p.Info.ModelContextWindow
	}

	c.mu.Lock()
	c.lastUsage = usage
	c.mu.Unlock()

	c.sendEvent(Event{Kind: EventUsage, TurnID: c.currentTurn(), Usage: usage})
}

func (c *CodexClient) handleThreadTokenUsage(params json.RawMessage) {
	var p codex.ThreadTokenUsageUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil || p.TokenUsage == nil || p.TokenUsage.Last == nil {
		return
	}
	usage := &wire.TurnUsage{
		InputTokens:       int64(p.TokenUsage.Last.InputTokens),
		CachedInputTokens: int64(p.TokenUsage.Last.CachedInputTokens),
		OutputTokens:      int64(p.TokenUsage.Last.OutputTokens),
		ContextWindow:     p.TokenUsage.ModelContextWindow,
	}
	c.mu.Lock()
	c.lastUsage = usage
	c.mu.Unlock()
}

// handleErrorNotification records turn errors for the coming
// turn/completed; outside a turn it surfaces immediately.
func (c *CodexClient) handleErrorNotification(params json.RawMessage) {
	var p codex.ErrorParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("failed to parse error notification", zap.Error(err))
		return
	}

	message := p.Message
	errType := ""
	c.mu.RLock()
	proc := c.proc
	inTurn := c.turnID != ""
	c.mu.RUnlock()

	if proc != nil {
		if parsed := parseStderrTail(proc.recentStderr()); parsed != nil {
			errType = parsed.Type
			if parsed.Message != "" {
				message = parsed.Message
			}
		}
	}

	c.log.Warn("agent error notification", zap.String("message", message))

	if inTurn {
		c.mu.Lock()
		c.pendingErrType = errType
		c.pendingErrMsg = message
		c.mu.Unlock()
		return
	}
	c.sendEvent(Event{
		Kind:         EventTurnError,
		ErrorKind:    classifyTurnError(errType, message),
		ErrorMessage: message,
	})
}

func (c *CodexClient) handleAccountLogin(params json.RawMessage) {
	var p codex.AccountLoginCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	c.sendEvent(Event{
		Kind:         EventAccountLoginCompleted,
		Provider:     c.spec.Name,
		Success:      p.Success,
		ErrorMessage: p.Error,
	})
}
