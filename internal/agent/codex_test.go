package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vibe80/vibe80/pkg/codex"
	"github.com/vibe80/vibe80/pkg/wire"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// newProcessingCodex returns an adapter mid-turn, without a subprocess.
func newProcessingCodex(t *testing.T) *CodexClient {
	t.Helper()
	spec, _ := DefaultCatalog().Get(ProviderCodex)
	c := NewCodexClient(spec, Options{SessionID: "sess", WorktreeID: "wt"}, newTestLogger(t))
	c.mu.Lock()
	c.state = StateProcessing
	c.threadID = "thread-1"
	c.turnID = "turn-1"
	c.providerTurnID = "codex-turn-9"
	c.turnAnnounced = true
	c.mu.Unlock()
	return c
}

func TestCodexTurnCompletedSuccess(t *testing.T) {
	c := newProcessingCodex(t)
	c.mu.Lock()
	c.lastUsage = &wire.TurnUsage{InputTokens: 100, OutputTokens: 50}
	c.mu.Unlock()

	c.handleNotification(codex.NotifyTurnCompleted, mustJSON(t, codex.TurnCompletedParams{
		ThreadID: "thread-1",
		TurnID:   "codex-turn-9",
		Success:  true,
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", events)
	}
	ev := events[0]
	if ev.Kind != EventTurnCompleted || ev.TurnID != "turn-1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Cancelled || ev.ErrorKind != "" {
		t.Errorf("expected clean completion, got %+v", ev)
	}
	if ev.Usage == nil || ev.Usage.InputTokens != 100 {
		t.Errorf("usage not carried: %+v", ev.Usage)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want ready", c.State())
	}
}

func TestCodexTurnCompletedFailure(t *testing.T) {
	c := newProcessingCodex(t)

	c.handleNotification(codex.NotifyTurnCompleted, mustJSON(t, codex.TurnCompletedParams{
		Success: false,
		Error:   "http 429 Too Many Requests",
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", events)
	}
	ev := events[0]
	if ev.Kind != EventTurnCompleted || ev.ErrorKind != wire.TurnErrorRateLimited {
		t.Errorf("event = %+v, want rate_limited failure", ev)
	}
	if ev.ErrorMessage != "http 429 Too Many Requests" {
		t.Errorf("message = %q", ev.ErrorMessage)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want ready after failed turn", c.State())
	}
}

func TestCodexTurnCompletedAfterInterrupt(t *testing.T) {
	c := newProcessingCodex(t)
	c.mu.Lock()
	c.interrupted = true
	c.mu.Unlock()

	c.handleNotification(codex.NotifyTurnCompleted, mustJSON(t, codex.TurnCompletedParams{
		Success: false,
		Error:   "turn aborted",
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", events)
	}
	if !events[0].Cancelled {
		t.Error("interrupted turn should complete cancelled")
	}
	if events[0].ErrorKind != "" {
		t.Errorf("cancelled turn should carry no error, got %q", events[0].ErrorKind)
	}
}

func TestCodexErrorNotificationDuringTurnWins(t *testing.T) {
	c := newProcessingCodex(t)

	c.handleNotification(codex.NotifyError, mustJSON(t, codex.ErrorParams{
		Message: "The usage limit has been reached",
	}))
	// No event yet: the error is held for the coming completion.
	if events := drainEvents(c.Events()); len(events) != 0 {
		t.Fatalf("error during turn should be deferred, got %v", events)
	}

	c.handleNotification(codex.NotifyTurnCompleted, mustJSON(t, codex.TurnCompletedParams{
		Success: false,
		Error:   "turn failed",
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", events)
	}
	ev := events[0]
	if ev.ErrorKind != wire.TurnErrorUsageLimit {
		t.Errorf("error kind = %q, want usage_limit", ev.ErrorKind)
	}
	if ev.ErrorMessage != "The usage limit has been reached" {
		t.Errorf("message = %q, want the deferred notification text", ev.ErrorMessage)
	}
}

func TestCodexErrorNotificationOutsideTurn(t *testing.T) {
	spec, _ := DefaultCatalog().Get(ProviderCodex)
	c := NewCodexClient(spec, Options{}, newTestLogger(t))

	c.handleNotification(codex.NotifyError, mustJSON(t, codex.ErrorParams{
		Message: "connection reset",
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", events)
	}
	if events[0].Kind != EventTurnError || events[0].ErrorKind != wire.TurnErrorNetwork {
		t.Errorf("event = %+v", events[0])
	}
}

func TestCodexThreadStartedUpdatesThreadID(t *testing.T) {
	c := newProcessingCodex(t)

	c.handleNotification(codex.NotifyThreadStarted, mustJSON(t, map[string]any{
		"thread": map[string]any{"id": "thread-2"},
	}))

	if got := c.ThreadID(); got != "thread-2" {
		t.Errorf("ThreadID = %q, want thread-2", got)
	}
}

func TestCodexTurnStartedAnnouncesOnce(t *testing.T) {
	c := newProcessingCodex(t)
	c.mu.Lock()
	c.turnAnnounced = false
	c.mu.Unlock()

	c.handleNotification(codex.NotifyTurnStarted, mustJSON(t, map[string]any{"turnId": "codex-turn-9"}))
	c.handleNotification(codex.NotifyTurnStarted, mustJSON(t, map[string]any{"turnId": "codex-turn-9"}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected a single turn_started, got %v", events)
	}
	if events[0].Kind != EventTurnStarted || events[0].TurnID != "turn-1" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestCodexItemStartedCommandExecution(t *testing.T) {
	c := newProcessingCodex(t)

	c.handleNotification(codex.NotifyItemStarted, mustJSON(t, codex.ItemStartedParams{
		Item: &codex.Item{ID: "item-1", Type: "commandExecution", Command: "go vet ./..."},
	}))
	// Non-command items are not surfaced at start.
	c.handleNotification(codex.NotifyItemStarted, mustJSON(t, codex.ItemStartedParams{
		Item: &codex.Item{ID: "item-2", Type: "agentMessage"},
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", events)
	}
	ev := events[0]
	if ev.Kind != EventItemStarted || ev.ItemID != "item-1" || ev.Command != "go vet ./..." {
		t.Errorf("event = %+v", ev)
	}
}

func TestCodexItemCompletedMapping(t *testing.T) {
	c := newProcessingCodex(t)
	exit := 0

	c.handleNotification(codex.NotifyItemCompleted, mustJSON(t, codex.ItemCompletedParams{
		Item: &codex.Item{ID: "m1", Type: "agentMessage", Text: "All done."},
	}))
	c.handleNotification(codex.NotifyItemCompleted, mustJSON(t, codex.ItemCompletedParams{
		Item: &codex.Item{
			ID:               "c1",
			Type:             "commandExecution",
			Command:          "ls",
			AggregatedOutput: "main.go",
			ExitCode:         &exit,
		},
	}))
	c.handleNotification(codex.NotifyItemCompleted, mustJSON(t, codex.ItemCompletedParams{
		Item: &codex.Item{
			ID:     "t1",
			Type:   "mcpToolCall",
			Server: "github",
			Tool:   "search",
			Result: json.RawMessage(`{"hits":3}`),
		},
	}))

	events := drainEvents(c.Events())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}

	if events[0].Kind != EventAssistantMessage || events[0].Text != "All done." {
		t.Errorf("agentMessage event = %+v", events[0])
	}
	if events[1].Kind != EventCommandExecutionCompleted || events[1].Command != "ls" || events[1].Text != "main.go" {
		t.Errorf("commandExecution event = %+v", events[1])
	}
	if events[1].ExitCode == nil || *events[1].ExitCode != 0 {
		t.Errorf("exit code = %v", events[1].ExitCode)
	}
	if events[2].Kind != EventToolResult || events[2].Command != "github.search" {
		t.Errorf("mcpToolCall event = %+v", events[2])
	}
}

func TestCodexDeltas(t *testing.T) {
	c := newProcessingCodex(t)

	c.handleNotification(codex.NotifyItemAgentMessageDelta, mustJSON(t, codex.AgentMessageDeltaParams{
		ItemID: "m1", Delta: "chunk",
	}))
	c.handleNotification(codex.NotifyItemReasoningTextDelta, mustJSON(t, codex.ReasoningDeltaParams{
		ItemID: "r1", Delta: "thinking",
	}))
	c.handleNotification(codex.NotifyItemCmdExecOutputDelta, mustJSON(t, codex.CommandOutputDeltaParams{
		ItemID: "c1", Delta: "output",
	}))

	events := drainEvents(c.Events())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}
	if events[0].Kind != EventAssistantDelta || events[0].DeltaKind != wire.DeltaText || events[0].Text != "chunk" {
		t.Errorf("text delta = %+v", events[0])
	}
	if events[1].Kind != EventAssistantDelta || events[1].DeltaKind != wire.DeltaReasoning {
		t.Errorf("reasoning delta = %+v", events[1])
	}
	if events[2].Kind != EventCommandExecutionDelta || events[2].ItemID != "c1" {
		t.Errorf("command delta = %+v", events[2])
	}
}

func TestCodexTokenCount(t *testing.T) {
	c := newProcessingCodex(t)
	window := int64(272000)

	c.handleNotification(codex.NotifyTokenCount, mustJSON(t, codex.TokenCountParams{
		Info: &codex.TokenUsageInfo{
			LastTokenUsage:     &codex.TokenUsage{InputTokens: 1200, CachedInputTokens: 800, OutputTokens: 300},
			ModelContextWindow: &window,
		},
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", events)
	}
	ev := events[0]
	if ev.Kind != EventUsage || ev.Usage == nil {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Usage.InputTokens != 1200 || ev.Usage.CachedInputTokens != 800 || ev.Usage.OutputTokens != 300 {
		t.Errorf("usage = %+v", ev.Usage)
	}
	if ev.Usage.ContextWindow != 272000 {
		t.Errorf("context window = %d", ev.Usage.ContextWindow)
	}

	// The completion that follows carries the same usage.
	c.handleNotification(codex.NotifyTurnCompleted, mustJSON(t, codex.TurnCompletedParams{Success: true}))
	events = drainEvents(c.Events())
	if len(events) != 1 || events[0].Usage == nil || events[0].Usage.InputTokens != 1200 {
		t.Errorf("turn completion lost the usage: %v", events)
	}
}

func TestCodexTurnDiffUpdated(t *testing.T) {
	c := newProcessingCodex(t)

	c.handleNotification(codex.NotifyTurnDiffUpdated, mustJSON(t, codex.TurnDiffUpdatedParams{
		Diff: "diff --git a/main.go b/main.go",
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 || events[0].Kind != EventWorktreeDiff {
		t.Fatalf("expected worktree diff event, got %v", events)
	}
	if events[0].Text != "diff --git a/main.go b/main.go" {
		t.Errorf("diff = %q", events[0].Text)
	}
}

func TestCodexAccountLoginCompleted(t *testing.T) {
	c := newProcessingCodex(t)

	c.handleNotification(codex.NotifyAccountLoginCompleted, mustJSON(t, codex.AccountLoginCompletedParams{
		Success: true,
	}))

	events := drainEvents(c.Events())
	if len(events) != 1 || events[0].Kind != EventAccountLoginCompleted {
		t.Fatalf("expected login event, got %v", events)
	}
	if !events[0].Success || events[0].Provider != ProviderCodex {
		t.Errorf("event = %+v", events[0])
	}
}

func TestCodexUnknownNotificationIgnored(t *testing.T) {
	c := newProcessingCodex(t)
	c.handleNotification("something/else", json.RawMessage(`{}`))
	if events := drainEvents(c.Events()); len(events) != 0 {
		t.Errorf("unknown notification produced events: %v", events)
	}
}

func TestCodexSendTurnGuards(t *testing.T) {
	spec, _ := DefaultCatalog().Get(ProviderCodex)
	c := NewCodexClient(spec, Options{}, newTestLogger(t))

	if _, err := c.SendTurn(context.Background(), "hi"); err != ErrNotReady {
		t.Errorf("SendTurn on idle = %v, want ErrNotReady", err)
	}

	c.mu.Lock()
	c.state = StateProcessing
	c.mu.Unlock()
	if _, err := c.SendTurn(context.Background(), "hi"); err != ErrTurnInFlight {
		t.Errorf("SendTurn while processing = %v, want ErrTurnInFlight", err)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if _, err := c.SendTurn(context.Background(), "hi"); err != ErrStopped {
		t.Errorf("SendTurn after Stop = %v, want ErrStopped", err)
	}
	if err := c.Start(context.Background()); err != ErrStopped {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestCodexInterruptWrongTurnIsNoop(t *testing.T) {
	c := newProcessingCodex(t)

	if err := c.Interrupt(context.Background(), "stale-turn"); err != nil {
		t.Fatalf("Interrupt error: %v", err)
	}
	c.mu.RLock()
	interrupted := c.interrupted
	c.mu.RUnlock()
	if interrupted {
		t.Error("interrupt with a stale turn id must not mark the turn")
	}
}

func TestAgentNewDispatchesOnProtocol(t *testing.T) {
	catalog := DefaultCatalog()
	log := newTestLogger(t)

	codexSpec, _ := catalog.Get(ProviderCodex)
	client, err := New(codexSpec, Options{}, log)
	if err != nil {
		t.Fatalf("New(codex) error: %v", err)
	}
	if _, ok := client.(*CodexClient); !ok {
		t.Errorf("New(codex) = %T, want *CodexClient", client)
	}

	claudeSpec, _ := catalog.Get(ProviderClaude)
	client, err = New(claudeSpec, Options{}, log)
	if err != nil {
		t.Fatalf("New(claude) error: %v", err)
	}
	if _, ok := client.(*ClaudeClient); !ok {
		t.Errorf("New(claude) = %T, want *ClaudeClient", client)
	}

	if _, err := New(ProviderSpec{Name: "x", Protocol: "bogus"}, Options{}, log); err == nil {
		t.Error("New with unknown protocol should error")
	}
}
