package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/pkg/wire"
)

// agentPath is the PATH handed to agent subprocesses.
const agentPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// readyPollInterval paces the bounded wait for a client to reach ready.
const readyPollInterval = 100 * time.Millisecond

// SendMessage routes one user turn to a worktree's agent. The message is
// persisted before anything is broadcast; the turn id is minted by the
// client and recorded on the worktree.
func (m *Manager) SendMessage(ctx context.Context, workspaceID, sessionID, worktreeID, text string, attachments []string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Validation("message text must not be empty")
	}
	ws, err := m.getWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return "", err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}

	sess.Touch(time.Now().UTC())
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return "", apperr.Internal("failed to touch session", err)
	}

	rig, err := m.ensureClient(ctx, ws, sess, wt, m.wakeupWait(0))
	if err != nil {
		return "", err
	}

	rig.turnMu.Lock()
	defer rig.turnMu.Unlock()

	if rig.client.State() == agent.StateProcessing {
		return "", apperr.Conflict("a turn is already running in this worktree")
	}

	msg := &store.Message{
		SessionID:   sessionID,
		WorktreeID:  worktreeID,
		Role:        store.RoleUser,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return "", apperr.Internal("failed to persist message", err)
	}
	m.publish(sessionID, worktreeID, wire.MessagesSync{Messages: []*store.Message{msg}})

	turnID, err := rig.client.SendTurn(ctx, promptWithAttachments(text, attachments))
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrTurnInFlight):
			return "", apperr.Conflict("a turn is already running in this worktree")
		case errors.Is(err, agent.ErrNotReady), errors.Is(err, agent.ErrStopped):
			return "", apperr.Conflict("agent is not ready")
		}
		return "", apperr.Internal("failed to start turn", err)
	}

	wt.Status = store.WorktreeStatusProcessing
	wt.CurrentTurnID = turnID
	if err := m.store.SaveWorktree(ctx, wt); err != nil {
		m.log.Warn("failed to persist turn state",
			zap.String("worktree_id", worktreeID), zap.Error(err))
	}
	return turnID, nil
}

// promptWithAttachments appends attachment paths so the agent can read the
// files from the session's attachments directory.
func promptWithAttachments(text string, attachments []string) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nAttached files:")
	for _, a := range attachments {
		b.WriteString("\n- ")
		b.WriteString(a)
	}
	return b.String()
}

// InterruptTurn cancels a running turn. Unknown worktrees, dead clients,
// and already finished turns are all no-ops.
func (m *Manager) InterruptTurn(ctx context.Context, workspaceID, sessionID, worktreeID, turnID string) error {
	if _, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID); err != nil {
		return err
	}
	rig := m.lookupRig(sessionID, worktreeID)
	if rig == nil {
		return nil
	}
	return rig.client.Interrupt(ctx, turnID)
}

// Wakeup eagerly spawns a worktree's client and waits for it to accept
// turns. waitSeconds beyond the configured ceiling is clamped.
func (m *Manager) Wakeup(ctx context.Context, workspaceID, sessionID, worktreeID string, waitSeconds int) (agent.State, error) {
	ws, err := m.getWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return "", err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}

	sess.Touch(time.Now().UTC())
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return "", apperr.Internal("failed to touch session", err)
	}

	rig, err := m.ensureClient(ctx, ws, sess, wt, m.wakeupWait(waitSeconds))
	if err != nil {
		return "", err
	}
	return rig.client.State(), nil
}

// wakeupWait clamps a caller-requested ready wait between the default and
// the configured maximum.
func (m *Manager) wakeupWait(requestedSeconds int) time.Duration {
	wait := m.cfg.Agent.WakeupTimeoutDuration()
	if requestedSeconds > 0 {
		wait = time.Duration(requestedSeconds) * time.Second
	}
	if max := m.cfg.Agent.WakeupTimeoutMaxDuration(); wait > max {
		wait = max
	}
	return wait
}

// ensureClient returns the worktree's rig, building and starting the
// client if needed, and waits for it to accept turns.
func (m *Manager) ensureClient(ctx context.Context, ws *store.Workspace, sess *store.Session, wt *store.Worktree, wait time.Duration) (*clientRig, error) {
	rt := m.runtime(sess.ID)

	rt.mu.Lock()
	rig, ok := rt.clients[wt.ID]
	if !ok {
		var err error
		rig, err = m.buildRig(ctx, rt, ws, sess, wt)
		if err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		rt.clients[wt.ID] = rig
	}
	rt.mu.Unlock()

	// Start is idempotent and respawns after a process death.
	if err := rig.client.Start(ctx); err != nil {
		return nil, apperr.Internal("failed to start agent", err)
	}
	if err := awaitReady(ctx, rig.client, wait); err != nil {
		return nil, err
	}
	return rig, nil
}

// awaitReady polls the client until it accepts turns or the wait expires.
// A client already processing counts as alive.
func awaitReady(ctx context.Context, client agent.Client, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()

	for {
		switch client.State() {
		case agent.StateReady, agent.StateProcessing:
			return nil
		case agent.StateError:
			return apperr.New(apperr.TypeInternal, "agent failed to start")
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.TypeInternal, "wait for agent cancelled", ctx.Err())
		case <-deadline.C:
			return apperr.Newf(apperr.TypeInternal, "agent not ready within %s", wait)
		case <-tick.C:
		}
	}
}

// buildRig constructs the agent client for one worktree and starts its
// event pump. Callers hold rt.mu.
func (m *Manager) buildRig(ctx context.Context, rt *runtime, ws *store.Workspace, sess *store.Session, wt *store.Worktree) (*clientRig, error) {
	if err := m.requireEnabled(ws, wt.Provider); err != nil {
		return nil, err
	}
	spec, ok := m.catalog.Get(wt.Provider)
	if !ok {
		return nil, apperr.Newf(apperr.TypeValidation, "unknown provider %q", wt.Provider)
	}

	paths := m.fs.SessionPaths(ws.ID, sess.ID)
	dir := paths.RepoDir
	if wt.ID != store.MainWorktreeID {
		dir = m.fs.WorktreeDir(ws.ID, sess.ID, wt.ID)
	}
	home := m.fs.HomeDir(ws.ID)

	env := map[string]string{
		"HOME": home,
		"PATH": agentPath,
		"TERM": "dumb",
	}
	if cfg, ok := ws.Providers[wt.Provider]; ok && cfg.Credential != nil {
		if name := spec.CredentialEnv(cfg.Credential.Type); name != "" {
			env[name] = cfg.Credential.Value
		}
	}

	sbSpec := sandbox.Spec{
		UID:          ws.UID,
		GID:          ws.GID,
		Dir:          dir,
		WritePaths:   []string{paths.Root, home},
		AllowNetwork: wt.InternetAccess,
		Env:          env,
	}
	if wt.DenyGitCreds {
		sbSpec.MaskPaths = sandbox.GitCredentialMaskPaths(home)
	}

	fork, err := m.shouldForkThread(ctx, wt)
	if err != nil {
		return nil, err
	}

	rpc := rt.rpc
	sessionID, worktreeID := sess.ID, wt.ID
	opts := agent.Options{
		SessionID:       sessionID,
		WorktreeID:      worktreeID,
		ThreadID:        wt.ThreadID,
		ForkThread:      fork,
		Model:           wt.Model,
		ReasoningEffort: wt.ReasoningEffort,
		Sandbox:         sbSpec,
		Runner:          m.runner,
		StopGrace:       m.cfg.Agent.StopGraceDuration(),
		WireTap: func(dir string, line []byte) {
			rpc.Append(dir, line)
			m.publish(sessionID, worktreeID, wire.RPCLog{Dir: dir, Line: string(line)})
		},
	}

	client, err := m.newClient(spec, opts, m.log)
	if err != nil {
		return nil, apperr.Internal("failed to build agent client", err)
	}
	rig := &clientRig{
		worktreeID: worktreeID,
		client:     client,
		pumpDone:   make(chan struct{}),
	}
	go m.pumpEvents(rt, rig, sessionID)
	return rig, nil
}

// shouldForkThread reports whether the worktree's inherited thread still
// belongs to its fork source. Once the fork owns a thread of its own the
// client resumes it instead.
func (m *Manager) shouldForkThread(ctx context.Context, wt *store.Worktree) (bool, error) {
	if wt.Context != store.WorktreeContextFork || wt.ThreadID == "" || wt.SourceWorktreeID == "" {
		return false, nil
	}
	source, err := m.store.GetWorktree(ctx, wt.SessionID, wt.SourceWorktreeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, apperr.Internal("failed to load fork source", err)
	}
	return source.ThreadID == wt.ThreadID, nil
}

// pumpEvents drains one client's event stream: persists what must outlive
// the connection, then publishes the matching frame. Runs until the client
// closes its channel on Stop.
func (m *Manager) pumpEvents(rt *runtime, rig *clientRig, sessionID string) {
	defer close(rig.pumpDone)
	worktreeID := rig.worktreeID

	for ev := range rig.client.Events() {
		switch ev.Kind {
		case agent.EventReady:
			m.persistWorktreeStatus(sessionID, worktreeID, store.WorktreeStatusReady, false)
			m.publish(sessionID, worktreeID, wire.Ready{Provider: ev.Provider, Model: ev.Model})

		case agent.EventError:
			m.persistWorktreeStatus(sessionID, worktreeID, store.WorktreeStatusError, false)
			m.publish(sessionID, worktreeID, wire.WorktreeStatus{
				Status: store.WorktreeStatusError,
				Detail: ev.ErrorMessage,
			})

		case agent.EventExit:
			m.persistWorktreeStatus(sessionID, worktreeID, store.WorktreeStatusStopped, false)
			detail := fmt.Sprintf("agent exited with code %d", ev.ProcessExitCode)
			if ev.Signal != "" {
				detail = "agent killed by signal " + ev.Signal
			}
			m.publish(sessionID, worktreeID, wire.WorktreeStatus{
				Status: store.WorktreeStatusStopped,
				Detail: detail,
			})

		case agent.EventTurnStarted:
			m.publish(sessionID, worktreeID, wire.TurnStarted{TurnID: ev.TurnID})

		case agent.EventAssistantDelta:
			m.publish(sessionID, worktreeID, wire.AssistantDelta{
				DeltaKind: ev.DeltaKind,
				Text:      ev.Text,
			})

		case agent.EventAssistantMessage:
			msg := m.persistMessage(sessionID, worktreeID, &store.Message{
				Role: store.RoleAssistant,
				Text: ev.Text,
			})
			if msg != nil {
				m.publish(sessionID, worktreeID, wire.AssistantMessage{Message: msg})
			}

		case agent.EventItemStarted:
			m.publish(sessionID, worktreeID, wire.CommandExecutionDelta{
				ItemID: ev.ItemID,
				Chunk:  ev.Command + "\n",
			})

		case agent.EventCommandExecutionDelta:
			m.publish(sessionID, worktreeID, wire.CommandExecutionDelta{
				ItemID: ev.ItemID,
				Chunk:  ev.Text,
			})

		case agent.EventCommandExecutionCompleted:
			msg := m.persistMessage(sessionID, worktreeID, &store.Message{
				Role: store.RoleCommandExecution,
				ToolResult: &store.ToolResult{
					Command:  ev.Command,
					Output:   ev.Text,
					ExitCode: ev.ExitCode,
					IsError:  ev.IsError,
				},
			})
			if msg != nil {
				m.publish(sessionID, worktreeID, wire.CommandExecutionCompleted{
					ItemID:  ev.ItemID,
					Message: msg,
				})
			}

		case agent.EventToolResult:
			msg := m.persistMessage(sessionID, worktreeID, &store.Message{
				Role: store.RoleToolResult,
				ToolResult: &store.ToolResult{
					ToolName: ev.Command,
					Output:   ev.Text,
					IsError:  ev.IsError,
				},
			})
			if msg != nil {
				m.publish(sessionID, worktreeID, wire.ToolResult{
					ItemID:  ev.ItemID,
					Message: msg,
				})
			}

		case agent.EventTurnCompleted:
			m.finishTurn(rt, rig, sessionID, ev)

		case agent.EventTurnError:
			m.publish(sessionID, worktreeID, wire.TurnError{
				TurnID:    ev.TurnID,
				ErrorKind: ev.ErrorKind,
				Message:   ev.ErrorMessage,
			})

		case agent.EventWorktreeDiff:
			m.publish(sessionID, worktreeID, wire.WorktreeDiff{Diff: ev.Text})

		case agent.EventAccountLoginCompleted:
			m.publish(sessionID, worktreeID, wire.AccountLoginCompleted{
				Provider: ev.Provider,
				Success:  ev.Success,
				Error:    ev.ErrorMessage,
			})
		}
	}
}

// finishTurn persists the post-turn worktree state and emits the closing
// frame: turn_completed for success and cancellation, turn_error for
// failures. Both schedule the debounced repo diff.
func (m *Manager) finishTurn(rt *runtime, rig *clientRig, sessionID string, ev agent.Event) {
	worktreeID := rig.worktreeID
	ctx := context.Background()

	wt, err := m.store.GetWorktree(ctx, sessionID, worktreeID)
	if err == nil {
		wt.Status = store.WorktreeStatusReady
		wt.CurrentTurnID = ""
		if tid := rig.client.ThreadID(); tid != "" {
			wt.ThreadID = tid
		}
		if err := m.store.SaveWorktree(ctx, wt); err != nil {
			m.log.Warn("failed to persist turn completion",
				zap.String("worktree_id", worktreeID), zap.Error(err))
		}
	}

	if ev.ErrorKind != "" {
		m.publish(sessionID, worktreeID, wire.TurnError{
			TurnID:    ev.TurnID,
			ErrorKind: ev.ErrorKind,
			Message:   ev.ErrorMessage,
		})
	} else {
		m.publish(sessionID, worktreeID, wire.TurnCompleted{
			TurnID:    ev.TurnID,
			Cancelled: ev.Cancelled,
			Usage:     ev.Usage,
		})
	}

	m.scheduleRepoDiff(rt, sessionID)
}

// persistWorktreeStatus updates one worktree's status row. When turnToo is
// set the current turn id is cleared as well.
func (m *Manager) persistWorktreeStatus(sessionID, worktreeID, status string, turnToo bool) {
	ctx := context.Background()
	wt, err := m.store.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		return
	}
	if wt.Status == status && !turnToo {
		return
	}
	wt.Status = status
	if turnToo {
		wt.CurrentTurnID = ""
	}
	if err := m.store.SaveWorktree(ctx, wt); err != nil {
		m.log.Warn("failed to persist worktree status",
			zap.String("worktree_id", worktreeID),
			zap.String("status", status),
			zap.Error(err))
	}
}

// persistMessage appends one agent-produced message, returning nil when
// persistence failed. Frames carry only persisted messages.
func (m *Manager) persistMessage(sessionID, worktreeID string, msg *store.Message) *store.Message {
	msg.SessionID = sessionID
	msg.WorktreeID = worktreeID
	msg.CreatedAt = time.Now().UTC()
	if err := m.store.AppendMessage(context.Background(), msg); err != nil {
		m.log.Warn("failed to persist agent message",
			zap.String("session_id", sessionID),
			zap.String("worktree_id", worktreeID),
			zap.String("role", msg.Role),
			zap.Error(err))
		return nil
	}
	return msg
}

// SwitchProvider changes the session's active provider and rebinds the
// main worktree to it. Refused while the main worktree runs a turn; the
// provider thread does not carry over.
func (m *Manager) SwitchProvider(ctx context.Context, workspaceID, sessionID, provider string) (*store.Session, error) {
	ws, err := m.getWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.requireEnabled(ws, provider); err != nil {
		return nil, err
	}
	if sess.ActiveProvider == provider {
		return sess, nil
	}

	if rig := m.lookupRig(sessionID, store.MainWorktreeID); rig != nil {
		if rig.client.State() == agent.StateProcessing {
			return nil, apperr.Conflict("cannot switch provider while a turn is running")
		}
		m.dropRig(ctx, sessionID, store.MainWorktreeID)
	}

	sess.ActiveProvider = provider
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, apperr.Internal("failed to persist session", err)
	}
	main, err := m.store.GetWorktree(ctx, sessionID, store.MainWorktreeID)
	if err == nil {
		main.Provider = provider
		main.ThreadID = ""
		main.Model = ""
		main.ReasoningEffort = ""
		if err := m.store.SaveWorktree(ctx, main); err != nil {
			return nil, apperr.Internal("failed to rebind main worktree", err)
		}
	}

	m.publish(sessionID, store.MainWorktreeID, wire.ProviderSwitched{Provider: provider})
	_ = m.fs.AppendAudit(ws.ID, "session.provider_switched", map[string]interface{}{
		"session_id": sessionID,
		"provider":   provider,
	})
	return sess, nil
}

// ListModels returns the selectable models for the session's active
// provider: live from a running main client when possible, otherwise the
// catalog's static list.
func (m *Manager) ListModels(ctx context.Context, workspaceID, sessionID, cursor string, pageSize int) ([]agent.Model, string, error) {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, "", err
	}
	if rig := m.lookupRig(sessionID, store.MainWorktreeID); rig != nil {
		state := rig.client.State()
		if state == agent.StateReady || state == agent.StateProcessing {
			models, next, err := rig.client.ListModels(ctx, cursor, pageSize)
			if err == nil {
				return models, next, nil
			}
			m.log.Warn("live model listing failed, serving catalog",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	spec, ok := m.catalog.Get(sess.ActiveProvider)
	if !ok {
		return nil, "", apperr.Newf(apperr.TypeValidation, "unknown provider %q", sess.ActiveProvider)
	}
	models := make([]agent.Model, len(spec.Models))
	copy(models, spec.Models)
	return models, "", nil
}

// SetSessionModel applies a model selection to the main worktree and its
// running client, if any.
func (m *Manager) SetSessionModel(ctx context.Context, workspaceID, sessionID, model, reasoningEffort string) (*store.Worktree, error) {
	if model == "" {
		return nil, apperr.Validation("model must not be empty")
	}
	return m.UpdateWorktree(ctx, workspaceID, sessionID, store.MainWorktreeID, UpdateWorktreeRequest{
		Model:           &model,
		ReasoningEffort: &reasoningEffort,
	})
}

// RPCLogSnapshot dumps the session's agent wire-traffic ring.
func (m *Manager) RPCLogSnapshot(ctx context.Context, workspaceID, sessionID string) ([]agent.RPCEntry, error) {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	rt := m.runtimes[sessionID]
	m.mu.Unlock()
	if rt == nil {
		return []agent.RPCEntry{}, nil
	}
	return rt.rpc.Snapshot(), nil
}
