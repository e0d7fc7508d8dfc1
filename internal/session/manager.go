// Package session implements the session manager: cloned repositories and
// their worktrees, the agent clients bound to them, message routing between
// the API surface and the agents, and the expiry collector.
package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/common/appctx"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/internal/workspacefs"
	"github.com/vibe80/vibe80/pkg/wire"
)

// eventSource tags bus events published by this component.
const eventSource = "session-manager"

// worktreeColors is the palette cycled through as a session grows
// worktrees.
var worktreeColors = []string{
	"#4f9cf9", "#34d399", "#f472b6", "#f59e0b",
	"#a78bfa", "#22d3ee", "#fb7185", "#84cc16",
}

// clientFactory builds one agent client. Swapped for a fake in tests.
type clientFactory func(spec agent.ProviderSpec, opts agent.Options, log *logger.Logger) (agent.Client, error)

// Manager owns every session's runtime state. Entities are always re-read
// from and written to the store; the runtime arena holds only what cannot
// be persisted: live clients, turn gates, diff timers, and the rpc ring.
type Manager struct {
	store   store.Store
	fs      *workspacefs.Manager
	runner  *sandbox.Runner
	bus     bus.EventBus
	catalog *agent.Catalog
	cfg     *config.Config
	log     *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime

	newClient clientFactory

	cron     *cron.Cron
	stopped  chan struct{}
	stopOnce sync.Once
}

// runtime is the in-memory side of one session.
type runtime struct {
	sessionID string

	// mu serializes branch minting and guards the fields below.
	mu      sync.Mutex
	clients map[string]*clientRig
	diff    *diffScheduler

	rpc *agent.RPCLog
}

// clientRig couples one agent client with its event pump. turnMu is the
// per-worktree turn gate: the next turn is not issued until the previous
// send returned.
type clientRig struct {
	worktreeID string
	client     agent.Client
	turnMu     sync.Mutex
	pumpDone   chan struct{}
}

// NewManager wires the session manager. Call StartGC to arm the collector
// and Stop to tear everything down.
func NewManager(st store.Store, fs *workspacefs.Manager, runner *sandbox.Runner, eventBus bus.EventBus, catalog *agent.Catalog, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		store:     st,
		fs:        fs,
		runner:    runner,
		bus:       eventBus,
		catalog:   catalog,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "session-manager")),
		runtimes:  make(map[string]*runtime),
		newClient: agent.New,
		stopped:   make(chan struct{}),
	}
}

// runtime returns (or creates) the arena entry for a session.
func (m *Manager) runtime(sessionID string) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sessionID]
	if !ok {
		rt = &runtime{
			sessionID: sessionID,
			clients:   make(map[string]*clientRig),
			rpc:       agent.NewRPCLog(m.cfg.Agent.RPCLogSize),
		}
		m.runtimes[sessionID] = rt
	}
	return rt
}

// takeRuntime removes and returns a session's arena entry, if any.
func (m *Manager) takeRuntime(sessionID string) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimes[sessionID]
	delete(m.runtimes, sessionID)
	return rt
}

// publish pushes one frame payload onto the session's event stream.
func (m *Manager) publish(sessionID, worktreeID string, p wire.Payload) {
	fields, err := wire.Fields(p)
	if err != nil {
		m.log.Warn("failed to encode frame payload",
			zap.String("type", string(p.Kind())), zap.Error(err))
		return
	}
	ev := bus.NewEvent(string(p.Kind()), eventSource, sessionID, worktreeID, fields)
	if err := m.bus.Publish(context.Background(), bus.SessionSubject(sessionID), ev); err != nil {
		m.log.Warn("failed to publish event",
			zap.String("type", string(p.Kind())),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// CreateSessionRequest is the payload of POST /sessions.
type CreateSessionRequest struct {
	RepoURL        string    `json:"repoUrl" binding:"required"`
	Name           string    `json:"name,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	Auth           *RepoAuth `json:"auth,omitempty"`
	InternetAccess bool      `json:"internetAccess,omitempty"`
	DenyGitCreds   bool      `json:"denyGitCredentialsAccess,omitempty"`
}

// CreateSession clones the repository into a fresh session tree and
// persists the session with its main worktree. Clone failures are
// classified and leave no partial directories behind.
func (m *Manager) CreateSession(ctx context.Context, workspaceID string, req CreateSessionRequest) (*store.Session, error) {
	if err := validateRepoURL(req.RepoURL); err != nil {
		return nil, err
	}
	ws, err := m.getWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	enabled := m.catalog.Filter(ws.EnabledProviders())
	if len(enabled) == 0 {
		return nil, apperr.Validation("workspace has no enabled provider")
	}
	provider := req.Provider
	if provider == "" {
		provider = enabled[0]
	}
	if err := m.requireEnabled(ws, provider); err != nil {
		return nil, err
	}

	id, err := store.NewSessionID()
	if err != nil {
		return nil, apperr.Internal("failed to generate session id", err)
	}
	paths, err := m.fs.CreateSessionDirs(ws, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeIOFailed, "failed to create session directories", err)
	}
	scrub := func() {
		if rmErr := m.fs.RemoveSessionDirs(ws.ID, id); rmErr != nil {
			m.log.Warn("failed to scrub session directories",
				zap.String("session_id", id), zap.Error(rmErr))
		}
	}

	auth, err := m.writeCloneAuth(ws, paths, req.RepoURL, req.Auth)
	if err != nil {
		scrub()
		return nil, err
	}
	defer auth.cleanup()

	// The clone runs without a timeout; large repositories on slow links
	// are not an error. Cancelling the request context kills it.
	args := append([]string{}, auth.configArgs...)
	args = append(args, "clone", "--separate-git-dir="+paths.GitDir, req.RepoURL, paths.RepoDir)
	cloneSpec := m.gitSpec(ws, paths, paths.Root, true)
	for k, v := range auth.env {
		cloneSpec.Env[k] = v
	}
	m.log.Info("cloning repository",
		zap.String("session_id", id),
		zap.String("workspace_id", ws.ID),
		zap.String("url", req.RepoURL))
	if out, err := m.runGit(ctx, cloneSpec, args...); err != nil {
		scrub()
		return nil, classifyCloneError(out, err)
	}

	branch, err := m.runGitLocal(ctx, m.gitSpec(ws, paths, paths.RepoDir, false), "symbolic-ref", "--short", "HEAD")
	if err != nil || branch == "" {
		m.log.Warn("failed to read default branch", zap.String("session_id", id), zap.Error(err))
		branch = "main"
	}

	m.persistCloneAuth(ctx, ws, paths, id, req.RepoURL, req.Auth)

	now := time.Now().UTC()
	sess := &store.Session{
		ID:                    id,
		WorkspaceID:           ws.ID,
		RepoURL:               req.RepoURL,
		Name:                  sessionName(req.Name, req.RepoURL),
		CreatedAt:             now,
		LastActivityAt:        now,
		DefaultInternetAccess: req.InternetAccess,
		DefaultDenyGitCreds:   req.DenyGitCreds,
		ActiveProvider:        provider,
		Providers:             enabled,
		GitDir:                paths.GitDir,
		RepoDir:               paths.RepoDir,
		AttachmentsDir:        paths.AttachmentsDir,
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		scrub()
		return nil, apperr.Internal("failed to persist session", err)
	}

	main := &store.Worktree{
		ID:             store.MainWorktreeID,
		SessionID:      id,
		BranchName:     branch,
		Name:           "main",
		Provider:       provider,
		Context:        store.WorktreeContextNew,
		Model:          req.Model,
		InternetAccess: req.InternetAccess,
		DenyGitCreds:   req.DenyGitCreds,
		Status:         store.WorktreeStatusReady,
		Color:          worktreeColors[0],
		CreatedAt:      now,
	}
	if err := m.store.SaveWorktree(ctx, main); err != nil {
		_ = m.store.DeleteSession(ctx, id)
		scrub()
		return nil, apperr.Internal("failed to persist main worktree", err)
	}

	_ = m.fs.AppendAudit(ws.ID, "session.created", map[string]interface{}{
		"session_id": id,
		"repo_url":   req.RepoURL,
		"provider":   provider,
	})
	m.log.Info("session created",
		zap.String("session_id", id),
		zap.String("workspace_id", ws.ID),
		zap.String("branch", branch))
	return sess, nil
}

// sessionName derives a display name from the repo URL when none is given.
func sessionName(name, repoURL string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	base := path.Base(strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git"))
	if base == "." || base == "/" || base == "" {
		return "session"
	}
	return base
}

// GetSession returns one session scoped to the workspace.
func (m *Manager) GetSession(ctx context.Context, workspaceID, sessionID string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("session", sessionID)
		}
		return nil, apperr.Internal("failed to load session", err)
	}
	if sess.WorkspaceID != workspaceID {
		return nil, apperr.NotFound("session", sessionID)
	}
	return sess, nil
}

// ListSessions returns the workspace's sessions.
func (m *Manager) ListSessions(ctx context.Context, workspaceID string) ([]*store.Session, error) {
	sessions, err := m.store.ListSessions(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Internal("failed to list sessions", err)
	}
	return sessions, nil
}

// GetWorktree returns one worktree scoped to the workspace.
func (m *Manager) GetWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string) (*store.Worktree, error) {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return nil, err
	}
	wt, err := m.store.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("worktree", worktreeID)
		}
		return nil, apperr.Internal("failed to load worktree", err)
	}
	return wt, nil
}

// ListWorktrees returns a session's worktrees.
func (m *Manager) ListWorktrees(ctx context.Context, workspaceID, sessionID string) ([]*store.Worktree, error) {
	if _, err := m.GetSession(ctx, workspaceID, sessionID); err != nil {
		return nil, err
	}
	worktrees, err := m.store.ListWorktrees(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("failed to list worktrees", err)
	}
	return worktrees, nil
}

// ListMessages pages one worktree's conversation backwards from beforeID.
func (m *Manager) ListMessages(ctx context.Context, workspaceID, sessionID, worktreeID string, limit int, beforeID int64) ([]*store.Message, error) {
	if _, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID); err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessages(ctx, sessionID, worktreeID, limit, beforeID)
	if err != nil {
		return nil, apperr.Internal("failed to list messages", err)
	}
	return msgs, nil
}

// ClearMessages wipes one worktree's conversation log.
func (m *Manager) ClearMessages(ctx context.Context, workspaceID, sessionID, worktreeID string) error {
	if _, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID); err != nil {
		return err
	}
	if err := m.store.ClearMessages(ctx, sessionID, worktreeID); err != nil {
		return apperr.Internal("failed to clear messages", err)
	}
	return nil
}

// DeleteSession tears a session down on demand: clients stopped, rows and
// directories removed, subscribers told.
func (m *Manager) DeleteSession(ctx context.Context, workspaceID, sessionID string) error {
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	return m.destroySession(ctx, sess, "deleted")
}

// destroySession runs the teardown cascade shared by DeleteSession and the
// collector.
func (m *Manager) destroySession(ctx context.Context, sess *store.Session, reason string) error {
	if rt := m.takeRuntime(sess.ID); rt != nil {
		m.stopRuntime(ctx, rt)
	}

	worktrees, err := m.store.ListWorktrees(ctx, sess.ID)
	if err != nil {
		m.log.Warn("failed to list worktrees for teardown",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	for _, wt := range worktrees {
		if wt.ID != store.MainWorktreeID {
			m.publish(sess.ID, wt.ID, wire.WorktreeRemoved{})
		}
	}
	m.publish(sess.ID, "", wire.Status{State: wire.StateTerminated, Reason: reason})

	if err := m.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperr.Internal("failed to delete session rows", err)
	}
	if err := m.fs.RemoveSessionDirs(sess.WorkspaceID, sess.ID); err != nil {
		m.log.Warn("failed to remove session directories",
			zap.String("session_id", sess.ID), zap.Error(err))
	}

	_ = m.fs.AppendAudit(sess.WorkspaceID, "session.deleted", map[string]interface{}{
		"session_id": sess.ID,
		"reason":     reason,
	})
	m.log.Info("session destroyed",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason))
	return nil
}

// stopRuntime stops every client of one arena entry and waits for their
// pumps to drain.
func (m *Manager) stopRuntime(ctx context.Context, rt *runtime) {
	rt.mu.Lock()
	rigs := make([]*clientRig, 0, len(rt.clients))
	for _, rig := range rt.clients {
		rigs = append(rigs, rig)
	}
	rt.clients = make(map[string]*clientRig)
	rt.mu.Unlock()

	for _, rig := range rigs {
		if err := rig.client.Stop(ctx); err != nil {
			m.log.Warn("failed to stop agent client",
				zap.String("session_id", rt.sessionID),
				zap.String("worktree_id", rig.worktreeID),
				zap.Error(err))
		}
		select {
		case <-rig.pumpDone:
		case <-time.After(5 * time.Second):
			m.log.Warn("event pump did not drain",
				zap.String("session_id", rt.sessionID),
				zap.String("worktree_id", rig.worktreeID))
		}
	}
}

// StartGC arms the expiry collector.
func (m *Manager) StartGC() error {
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %ds", m.cfg.Sessions.GCInterval)
	if _, err := c.AddFunc(spec, m.collect); err != nil {
		return fmt.Errorf("failed to schedule session gc: %w", err)
	}
	c.Start()
	m.cron = c
	m.log.Info("session gc armed", zap.String("interval", spec))
	return nil
}

// collect is one collector pass: expired sessions are destroyed and stale
// refresh tokens purged. A pass aborts when the manager stops.
func (m *Manager) collect() {
	ctx, cancel := appctx.Detached(m.stopped, 5*time.Minute)
	defer cancel()

	now := time.Now().UTC()
	idleTTL := m.cfg.Sessions.IdleTTLDuration()
	maxTTL := m.cfg.Sessions.MaxTTLDuration()

	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		m.log.Warn("gc failed to list workspaces", zap.Error(err))
		return
	}
	for _, ws := range workspaces {
		sessions, err := m.store.ListSessions(ctx, ws.ID)
		if err != nil {
			m.log.Warn("gc failed to list sessions",
				zap.String("workspace_id", ws.ID), zap.Error(err))
			continue
		}
		for _, sess := range sessions {
			var reason string
			switch {
			case idleTTL > 0 && now.Sub(sess.LastActivityAt) > idleTTL:
				reason = "idle"
			case maxTTL > 0 && now.Sub(sess.CreatedAt) > maxTTL:
				reason = "expired"
			default:
				continue
			}
			if err := m.destroySession(ctx, sess, reason); err != nil {
				m.log.Warn("gc failed to destroy session",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}

	if purged, err := m.store.PurgeExpired(ctx, now); err != nil {
		m.log.Warn("gc failed to purge refresh tokens", zap.Error(err))
	} else if purged > 0 {
		m.log.Debug("purged refresh tokens", zap.Int("count", purged))
	}
}

// Stop halts the collector and every running client. Rows and directories
// stay; sessions resume on the next boot.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopped) })
	if m.cron != nil {
		m.cron.Stop()
	}
	m.mu.Lock()
	rts := make([]*runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.runtimes = make(map[string]*runtime)
	m.mu.Unlock()

	for _, rt := range rts {
		m.stopRuntime(ctx, rt)
	}
}

// getWorkspace loads a workspace or reports it missing.
func (m *Manager) getWorkspace(ctx context.Context, workspaceID string) (*store.Workspace, error) {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("workspace", workspaceID)
		}
		return nil, apperr.Internal("failed to load workspace", err)
	}
	return ws, nil
}

// requireEnabled checks that the provider exists in the catalog and is
// enabled on the workspace.
func (m *Manager) requireEnabled(ws *store.Workspace, provider string) error {
	if !m.catalog.Has(provider) {
		return apperr.Newf(apperr.TypeValidation, "unknown provider %q", provider)
	}
	cfg, ok := ws.Providers[provider]
	if !ok || !cfg.Enabled {
		return apperr.Newf(apperr.TypeValidation, "provider %q is not enabled for this workspace", provider)
	}
	return nil
}
