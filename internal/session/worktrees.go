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
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/pkg/wire"
)

// mintBranchAttempts bounds the retry loop resolving branch collisions.
const mintBranchAttempts = 5

// CreateWorktreeRequest is the payload of POST /sessions/:id/worktrees.
type CreateWorktreeRequest struct {
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
	// Context is "new" (default) or "fork". A fork inherits the source
	// worktree's provider and thread and copies its conversation.
	Context          string `json:"context,omitempty"`
	SourceWorktreeID string `json:"sourceWorktreeId,omitempty"`
	// BranchFrom overrides the ref the new branch starts at.
	BranchFrom     string `json:"branchFrom,omitempty"`
	Model          string `json:"model,omitempty"`
	InternetAccess *bool  `json:"internetAccess,omitempty"`
	DenyGitCreds   *bool  `json:"denyGitCredentialsAccess,omitempty"`
}

// CreateWorktree adds a branch working copy to a session. The agent client
// is not spawned here; first message or explicit wakeup does that.
func (m *Manager) CreateWorktree(ctx context.Context, workspaceID, sessionID string, req CreateWorktreeRequest) (*store.Worktree, error) {
	ws, err := m.getWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}

	wtContext := req.Context
	if wtContext == "" {
		wtContext = store.WorktreeContextNew
	}
	if wtContext != store.WorktreeContextNew && wtContext != store.WorktreeContextFork {
		return nil, apperr.Newf(apperr.TypeValidation, "unknown worktree context %q", wtContext)
	}

	var source *store.Worktree
	if wtContext == store.WorktreeContextFork {
		sourceID := req.SourceWorktreeID
		if sourceID == "" {
			sourceID = store.MainWorktreeID
		}
		source, err = m.GetWorktree(ctx, workspaceID, sessionID, sourceID)
		if err != nil {
			return nil, err
		}
	}

	provider := req.Provider
	if provider == "" {
		if source != nil {
			provider = source.Provider
		} else {
			provider = sess.ActiveProvider
		}
	}
	if err := m.requireEnabled(ws, provider); err != nil {
		return nil, err
	}

	if req.BranchFrom != "" {
		if err := validateGitRef(req.BranchFrom); err != nil {
			return nil, err
		}
	}

	rt := m.runtime(sessionID)
	rt.mu.Lock()
	wt, err := m.mintWorktree(ctx, sess, req, wtContext, provider, source)
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.store.SaveWorktree(ctx, wt); err != nil {
		return nil, apperr.Internal("failed to persist worktree", err)
	}
	m.publish(sessionID, wt.ID, wire.WorktreeCreated{Worktree: wt})

	from := req.BranchFrom
	if from == "" {
		if source != nil {
			from = source.BranchName
		} else {
			main, err := m.store.GetWorktree(ctx, sessionID, store.MainWorktreeID)
			if err != nil {
				_ = m.store.DeleteWorktree(ctx, sessionID, wt.ID)
				return nil, apperr.Internal("failed to resolve base branch", err)
			}
			from = main.BranchName
		}
	}

	paths := m.fs.SessionPaths(ws.ID, sessionID)
	dir := m.fs.WorktreeDir(ws.ID, sessionID, wt.ID)
	spec := m.gitSpec(ws, paths, paths.RepoDir, false)
	if out, err := m.runGitLocal(ctx, spec, "worktree", "add", "-b", wt.BranchName, dir, from); err != nil {
		_ = m.store.DeleteWorktree(ctx, sessionID, wt.ID)
		m.publish(sessionID, wt.ID, wire.WorktreeRemoved{})
		return nil, classifyWorktreeAddError(out, err)
	}

	if source != nil {
		m.copyConversation(ctx, sessionID, source.ID, wt.ID)
	}

	wt.Status = store.WorktreeStatusReady
	if err := m.store.SaveWorktree(ctx, wt); err != nil {
		return nil, apperr.Internal("failed to persist worktree", err)
	}
	m.publish(sessionID, wt.ID, wire.WorktreeReady{Worktree: wt})

	_ = m.fs.AppendAudit(ws.ID, "worktree.created", map[string]interface{}{
		"session_id":  sessionID,
		"worktree_id": wt.ID,
		"branch":      wt.BranchName,
		"context":     wtContext,
	})
	m.log.Info("worktree created",
		zap.String("session_id", sessionID),
		zap.String("worktree_id", wt.ID),
		zap.String("branch", wt.BranchName),
		zap.String("context", wtContext))
	return wt, nil
}

// mintWorktree builds the creating-state record with a branch name unique
// within the session. Callers hold the session's runtime mutex.
func (m *Manager) mintWorktree(ctx context.Context, sess *store.Session, req CreateWorktreeRequest, wtContext, provider string, source *store.Worktree) (*store.Worktree, error) {
	existing, err := m.store.ListWorktrees(ctx, sess.ID)
	if err != nil {
		return nil, apperr.Internal("failed to list worktrees", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, wt := range existing {
		taken[wt.BranchName] = true
	}

	var id, branch string
	for i := 0; i < mintBranchAttempts; i++ {
		id, err = store.NewWorktreeID()
		if err != nil {
			return nil, apperr.Internal("failed to generate worktree id", err)
		}
		branch = fmt.Sprintf("session-%s-%s", sess.ID, id)
		if !taken[branch] {
			break
		}
		branch = ""
	}
	if branch == "" {
		return nil, apperr.New(apperr.TypeIDTaken, "could not mint a unique branch name")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = id
	}

	wt := &store.Worktree{
		ID:             id,
		SessionID:      sess.ID,
		BranchName:     branch,
		Name:           name,
		Provider:       provider,
		Context:        wtContext,
		Model:          req.Model,
		InternetAccess: sess.DefaultInternetAccess,
		DenyGitCreds:   sess.DefaultDenyGitCreds,
		Status:         store.WorktreeStatusCreating,
		Color:          worktreeColors[len(existing)%len(worktreeColors)],
		CreatedAt:      time.Now().UTC(),
	}
	if req.InternetAccess != nil {
		wt.InternetAccess = *req.InternetAccess
	}
	if req.DenyGitCreds != nil {
		wt.DenyGitCreds = *req.DenyGitCreds
	}
	if source != nil {
		wt.SourceWorktreeID = source.ID
		wt.ThreadID = source.ThreadID
		if wt.Model == "" {
			wt.Model = source.Model
			wt.ReasoningEffort = source.ReasoningEffort
		}
	}
	return wt, nil
}

// copyConversation duplicates the source worktree's log so the fork
// observes the history its inherited thread refers to. Best-effort: a
// failed copy leaves the fork usable.
func (m *Manager) copyConversation(ctx context.Context, sessionID, sourceID, targetID string) {
	msgs, err := m.store.ListMessagesAfter(ctx, sessionID, sourceID, 0)
	if err != nil {
		m.log.Warn("failed to read source conversation",
			zap.String("session_id", sessionID),
			zap.String("worktree_id", sourceID),
			zap.Error(err))
		return
	}
	for _, msg := range msgs {
		copied := &store.Message{
			SessionID:   sessionID,
			WorktreeID:  targetID,
			Role:        msg.Role,
			Text:        msg.Text,
			Attachments: msg.Attachments,
			ToolResult:  msg.ToolResult,
			CreatedAt:   msg.CreatedAt,
		}
		if err := m.store.AppendMessage(ctx, copied); err != nil {
			m.log.Warn("failed to copy message",
				zap.String("session_id", sessionID),
				zap.String("worktree_id", targetID),
				zap.Error(err))
			return
		}
	}
}

// classifyWorktreeAddError maps git worktree add output onto the taxonomy.
func classifyWorktreeAddError(output string, err error) error {
	lower := strings.ToLower(output)
	tail := outputTail(output, 3)
	switch {
	case strings.Contains(lower, "already exists"):
		return apperr.Conflict("branch or worktree already exists: " + tail)
	case strings.Contains(lower, "invalid reference"),
		strings.Contains(lower, "not a valid ref"),
		strings.Contains(lower, "unknown revision"):
		return apperr.Newf(apperr.TypeValidation, "base ref not found: %s", tail)
	case containsAny(lower, "no space left", "read-only file system", "permission denied"):
		return apperr.New(apperr.TypeIOFailed, "filesystem failure creating worktree: "+tail)
	default:
		return apperr.Wrap(apperr.TypeInternal, "git worktree add failed: "+tail, err)
	}
}

// UpdateWorktreeRequest is the PATCH payload; nil fields stay untouched.
type UpdateWorktreeRequest struct {
	Name            *string `json:"name,omitempty"`
	Model           *string `json:"model,omitempty"`
	ReasoningEffort *string `json:"reasoningEffort,omitempty"`
	InternetAccess  *bool   `json:"internetAccess,omitempty"`
	DenyGitCreds    *bool   `json:"denyGitCredentialsAccess,omitempty"`
}

// UpdateWorktree applies a partial update. Sandbox toggles take effect on
// the next client spawn and are refused while a turn is running.
func (m *Manager) UpdateWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string, req UpdateWorktreeRequest) (*store.Worktree, error) {
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}

	renamed := false
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.Validation("worktree name must not be empty")
		}
		if name != wt.Name {
			wt.Name = name
			renamed = true
		}
	}

	modelChanged := false
	if req.Model != nil && *req.Model != wt.Model {
		wt.Model = *req.Model
		modelChanged = true
	}
	if req.ReasoningEffort != nil && *req.ReasoningEffort != wt.ReasoningEffort {
		wt.ReasoningEffort = *req.ReasoningEffort
		modelChanged = true
	}

	sandboxChanged := false
	if req.InternetAccess != nil && *req.InternetAccess != wt.InternetAccess {
		wt.InternetAccess = *req.InternetAccess
		sandboxChanged = true
	}
	if req.DenyGitCreds != nil && *req.DenyGitCreds != wt.DenyGitCreds {
		wt.DenyGitCreds = *req.DenyGitCreds
		sandboxChanged = true
	}

	rig := m.lookupRig(sessionID, worktreeID)
	if sandboxChanged && rig != nil {
		if rig.client.State() == agent.StateProcessing {
			return nil, apperr.Conflict("cannot change sandbox settings while a turn is running")
		}
		m.dropRig(ctx, sessionID, worktreeID)
		rig = nil
	}

	if err := m.store.SaveWorktree(ctx, wt); err != nil {
		return nil, apperr.Internal("failed to persist worktree", err)
	}

	if modelChanged && rig != nil {
		if err := rig.client.SetModel(ctx, wt.Model, wt.ReasoningEffort); err != nil {
			m.log.Warn("failed to apply model to running client",
				zap.String("worktree_id", worktreeID), zap.Error(err))
		}
	}
	if renamed {
		m.publish(sessionID, worktreeID, wire.WorktreeRenamed{Name: wt.Name})
	}
	return wt, nil
}

// DeleteWorktree removes a non-main worktree: its client, its working
// copy, its branch, and its rows.
func (m *Manager) DeleteWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string) error {
	if worktreeID == store.MainWorktreeID {
		return apperr.Validation("the main worktree cannot be removed")
	}
	ws, err := m.getWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return err
	}

	m.dropRig(ctx, sessionID, worktreeID)

	paths := m.fs.SessionPaths(ws.ID, sessionID)
	dir := m.fs.WorktreeDir(ws.ID, sessionID, worktreeID)
	spec := m.gitSpec(ws, paths, paths.RepoDir, false)
	if out, err := m.runGitLocal(ctx, spec, "worktree", "remove", "--force", dir); err != nil {
		m.log.Debug("git worktree remove failed, falling back to rm",
			zap.String("worktree_id", worktreeID),
			zap.String("output", out),
			zap.Error(err))
		if err := m.fs.RemoveWorktreeDir(ws.ID, sessionID, worktreeID); err != nil {
			m.log.Warn("failed to remove worktree directory",
				zap.String("worktree_id", worktreeID), zap.Error(err))
		}
		if _, err := m.runGitLocal(ctx, spec, "worktree", "prune"); err != nil {
			m.log.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	if out, err := m.runGitLocal(ctx, spec, "branch", "-D", wt.BranchName); err != nil {
		m.log.Debug("failed to delete worktree branch",
			zap.String("branch", wt.BranchName),
			zap.String("output", out),
			zap.Error(err))
	}

	if err := m.store.DeleteWorktree(ctx, sessionID, worktreeID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperr.Internal("failed to delete worktree rows", err)
	}
	m.publish(sessionID, worktreeID, wire.WorktreeRemoved{})

	_ = m.fs.AppendAudit(ws.ID, "worktree.deleted", map[string]interface{}{
		"session_id":  sessionID,
		"worktree_id": worktreeID,
		"branch":      wt.BranchName,
	})
	m.log.Info("worktree deleted",
		zap.String("session_id", sessionID),
		zap.String("worktree_id", worktreeID))
	return nil
}

// lookupRig returns the live rig for a worktree, or nil.
func (m *Manager) lookupRig(sessionID, worktreeID string) *clientRig {
	m.mu.Lock()
	rt := m.runtimes[sessionID]
	m.mu.Unlock()
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.clients[worktreeID]
}

// dropRig stops and forgets one worktree's client, if any.
func (m *Manager) dropRig(ctx context.Context, sessionID, worktreeID string) {
	m.mu.Lock()
	rt := m.runtimes[sessionID]
	m.mu.Unlock()
	if rt == nil {
		return
	}
	rt.mu.Lock()
	rig := rt.clients[worktreeID]
	delete(rt.clients, worktreeID)
	rt.mu.Unlock()
	if rig == nil {
		return
	}
	if err := rig.client.Stop(ctx); err != nil {
		m.log.Warn("failed to stop agent client",
			zap.String("session_id", sessionID),
			zap.String("worktree_id", worktreeID),
			zap.Error(err))
	}
	select {
	case <-rig.pumpDone:
	case <-time.After(5 * time.Second):
	}
}

// validateGitRef rejects ref names git would choke on or parse as flags.
func validateGitRef(ref string) error {
	if ref == "" {
		return apperr.Validation("ref must not be empty")
	}
	if strings.HasPrefix(ref, "-") {
		return apperr.Validation("ref must not start with a dash")
	}
	if strings.ContainsAny(ref, " \t\n\r~^:?*[\\") || strings.Contains(ref, "..") {
		return apperr.Newf(apperr.TypeValidation, "invalid ref %q", ref)
	}
	return nil
}
