package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/store"
)

// Branch is one entry of the session repository's local branch list.
type Branch struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

// Commit is one entry of a worktree's recent history.
type Commit struct {
	SHA         string    `json:"sha"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail"`
	Subject     string    `json:"subject"`
	CommittedAt time.Time `json:"committedAt"`
}

// StatusEntry is one porcelain status line: the two-letter XY code and the
// path it applies to.
type StatusEntry struct {
	Code string `json:"code"`
	Path string `json:"path"`
}

// workDir resolves the working copy a worktree-scoped git command runs in.
func (m *Manager) workDir(ws *store.Workspace, sess *store.Session, worktreeID string) string {
	if worktreeID == store.MainWorktreeID {
		return sess.RepoDir
	}
	return m.fs.WorktreeDir(ws.ID, sess.ID, worktreeID)
}

// repoSpec builds the sandbox spec for a git command in the session's
// primary working copy.
func (m *Manager) repoSpec(ws *store.Workspace, sess *store.Session) *sandbox.Spec {
	paths := m.fs.SessionPaths(ws.ID, sess.ID)
	return m.gitSpec(ws, paths, paths.RepoDir, false)
}

// worktreeSpec builds the sandbox spec for a git command in one worktree's
// working copy.
func (m *Manager) worktreeSpec(ws *store.Workspace, sess *store.Session, worktreeID string) *sandbox.Spec {
	paths := m.fs.SessionPaths(ws.ID, sess.ID)
	return m.gitSpec(ws, paths, m.workDir(ws, sess, worktreeID), false)
}

// isDirty reports whether the working copy addressed by spec carries
// uncommitted changes.
func (m *Manager) isDirty(ctx context.Context, spec *sandbox.Spec) (bool, error) {
	out, err := m.runGitLocal(ctx, spec, "status", "--porcelain")
	if err != nil {
		return false, apperr.Internal("failed to read working tree status", err)
	}
	return out != "", nil
}

// ListBranches returns the local branches of the session repository.
func (m *Manager) ListBranches(ctx context.Context, workspaceID, sessionID string) ([]Branch, error) {
	ws, sess, err := m.loadSessionScope(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	out, err := m.runGitLocal(ctx, m.repoSpec(ws, sess), "branch", "--format=%(HEAD)|%(refname:short)")
	if err != nil {
		return nil, apperr.Internal("failed to list branches", err)
	}

	branches := []Branch{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		branches = append(branches, Branch{Name: parts[1], Current: parts[0] == "*"})
	}
	return branches, nil
}

// SwitchBranch checks the session's primary working copy onto another
// branch. Refused while the tree is dirty; the main worktree row follows
// the checkout.
func (m *Manager) SwitchBranch(ctx context.Context, workspaceID, sessionID, branch string) error {
	if err := validateGitRef(branch); err != nil {
		return err
	}
	ws, sess, err := m.loadSessionScope(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	if rig := m.lookupRig(sessionID, store.MainWorktreeID); rig != nil && rig.client.State() == agent.StateProcessing {
		return apperr.Conflict("cannot switch branches while a turn is running")
	}

	spec := m.repoSpec(ws, sess)
	dirty, err := m.isDirty(ctx, spec)
	if err != nil {
		return err
	}
	if dirty {
		return apperr.Conflict("working tree has uncommitted changes")
	}

	if out, err := m.runGitLocal(ctx, spec, "checkout", branch); err != nil {
		lower := strings.ToLower(out)
		if containsAny(lower, "did not match", "not a commit", "unknown revision") {
			return apperr.Newf(apperr.TypeValidation, "unknown branch %q", branch)
		}
		return apperr.Internal("failed to switch branch", err)
	}

	main, err := m.store.GetWorktree(ctx, sessionID, store.MainWorktreeID)
	if err != nil {
		return apperr.Internal("failed to load main worktree", err)
	}
	main.BranchName = branch
	if err := m.store.SaveWorktree(ctx, main); err != nil {
		return apperr.Internal("failed to persist branch switch", err)
	}
	return nil
}

// SetGitIdentity records the author identity commits in this session are
// made under.
func (m *Manager) SetGitIdentity(ctx context.Context, workspaceID, sessionID, name, email string) error {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return apperr.Validation("git identity needs both a name and an email")
	}
	ws, sess, err := m.loadSessionScope(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	spec := m.repoSpec(ws, sess)
	if _, err := m.runGitLocal(ctx, spec, "config", "user.name", name); err != nil {
		return apperr.Internal("failed to set git user name", err)
	}
	if _, err := m.runGitLocal(ctx, spec, "config", "user.email", email); err != nil {
		return apperr.Internal("failed to set git user email", err)
	}
	return nil
}

// WorktreeUnifiedDiff returns the uncommitted changes of one worktree as a
// unified diff.
func (m *Manager) WorktreeUnifiedDiff(ctx context.Context, workspaceID, sessionID, worktreeID string) (string, error) {
	ws, sess, err := m.loadWorktreeScope(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return "", err
	}
	spec := m.worktreeSpec(ws, sess, worktreeID)
	out, err := m.runGitLocal(ctx, spec, "diff", "HEAD")
	if err != nil {
		// Unborn branches have no HEAD to diff against.
		out, err = m.runGitLocal(ctx, spec, "diff")
		if err != nil {
			return "", apperr.Internal("failed to compute diff", err)
		}
	}
	return out, nil
}

// WorktreeCommits returns one worktree's most recent commits, newest first.
func (m *Manager) WorktreeCommits(ctx context.Context, workspaceID, sessionID, worktreeID string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	ws, sess, err := m.loadWorktreeScope(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	spec := m.worktreeSpec(ws, sess, worktreeID)
	out, err := m.runGitLocal(ctx, spec, "log",
		"--format=%H|%an|%ae|%s|%aI",
		"-n", strconv.Itoa(limit))
	if err != nil {
		if strings.Contains(strings.ToLower(out), "does not have any commits yet") {
			return []Commit{}, nil
		}
		return nil, apperr.Internal("failed to list commits", err)
	}

	commits := []Commit{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 5)
		if len(parts) < 5 {
			continue
		}
		committedAt, err := time.Parse(time.RFC3339, parts[4])
		if err != nil {
			committedAt = time.Now().UTC()
		}
		commits = append(commits, Commit{
			SHA:         parts[0],
			AuthorName:  parts[1],
			AuthorEmail: parts[2],
			Subject:     parts[3],
			CommittedAt: committedAt,
		})
	}
	return commits, nil
}

// WorktreeStatusEntries returns one worktree's porcelain status.
func (m *Manager) WorktreeStatusEntries(ctx context.Context, workspaceID, sessionID, worktreeID string) ([]StatusEntry, error) {
	ws, sess, err := m.loadWorktreeScope(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	spec := m.worktreeSpec(ws, sess, worktreeID)
	out, err := m.runGitLocal(ctx, spec, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, apperr.Internal("failed to read status", err)
	}

	// Porcelain format: XY <path>; X is the index state, Y the working tree.
	entries := []StatusEntry{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		entries = append(entries, StatusEntry{
			Code: line[:2],
			Path: strings.TrimSpace(line[3:]),
		})
	}
	return entries, nil
}

// MergeWorktree merges a worktree's branch into the session's primary
// working copy. A conflicted merge is left in progress for inspection;
// AbortMerge unwinds it.
func (m *Manager) MergeWorktree(ctx context.Context, workspaceID, sessionID, worktreeID string) error {
	if worktreeID == store.MainWorktreeID {
		return apperr.Validation("the main worktree cannot be merged into itself")
	}
	ws, sess, err := m.loadSessionScope(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	wt, err := m.GetWorktree(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return err
	}

	spec := m.repoSpec(ws, sess)
	dirty, err := m.isDirty(ctx, spec)
	if err != nil {
		return err
	}
	if dirty {
		return apperr.Conflict("working tree has uncommitted changes")
	}

	if out, err := m.runGitLocal(ctx, spec, "merge", wt.BranchName); err != nil {
		lower := strings.ToLower(out)
		switch {
		case containsAny(lower, "conflict", "automatic merge failed"):
			return apperr.Conflict("merge conflicts: resolve them or abort the merge")
		case containsAny(lower, "please tell me who you are", "unable to auto-detect email"):
			return apperr.Validation("git identity is not set for this session")
		case strings.Contains(lower, "not something we can merge"):
			return apperr.Newf(apperr.TypeValidation, "branch %q cannot be merged", wt.BranchName)
		}
		return apperr.Internal("merge failed", err)
	}

	_ = m.fs.AppendAudit(ws.ID, "session.merged", map[string]interface{}{
		"session_id":  sessionID,
		"worktree_id": worktreeID,
		"branch":      wt.BranchName,
	})
	m.scheduleRepoDiff(m.runtime(sessionID), sessionID)
	return nil
}

// AbortMerge unwinds an in-progress merge in the session's primary working
// copy.
func (m *Manager) AbortMerge(ctx context.Context, workspaceID, sessionID string) error {
	ws, sess, err := m.loadSessionScope(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	if out, err := m.runGitLocal(ctx, m.repoSpec(ws, sess), "merge", "--abort"); err != nil {
		if strings.Contains(strings.ToLower(out), "no merge to abort") {
			return apperr.Validation("no merge in progress")
		}
		return apperr.Internal("failed to abort merge", err)
	}
	m.scheduleRepoDiff(m.runtime(sessionID), sessionID)
	return nil
}

// CherryPick applies one commit onto a worktree's branch. Conflicts unwind
// the pick; the worktree has no abort surface of its own.
func (m *Manager) CherryPick(ctx context.Context, workspaceID, sessionID, worktreeID, sha string) error {
	if err := validateSHA(sha); err != nil {
		return err
	}
	ws, sess, err := m.loadWorktreeScope(ctx, workspaceID, sessionID, worktreeID)
	if err != nil {
		return err
	}

	spec := m.worktreeSpec(ws, sess, worktreeID)
	if out, err := m.runGitLocal(ctx, spec, "cherry-pick", sha); err != nil {
		lower := strings.ToLower(out)
		switch {
		case strings.Contains(lower, "conflict"):
			if _, abortErr := m.runGitLocal(ctx, spec, "cherry-pick", "--abort"); abortErr != nil {
				m.log.Warn("failed to abort conflicted cherry-pick", zap.Error(abortErr))
			}
			return apperr.Conflict("cherry-pick conflicts; the pick was aborted")
		case containsAny(lower, "bad revision", "bad object"):
			return apperr.Newf(apperr.TypeValidation, "unknown commit %q", sha)
		case containsAny(lower, "please tell me who you are", "unable to auto-detect email"):
			return apperr.Validation("git identity is not set for this session")
		}
		return apperr.Internal("cherry-pick failed", err)
	}
	return nil
}

// loadSessionScope resolves the workspace and session rows together.
func (m *Manager) loadSessionScope(ctx context.Context, workspaceID, sessionID string) (*store.Workspace, *store.Session, error) {
	ws, err := m.getWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := m.GetSession(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return ws, sess, nil
}

// loadWorktreeScope resolves the workspace and session rows and checks the
// worktree exists.
func (m *Manager) loadWorktreeScope(ctx context.Context, workspaceID, sessionID, worktreeID string) (*store.Workspace, *store.Session, error) {
	ws, sess, err := m.loadSessionScope(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := m.store.GetWorktree(ctx, sessionID, worktreeID); err != nil {
		return nil, nil, apperr.NotFound("worktree", worktreeID)
	}
	return ws, sess, nil
}

// validateSHA accepts abbreviated or full commit hashes.
func validateSHA(sha string) error {
	if len(sha) < 7 || len(sha) > 40 {
		return apperr.Validation("commit sha must be 7 to 40 hex characters")
	}
	for _, r := range sha {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return apperr.Validation("commit sha must be 7 to 40 hex characters")
		}
	}
	return nil
}
