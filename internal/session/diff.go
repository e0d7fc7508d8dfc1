package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/pkg/wire"
)

// diffScheduler coalesces repo diff broadcasts for one session. The first
// schedule arms the timer; schedules landing inside the window are absorbed
// by the pending run.
type diffScheduler struct {
	mu      sync.Mutex
	pending bool
}

// scheduleRepoDiff queues a debounced repo_diff broadcast for the session.
func (m *Manager) scheduleRepoDiff(rt *runtime, sessionID string) {
	rt.mu.Lock()
	if rt.diff == nil {
		rt.diff = &diffScheduler{}
	}
	d := rt.diff
	rt.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return
	}
	d.pending = true

	window := m.cfg.Sessions.DiffDebounce()
	time.AfterFunc(window, func() {
		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()
		m.broadcastRepoDiff(sessionID)
	})
}

// broadcastRepoDiff publishes the current diff of the session's primary
// working copy. A clean tree publishes an empty diff so clients drop stale
// ones.
func (m *Manager) broadcastRepoDiff(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), localGitTimeout)
	defer cancel()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	ws, err := m.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return
	}
	paths := m.fs.SessionPaths(ws.ID, sessionID)
	spec := m.gitSpec(ws, paths, paths.RepoDir, false)

	status, err := m.runGitLocal(ctx, spec, "status", "--porcelain")
	if err != nil {
		m.log.Warn("repo diff status failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	diff := ""
	if status != "" {
		diff, err = m.runGitLocal(ctx, spec, "diff")
		if err != nil {
			m.log.Warn("repo diff failed",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
	}
	m.publish(sessionID, "", wire.RepoDiff{Diff: diff})
}
