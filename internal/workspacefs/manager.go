// Package workspacefs owns the per-tenant filesystem layout: workspace data
// and home directories, uid/gid allocation, materialized credential files,
// and the append-only audit log. Everything a workspace touches on disk is
// owned by its allocated (uid, gid).
package workspacefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/store"
)

var (
	// ErrIDTaken is returned when the workspace directory already exists.
	ErrIDTaken = errors.New("workspace id already taken")
	// ErrUIDExhausted is returned when no uid is free in the configured range.
	ErrUIDExhausted = errors.New("workspace uid range exhausted")
)

// dirMode is 02750: group-sticky so files created inside keep the workspace
// gid, no access for others.
const dirMode = os.FileMode(0o750) | os.ModeSetgid

// Manager allocates tenant uids and lays out workspace directories.
type Manager struct {
	dataRoot string
	homeRoot string
	uidMin   int
	uidMax   int

	mu   sync.Mutex
	used map[int]string // uid -> workspace id

	auditMu sync.Mutex

	logger *logger.Logger
}

// NewManager creates a manager rooted at dataRoot (workspace state) and
// homeRoot (workspace home trees), allocating uids from [uidMin, uidMax].
func NewManager(dataRoot, homeRoot string, uidMin, uidMax int, log *logger.Logger) *Manager {
	return &Manager{
		dataRoot: dataRoot,
		homeRoot: homeRoot,
		uidMin:   uidMin,
		uidMax:   uidMax,
		used:     make(map[int]string),
		logger:   log.WithFields(zap.String("component", "workspacefs")),
	}
}

// Recover marks the uids of persisted workspaces as used and re-creates any
// directory trees that are missing. Called once at startup, before any
// allocation, so an interrupted creation can never hand its uid to another
// workspace.
func (m *Manager) Recover(workspaces []*store.Workspace) {
	m.mu.Lock()
	for _, ws := range workspaces {
		m.used[ws.UID] = ws.ID
	}
	m.mu.Unlock()

	for _, ws := range workspaces {
		if _, err := os.Stat(m.WorkspaceDir(ws.ID)); err == nil {
			continue
		}
		m.logger.Warn("re-creating missing workspace directories",
			zap.String("workspace_id", ws.ID))
		if err := m.createWorkspaceTree(ws); err != nil {
			m.logger.Error("failed to recover workspace directories",
				zap.String("workspace_id", ws.ID), zap.Error(err))
		}
	}
}

// Allocate reserves the lowest free uid in the configured range for the
// workspace. The gid equals the uid. The reservation is never returned to
// the pool: uids are immutable and never reused.
func (m *Manager) Allocate(workspaceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uid := m.uidMin; uid <= m.uidMax; uid++ {
		if _, taken := m.used[uid]; !taken {
			m.used[uid] = workspaceID
			return uid, nil
		}
	}
	return 0, ErrUIDExhausted
}

// WorkspaceDir returns <dataRoot>/workspaces/<workspaceID>.
func (m *Manager) WorkspaceDir(workspaceID string) string {
	return filepath.Join(m.dataRoot, "workspaces", workspaceID)
}

// HomeDir returns <homeRoot>/<workspaceID>, the HOME of every process run
// on the workspace's behalf.
func (m *Manager) HomeDir(workspaceID string) string {
	return filepath.Join(m.homeRoot, workspaceID)
}

// CredentialsDir returns the workspace's materialized credential directory.
func (m *Manager) CredentialsDir(workspaceID string) string {
	return filepath.Join(m.WorkspaceDir(workspaceID), "credentials")
}

func (m *Manager) auditLogPath(workspaceID string) string {
	return filepath.Join(m.WorkspaceDir(workspaceID), "audit.log")
}

// CreateWorkspace lays out the workspace's directory trees, writes its
// metadata and secret hash files, and materializes credential files. The
// caller must have persisted the workspace (with its uid) first.
func (m *Manager) CreateWorkspace(ws *store.Workspace) error {
	if _, err := os.Stat(m.WorkspaceDir(ws.ID)); err == nil {
		return ErrIDTaken
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to probe workspace dir: %w", err)
	}

	if err := m.createWorkspaceTree(ws); err != nil {
		return err
	}
	if err := m.materialize(ws); err != nil {
		return err
	}
	return m.WriteCredentials(ws)
}

func (m *Manager) createWorkspaceTree(ws *store.Workspace) error {
	wsDir := m.WorkspaceDir(ws.ID)
	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "sessions"),
		m.CredentialsDir(ws.ID),
		m.HomeDir(ws.ID),
	}
	for _, dir := range dirs {
		if err := m.makeOwnedDir(dir, ws.UID, ws.GID); err != nil {
			return err
		}
	}
	return nil
}

// materialize writes workspace.json (public metadata, no credentials) and
// workspace.secret.hash next to it.
func (m *Manager) materialize(ws *store.Workspace) error {
	meta := workspaceMeta{
		ID:        ws.ID,
		Name:      ws.Name,
		UID:       ws.UID,
		GID:       ws.GID,
		CreatedAt: ws.CreatedAt,
		Providers: map[string]providerMeta{},
	}
	for name, cfg := range ws.Providers {
		meta.Providers[name] = providerMeta{Enabled: cfg.Enabled}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize workspace metadata: %w", err)
	}

	wsDir := m.WorkspaceDir(ws.ID)
	if err := os.WriteFile(filepath.Join(wsDir, "workspace.json"), append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("failed to write workspace metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, "workspace.secret.hash"), []byte(ws.SecretHash+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write workspace secret hash: %w", err)
	}
	return nil
}

// UpdateMetadata rewrites workspace.json after a providers change.
func (m *Manager) UpdateMetadata(ws *store.Workspace) error {
	return m.materialize(ws)
}

// SessionPaths groups a session's directory layout.
type SessionPaths struct {
	Root           string
	RepoDir        string
	GitDir         string
	WorktreesDir   string
	AttachmentsDir string
	TmpDir         string
}

// SessionPaths computes the layout without touching the filesystem.
func (m *Manager) SessionPaths(workspaceID, sessionID string) *SessionPaths {
	root := filepath.Join(m.WorkspaceDir(workspaceID), "sessions", sessionID)
	return &SessionPaths{
		Root:           root,
		RepoDir:        filepath.Join(root, "repo"),
		GitDir:         filepath.Join(root, "git"),
		WorktreesDir:   filepath.Join(root, "worktrees"),
		AttachmentsDir: filepath.Join(root, "attachments"),
		TmpDir:         filepath.Join(root, "tmp"),
	}
}

// CreateSessionDirs creates the session tree owned by the workspace user.
func (m *Manager) CreateSessionDirs(ws *store.Workspace, sessionID string) (*SessionPaths, error) {
	paths := m.SessionPaths(ws.ID, sessionID)
	for _, dir := range []string{paths.Root, paths.GitDir, paths.WorktreesDir, paths.AttachmentsDir, paths.TmpDir} {
		if err := m.makeOwnedDir(dir, ws.UID, ws.GID); err != nil {
			return nil, err
		}
	}
	// repo/ is created by the clone itself; its parent must exist and be
	// writable by the workspace user, which paths.Root already is.
	return paths, nil
}

// RemoveSessionDirs deletes the whole session tree.
func (m *Manager) RemoveSessionDirs(workspaceID, sessionID string) error {
	return os.RemoveAll(m.SessionPaths(workspaceID, sessionID).Root)
}

// WorktreeDir returns the working-copy directory of a non-main worktree.
func (m *Manager) WorktreeDir(workspaceID, sessionID, worktreeID string) string {
	return filepath.Join(m.SessionPaths(workspaceID, sessionID).WorktreesDir, worktreeID)
}

// RemoveWorktreeDir deletes a non-main worktree's working copy.
func (m *Manager) RemoveWorktreeDir(workspaceID, sessionID, worktreeID string) error {
	return os.RemoveAll(m.WorktreeDir(workspaceID, sessionID, worktreeID))
}

// makeOwnedDir creates dir with mode 02750 owned by (uid, gid). Ownership
// changes are skipped when the process is not root (dev mode).
func (m *Manager) makeOwnedDir(dir string, uid, gid int) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.Chmod(dir, dirMode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dir, err)
	}
	return m.chown(dir, uid, gid)
}

func (m *Manager) chown(path string, uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s: %w", path, err)
	}
	return nil
}

// AppendAudit appends one JSON line to the workspace's audit log.
func (m *Manager) AppendAudit(workspaceID, kind string, payload map[string]interface{}) error {
	entry := map[string]interface{}{
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
		"kind": kind,
	}
	for k, v := range payload {
		if k == "ts" || k == "kind" {
			continue
		}
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize audit entry: %w", err)
	}

	m.auditMu.Lock()
	defer m.auditMu.Unlock()

	f, err := os.OpenFile(m.auditLogPath(workspaceID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// UsedUIDs returns the currently reserved uids, sorted. Test and debug hook.
func (m *Manager) UsedUIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.used))
	for uid := range m.used {
		out = append(out, uid)
	}
	sort.Ints(out)
	return out
}

type workspaceMeta struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	UID       int                     `json:"uid"`
	GID       int                     `json:"gid"`
	CreatedAt time.Time               `json:"created_at"`
	Providers map[string]providerMeta `json:"providers"`
}

type providerMeta struct {
	Enabled bool `json:"enabled"`
}
