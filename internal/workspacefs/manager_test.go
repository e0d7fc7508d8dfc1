package workspacefs

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/store"
)

func createTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewManager(filepath.Join(root, "data"), filepath.Join(root, "home"), 20000, 20003, log)
}

func testWorkspace(id string, uid int) *store.Workspace {
	return &store.Workspace{
		ID:         id,
		Name:       "test",
		SecretHash: "$2a$10$hash",
		UID:        uid,
		GID:        uid,
		Providers: map[string]store.ProviderConfig{
			"codex": {Enabled: true},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestAllocateRange(t *testing.T) {
	m := createTestManager(t)

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		uid, err := m.Allocate("w1")
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if uid < 20000 || uid > 20003 {
			t.Errorf("uid %d outside configured range", uid)
		}
		if seen[uid] {
			t.Errorf("uid %d allocated twice", uid)
		}
		seen[uid] = true
	}

	if _, err := m.Allocate("w1"); !errors.Is(err, ErrUIDExhausted) {
		t.Errorf("expected ErrUIDExhausted, got %v", err)
	}
}

func TestRecoverReservesUIDs(t *testing.T) {
	m := createTestManager(t)

	m.Recover([]*store.Workspace{
		testWorkspace("w000000000000000000000001", 20000),
		testWorkspace("w000000000000000000000002", 20002),
	})

	uid, err := m.Allocate("w3")
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if uid != 20001 {
		t.Errorf("expected first free uid 20001, got %d", uid)
	}

	// Recovery also rebuilds missing directory trees.
	if _, err := os.Stat(m.WorkspaceDir("w000000000000000000000001")); err != nil {
		t.Errorf("expected workspace dir to be recreated: %v", err)
	}
}

func TestCreateWorkspaceLayout(t *testing.T) {
	m := createTestManager(t)
	ws := testWorkspace("w000000000000000000000001", 20000)

	if err := m.CreateWorkspace(ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	for _, dir := range []string{
		m.WorkspaceDir(ws.ID),
		filepath.Join(m.WorkspaceDir(ws.ID), "sessions"),
		m.CredentialsDir(ws.ID),
		m.HomeDir(ws.ID),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if info.Mode()&os.ModeSetgid == 0 {
			t.Errorf("expected setgid on %s, got %v", dir, info.Mode())
		}
	}

	metaPath := filepath.Join(m.WorkspaceDir(ws.ID), "workspace.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("failed to read workspace.json: %v", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("workspace.json is not valid JSON: %v", err)
	}
	if meta["id"] != ws.ID {
		t.Errorf("expected id %q in metadata, got %v", ws.ID, meta["id"])
	}
	if _, leaked := meta["secret_hash"]; leaked {
		t.Error("secret hash must not appear in workspace.json")
	}

	hash, err := os.ReadFile(filepath.Join(m.WorkspaceDir(ws.ID), "workspace.secret.hash"))
	if err != nil {
		t.Fatalf("failed to read secret hash file: %v", err)
	}
	if string(hash) != ws.SecretHash+"\n" {
		t.Errorf("unexpected secret hash content %q", string(hash))
	}

	if err := m.CreateWorkspace(ws); !errors.Is(err, ErrIDTaken) {
		t.Errorf("expected ErrIDTaken on double create, got %v", err)
	}
}

func TestSessionDirs(t *testing.T) {
	m := createTestManager(t)
	ws := testWorkspace("w000000000000000000000001", 20000)
	if err := m.CreateWorkspace(ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	paths, err := m.CreateSessionDirs(ws, "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("failed to create session dirs: %v", err)
	}
	for _, dir := range []string{paths.GitDir, paths.WorktreesDir, paths.AttachmentsDir, paths.TmpDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("expected %s to exist: %v", dir, err)
		}
	}
	// repo/ belongs to the clone step.
	if _, err := os.Stat(paths.RepoDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected repo dir to be absent before clone, got %v", err)
	}

	wtDir := m.WorktreeDir(ws.ID, "0123456789abcdef0123456789abcdef", "wabcdefabcdef")
	if filepath.Dir(wtDir) != paths.WorktreesDir {
		t.Errorf("expected worktree dir under %s, got %s", paths.WorktreesDir, wtDir)
	}

	if err := m.RemoveSessionDirs(ws.ID, "0123456789abcdef0123456789abcdef"); err != nil {
		t.Fatalf("failed to remove session dirs: %v", err)
	}
	if _, err := os.Stat(paths.Root); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected session root to be gone, got %v", err)
	}
}

func TestWriteCredentials(t *testing.T) {
	m := createTestManager(t)
	ws := testWorkspace("w000000000000000000000001", 20000)
	authBlob := `{"tokens":{"access_token":"tok"}}`
	ws.Providers = map[string]store.ProviderConfig{
		"codex": {
			Enabled:    true,
			Credential: &store.ProviderCredential{Type: store.CredentialAuthJSON, Value: base64.StdEncoding.EncodeToString([]byte(authBlob))},
		},
		"claude": {
			Enabled:    true,
			Credential: &store.ProviderCredential{Type: store.CredentialAPIKey, Value: "sk-ant-test"},
		},
	}

	if err := m.CreateWorkspace(ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	authPath := filepath.Join(m.HomeDir(ws.ID), ".codex", "auth.json")
	data, err := os.ReadFile(authPath)
	if err != nil {
		t.Fatalf("expected codex auth file: %v", err)
	}
	if string(data) != authBlob {
		t.Errorf("expected decoded auth blob, got %q", string(data))
	}
	info, err := os.Stat(authPath)
	if err != nil {
		t.Fatalf("failed to stat auth file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600 on auth file, got %v", info.Mode().Perm())
	}

	// API keys are env-injected, never written to disk.
	if _, err := os.Stat(filepath.Join(m.HomeDir(ws.ID), ".claude", ".credentials.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected no claude credentials file for api_key, got %v", err)
	}

	badWS := testWorkspace("w000000000000000000000002", 20001)
	badWS.Providers = map[string]store.ProviderConfig{
		"codex": {Enabled: true, Credential: &store.ProviderCredential{Type: store.CredentialAuthJSON, Value: "not base64!!"}},
	}
	if err := m.CreateWorkspace(badWS); err == nil {
		t.Error("expected error for undecodable auth blob")
	}
}

func TestAppendAudit(t *testing.T) {
	m := createTestManager(t)
	ws := testWorkspace("w000000000000000000000001", 20000)
	if err := m.CreateWorkspace(ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	if err := m.AppendAudit(ws.ID, "workspace_created", map[string]interface{}{"uid": ws.UID}); err != nil {
		t.Fatalf("failed to append audit entry: %v", err)
	}
	if err := m.AppendAudit(ws.ID, "session_created", map[string]interface{}{"session_id": "s1"}); err != nil {
		t.Fatalf("failed to append second audit entry: %v", err)
	}

	f, err := os.Open(filepath.Join(m.WorkspaceDir(ws.ID), "audit.log"))
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	defer func() { _ = f.Close() }()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("audit line is not valid JSON: %v", err)
		}
		if entry["ts"] == nil {
			t.Error("expected ts on audit entry")
		}
		kinds = append(kinds, entry["kind"].(string))
	}
	if len(kinds) != 2 || kinds[0] != "workspace_created" || kinds[1] != "session_created" {
		t.Errorf("unexpected audit kinds %v", kinds)
	}
}
