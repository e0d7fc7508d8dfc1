package gateway

import (
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/store"
)

func createSessionOverHTTP(t *testing.T, ts *testServer, token, provider string) createSessionResponse {
	t.Helper()
	origin := initOriginRepo(t)
	status, raw := ts.do(t, http.MethodPost, "/sessions", token, session.CreateSessionRequest{
		RepoURL:  origin,
		Provider: provider,
	})
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", status, raw)
	}
	return decode[createSessionResponse](t, raw)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)

	created := createSessionOverHTTP(t, ts, token, "")
	if created.SessionID == "" || created.Path == "" {
		t.Fatalf("incomplete create response: %+v", created)
	}
	if created.DefaultProvider == "" || len(created.Providers) == 0 {
		t.Fatalf("provider fields missing: %+v", created)
	}

	status, raw := ts.do(t, http.MethodGet, "/sessions/"+created.SessionID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d: %s", status, raw)
	}
	sess := decode[store.Session](t, raw)
	if sess.ID != created.SessionID {
		t.Fatalf("session id = %q, want %q", sess.ID, created.SessionID)
	}

	status, raw = ts.do(t, http.MethodGet, "/sessions", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	list := decode[listSessionsResponse](t, raw)
	if list.Total != 1 || len(list.Sessions) != 1 {
		t.Fatalf("list = %+v, want one session", list)
	}

	// Another workspace cannot see or delete it.
	_, otherToken := ts.newWorkspace(t)
	status, _ = ts.do(t, http.MethodGet, "/sessions/"+created.SessionID, otherToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-workspace get status = %d, want 404", status)
	}
	status, _ = ts.do(t, http.MethodDelete, "/sessions/"+created.SessionID, otherToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-workspace delete status = %d, want 404", status)
	}

	status, raw = ts.do(t, http.MethodDelete, "/sessions/"+created.SessionID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d: %s", status, raw)
	}
	ok := decode[successResponse](t, raw)
	if !ok.Success {
		t.Fatalf("delete response = %+v", ok)
	}
	status, _ = ts.do(t, http.MethodGet, "/sessions/"+created.SessionID, token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", status)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)

	// Missing repoUrl fails binding.
	status, raw := ts.do(t, http.MethodPost, "/sessions", token, map[string]string{"name": "x"})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", status, raw)
	}
	body := decode[errorBody](t, raw)
	if body.ErrorType != apperr.TypeValidation {
		t.Fatalf("error_type = %q, want VALIDATION", body.ErrorType)
	}

	// A path that is not a repository surfaces as repo-not-found.
	status, raw = ts.do(t, http.MethodPost, "/sessions", token, session.CreateSessionRequest{RepoURL: "/nonexistent/repo"})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", status, raw)
	}
	body = decode[errorBody](t, raw)
	if body.ErrorType != apperr.TypeGitRepoNotFound {
		t.Fatalf("error_type = %q, want REPO_NOT_FOUND", body.ErrorType)
	}
}

func TestBacklogEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)
	created := createSessionOverHTTP(t, ts, token, "")
	base := "/sessions/" + created.SessionID + "/backlog"

	status, raw := ts.do(t, http.MethodPost, base, token, addBacklogRequest{Text: "fix the flaky test"})
	if status != http.StatusCreated {
		t.Fatalf("add status = %d: %s", status, raw)
	}
	item := decode[store.BacklogItem](t, raw)
	if item.ID == "" || item.Text != "fix the flaky test" {
		t.Fatalf("item = %+v", item)
	}

	status, raw = ts.do(t, http.MethodGet, base, token, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	list := decode[backlogResponse](t, raw)
	if len(list.Items) != 1 || list.Items[0].ID != item.ID {
		t.Fatalf("backlog = %+v", list)
	}

	status, _ = ts.do(t, http.MethodDelete, base+"/"+item.ID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("remove status = %d", status)
	}
	status, _ = ts.do(t, http.MethodDelete, base+"/"+item.ID, token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("remove missing status = %d, want 404", status)
	}
}

func TestWorktreeEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)
	created := createSessionOverHTTP(t, ts, token, "")
	base := "/sessions/" + created.SessionID + "/worktrees"

	status, raw := ts.do(t, http.MethodGet, base, token, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d: %s", status, raw)
	}
	list := decode[listWorktreesResponse](t, raw)
	if list.Total != 1 || list.Worktrees[0].ID != store.MainWorktreeID {
		t.Fatalf("fresh session worktrees = %+v", list)
	}

	status, raw = ts.do(t, http.MethodPost, base, token, session.CreateWorktreeRequest{Name: "experiment"})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d: %s", status, raw)
	}
	wt := decode[store.Worktree](t, raw)
	if wt.ID == store.MainWorktreeID || !strings.HasPrefix(wt.ID, "w") {
		t.Fatalf("worktree id = %q", wt.ID)
	}
	if wt.Name != "experiment" {
		t.Fatalf("worktree name = %q", wt.Name)
	}

	newName := "renamed"
	status, raw = ts.do(t, http.MethodPatch, base+"/"+wt.ID, token, session.UpdateWorktreeRequest{Name: &newName})
	if status != http.StatusOK {
		t.Fatalf("patch status = %d: %s", status, raw)
	}
	patched := decode[store.Worktree](t, raw)
	if patched.Name != "renamed" {
		t.Fatalf("patched name = %q", patched.Name)
	}

	status, raw = ts.do(t, http.MethodDelete, base+"/"+store.MainWorktreeID, token, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("delete main status = %d, want 400: %s", status, raw)
	}

	status, _ = ts.do(t, http.MethodDelete, base+"/"+wt.ID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = ts.do(t, http.MethodGet, base+"/"+wt.ID, token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", status)
	}
}

func TestGitEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)
	created := createSessionOverHTTP(t, ts, token, "")
	base := "/sessions/" + created.SessionID

	status, raw := ts.do(t, http.MethodGet, base+"/branches", token, nil)
	if status != http.StatusOK {
		t.Fatalf("branches status = %d: %s", status, raw)
	}
	branches := decode[listBranchesResponse](t, raw)
	var foundCurrent bool
	for _, b := range branches.Branches {
		if b.Current && b.Name == "main" {
			foundCurrent = true
		}
	}
	if !foundCurrent {
		t.Fatalf("branches = %+v, want current main", branches)
	}

	status, raw = ts.do(t, http.MethodGet, base+"/worktrees/main/commits", token, nil)
	if status != http.StatusOK {
		t.Fatalf("commits status = %d: %s", status, raw)
	}
	commits := decode[commitsResponse](t, raw)
	if len(commits.Commits) != 1 || commits.Commits[0].Subject != "initial commit" {
		t.Fatalf("commits = %+v", commits)
	}

	status, raw = ts.do(t, http.MethodGet, base+"/worktrees/main/status", token, nil)
	if status != http.StatusOK {
		t.Fatalf("status endpoint = %d: %s", status, raw)
	}
	entries := decode[statusResponse](t, raw)
	if len(entries.Entries) != 0 {
		t.Fatalf("fresh clone status entries = %+v", entries)
	}

	// Dirty the tree and watch diff and status react.
	if err := writeFile(created.Path+"/README.md", "# changed\n"); err != nil {
		t.Fatalf("write file: %v", err)
	}
	status, raw = ts.do(t, http.MethodGet, base+"/worktrees/main/diff", token, nil)
	if status != http.StatusOK {
		t.Fatalf("diff status = %d: %s", status, raw)
	}
	diff := decode[diffResponse](t, raw)
	if !strings.Contains(diff.Diff, "changed") {
		t.Fatalf("diff = %q, want README change", diff.Diff)
	}
	status, raw = ts.do(t, http.MethodGet, base+"/worktrees/main/status", token, nil)
	if status != http.StatusOK {
		t.Fatalf("status endpoint = %d", status)
	}
	entries = decode[statusResponse](t, raw)
	if len(entries.Entries) != 1 || entries.Entries[0].Path != "README.md" {
		t.Fatalf("dirty status entries = %+v", entries)
	}

	status, raw = ts.do(t, http.MethodPost, base+"/git/identity", token, gitIdentityRequest{Name: "Bot", Email: "bot@example.com"})
	if status != http.StatusOK {
		t.Fatalf("identity status = %d: %s", status, raw)
	}
	if got := runGit(t, created.Path, "config", "user.name"); strings.TrimSpace(got) != "Bot" {
		t.Fatalf("identity not applied, user.name = %q", got)
	}
}

func TestListModelsEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)
	created := createSessionOverHTTP(t, ts, token, agent.ProviderClaude)
	base := "/sessions/" + created.SessionID + "/models"

	status, raw := ts.do(t, http.MethodGet, base, token, nil)
	if status != http.StatusOK {
		t.Fatalf("models status = %d: %s", status, raw)
	}
	models := decode[listModelsResponse](t, raw)
	if len(models.Models) != 3 {
		t.Fatalf("models = %+v, want the static catalog", models)
	}

	status, raw = ts.do(t, http.MethodGet, base+"?pageSize=abc", token, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad pageSize status = %d: %s", status, raw)
	}

	status, raw = ts.do(t, http.MethodPost, base, token, setModelRequest{Model: "opus"})
	if status != http.StatusOK {
		t.Fatalf("set model status = %d: %s", status, raw)
	}
	wt := decode[store.Worktree](t, raw)
	if wt.Model != "opus" {
		t.Fatalf("worktree model = %q, want opus", wt.Model)
	}

	status, raw = ts.do(t, http.MethodPost, base, token, setModelRequest{Model: ""})
	if status != http.StatusBadRequest {
		t.Fatalf("empty model status = %d: %s", status, raw)
	}
}

func TestRPCLogEndpointEmpty(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)
	created := createSessionOverHTTP(t, ts, token, "")

	status, raw := ts.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/rpclog", token, nil)
	if status != http.StatusOK {
		t.Fatalf("rpclog status = %d: %s", status, raw)
	}
	log := decode[rpcLogResponse](t, raw)
	if log.Entries == nil {
		t.Fatal("entries should decode to an empty slice, not null")
	}
	if len(log.Entries) != 0 {
		t.Fatalf("entries = %+v, want none before any agent traffic", log.Entries)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
