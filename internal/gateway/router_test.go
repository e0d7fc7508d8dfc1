package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/broadcast"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/store"
	sqlitestore "github.com/vibe80/vibe80/internal/store/sqlite"
	"github.com/vibe80/vibe80/internal/workspacefs"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

type testServer struct {
	srv      *httptest.Server
	auth     *auth.Service
	sessions *session.Manager
	store    store.Store
	bus      bus.EventBus
	cfg      *config.Config
}

func newTestServer(t *testing.T, mode string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	log := newTestLogger(t)

	st, err := sqlitestore.New(filepath.Join(root, "test.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fs := workspacefs.NewManager(filepath.Join(root, "data"), filepath.Join(root, "home"), 20000, 20099, log)
	eventBus := bus.NewMemoryEventBus(log)

	cfg := &config.Config{
		Deployment: config.DeploymentConfig{Mode: mode},
		Server:     config.ServerConfig{Host: "127.0.0.1", Port: 8080, PublicURL: "http://localhost:8080"},
		Storage:    config.StorageConfig{Backend: config.StorageEmbedded, DataRoot: filepath.Join(root, "data"), HomeRoot: filepath.Join(root, "home"), BusyTimeoutMS: 5000},
		Auth: config.AuthConfig{
			JWTKeyPath:      filepath.Join(root, "jwt.key"),
			AccessTokenTTL:  900,
			RefreshTokenTTL: 2592000,
			HandoffTokenTTL: 60,
		},
		Workspaces: config.WorkspacesConfig{UIDMin: 20000, UIDMax: 20099},
		Sessions:   config.SessionsConfig{IdleTTL: 3600, MaxTTL: 86400, GCInterval: 60, DiffDebounceMS: 10},
		Agent:      config.AgentConfig{WakeupTimeout: 2, WakeupTimeoutMax: 5, StopGrace: 1, RPCLogSize: 50},
		Broadcast:  config.BroadcastConfig{QueueSize: 64, PingInterval: 25, PongGrace: 8},
		Logging:    config.LoggingConfig{Level: "error", Format: "json"},
	}

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTKeyPath, cfg.Auth.AccessTTL())
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	handoffs := auth.NewHandoffRegistry(cfg.Auth.HandoffTTL())
	authSvc := auth.NewService(st, fs, issuer, handoffs, cfg, log)

	runner := sandbox.NewRunner("", true, log)
	sessions := session.NewManager(st, fs, runner, eventBus, agent.DefaultCatalog(), cfg, log)
	t.Cleanup(func() { sessions.Stop(context.Background()) })

	broadcaster, err := broadcast.New(eventBus, st, cfg.Broadcast.QueueSize, log)
	if err != nil {
		t.Fatalf("broadcast.New: %v", err)
	}
	t.Cleanup(broadcaster.Close)

	router := NewRouter(Deps{
		Config:      cfg,
		Auth:        authSvc,
		Sessions:    sessions,
		Broadcaster: broadcaster,
		Store:       st,
		Log:         log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, auth: authSvc, sessions: sessions, store: st, bus: eventBus, cfg: cfg}
}

// do issues one request against the test server. A non-empty token rides
// the Authorization header.
func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return v
}

// newWorkspace provisions a tenant directly through the auth service and
// returns its id plus a fresh access token.
func (ts *testServer) newWorkspace(t *testing.T) (string, string) {
	t.Helper()
	ws, secret, err := ts.auth.CreateWorkspace(context.Background(), "test", map[string]store.ProviderConfig{
		"codex":  {Enabled: true},
		"claude": {Enabled: true},
	})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	pair, err := ts.auth.Login(context.Background(), ws.ID, secret)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return ws.ID, pair.WorkspaceToken
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// initOriginRepo creates a local repository with one commit to clone from.
func initOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "--initial-branch=main")
	runGit(t, dir, "config", "user.email", "dev@example.com")
	runGit(t, dir, "config", "user.name", "Dev")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)

	status, raw := ts.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health status = %d, want 200", status)
	}
	body := decode[map[string]string](t, raw)
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)

	status, raw := ts.do(t, http.MethodGet, "/sessions", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	body := decode[errorBody](t, raw)
	if body.ErrorType != apperr.TypeWorkspaceTokenInvalid {
		t.Fatalf("error_type = %q, want %q", body.ErrorType, apperr.TypeWorkspaceTokenInvalid)
	}

	status, _ = ts.do(t, http.MethodGet, "/sessions", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", status)
	}
}

func TestCreateWorkspaceEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)

	status, raw := ts.do(t, http.MethodPost, "/workspaces", "", createWorkspaceRequest{
		Name: "acme",
		Providers: map[string]store.ProviderConfig{
			"codex": {Enabled: true},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", status, raw)
	}
	body := decode[createWorkspaceResponse](t, raw)
	if body.WorkspaceID == "" || body.Secret == "" {
		t.Fatalf("incomplete response: %+v", body)
	}
	if body.UID < 20000 || body.UID > 20099 {
		t.Fatalf("uid %d outside configured range", body.UID)
	}

	// The minted secret authenticates a login.
	status, raw = ts.do(t, http.MethodPost, "/workspaces/login", "", loginRequest{
		WorkspaceID: body.WorkspaceID,
		Secret:      body.Secret,
	})
	if status != http.StatusOK {
		t.Fatalf("login status = %d: %s", status, raw)
	}
	pair := decode[auth.TokenPair](t, raw)
	if pair.WorkspaceToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete token pair: %+v", pair)
	}
	if pair.ExpiresIn != 900 {
		t.Fatalf("expiresIn = %d, want 900", pair.ExpiresIn)
	}
}

func TestCreateWorkspaceRefusedInMonoMode(t *testing.T) {
	ts := newTestServer(t, config.ModeMonoUser)

	status, raw := ts.do(t, http.MethodPost, "/workspaces", "", createWorkspaceRequest{Name: "acme"})
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", status, raw)
	}
	body := decode[errorBody](t, raw)
	if body.ErrorType != apperr.TypeForbidden {
		t.Fatalf("error_type = %q, want FORBIDDEN", body.ErrorType)
	}
}

func TestLoginRejectsBadSecret(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	wsID, _ := ts.newWorkspace(t)

	status, raw := ts.do(t, http.MethodPost, "/workspaces/login", "", loginRequest{
		WorkspaceID: wsID,
		Secret:      "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", status, raw)
	}
}

func TestRefreshRotation(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)

	status, raw := ts.do(t, http.MethodPost, "/workspaces", "", createWorkspaceRequest{Name: "acme"})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	created := decode[createWorkspaceResponse](t, raw)
	_, raw = ts.do(t, http.MethodPost, "/workspaces/login", "", loginRequest{
		WorkspaceID: created.WorkspaceID,
		Secret:      created.Secret,
	})
	first := decode[auth.TokenPair](t, raw)

	status, raw = ts.do(t, http.MethodPost, "/workspaces/refresh", "", refreshRequest{RefreshToken: first.RefreshToken})
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", status, raw)
	}
	second := decode[auth.TokenPair](t, raw)
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// The consumed token is dead.
	status, raw = ts.do(t, http.MethodPost, "/workspaces/refresh", "", refreshRequest{RefreshToken: first.RefreshToken})
	if status != http.StatusUnauthorized {
		t.Fatalf("reused refresh status = %d, want 401: %s", status, raw)
	}

	// The rotated token still works.
	status, _ = ts.do(t, http.MethodPost, "/workspaces/refresh", "", refreshRequest{RefreshToken: second.RefreshToken})
	if status != http.StatusOK {
		t.Fatalf("rotated refresh status = %d", status)
	}
}

func TestWorkspaceMeHidesCredentialValues(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)

	ws, secret, err := ts.auth.CreateWorkspace(context.Background(), "secretive", map[string]store.ProviderConfig{
		"codex": {Enabled: true, Credential: &store.ProviderCredential{Type: "api_key", Value: "sk-test-donotleak"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	pair, err := ts.auth.Login(context.Background(), ws.ID, secret)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	status, raw := ts.do(t, http.MethodGet, "/workspaces/me", pair.WorkspaceToken, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, raw)
	}
	if bytes.Contains(raw, []byte("sk-test-donotleak")) {
		t.Fatal("credential value leaked in /workspaces/me response")
	}
	body := decode[workspaceView](t, raw)
	if body.WorkspaceID != ws.ID {
		t.Fatalf("workspaceId = %q, want %q", body.WorkspaceID, ws.ID)
	}
	if got := body.Providers["codex"]; !got.Enabled || got.CredentialKind != "api_key" {
		t.Fatalf("codex provider view = %+v", got)
	}
}

func TestUpdateProvidersGuardsActiveSessions(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	_, token := ts.newWorkspace(t)

	origin := initOriginRepo(t)
	status, raw := ts.do(t, http.MethodPost, "/sessions", token, session.CreateSessionRequest{
		RepoURL:  origin,
		Provider: "codex",
	})
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", status, raw)
	}

	// Disabling the provider in use is refused with the canonical message.
	status, raw = ts.do(t, http.MethodPatch, "/workspaces/providers", token, updateProvidersRequest{
		Providers: map[string]store.ProviderConfig{
			"codex":  {Enabled: false},
			"claude": {Enabled: true},
		},
	})
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", status, raw)
	}
	body := decode[errorBody](t, raw)
	if body.Error != "Provider cannot be disabled: active sessions use it." {
		t.Fatalf("error = %q", body.Error)
	}

	// Disabling an unused provider is fine.
	status, raw = ts.do(t, http.MethodPatch, "/workspaces/providers", token, updateProvidersRequest{
		Providers: map[string]store.ProviderConfig{
			"codex":  {Enabled: true},
			"claude": {Enabled: false},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, raw)
	}
	view := decode[workspaceView](t, raw)
	if view.Providers["claude"].Enabled {
		t.Fatal("claude should be disabled")
	}
}

func TestMonoBootstrapSessionCreate(t *testing.T) {
	ts := newTestServer(t, config.ModeMonoUser)

	var out bytes.Buffer
	ws, err := ts.auth.BootstrapMono(context.Background(), auth.MonoOptions{
		DataRoot:  ts.cfg.Storage.DataRoot,
		PublicURL: ts.cfg.Server.PublicURL,
		Providers: agent.DefaultCatalog().Names(),
		Out:       &out,
	})
	if err != nil {
		t.Fatalf("BootstrapMono: %v", err)
	}

	// The announced handoff URL is the first login; no credentials were
	// collected beforehand.
	line := strings.TrimSpace(out.String())
	rawURL := strings.TrimPrefix(line, "==> Open this URL to authenticate: ")
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse handoff url %q: %v", rawURL, err)
	}
	status, raw := ts.do(t, http.MethodPost, "/sessions/handoff/consume", "", consumeHandoffRequest{Token: parsed.Query().Get("token")})
	if status != http.StatusOK {
		t.Fatalf("consume status = %d: %s", status, raw)
	}
	pair := decode[auth.TokenPair](t, raw)
	if pair.WorkspaceID != ws.ID {
		t.Fatalf("workspaceId = %q, want %q", pair.WorkspaceID, ws.ID)
	}

	// The implicit workspace can host a session right away, defaulting to
	// the first catalog provider.
	origin := initOriginRepo(t)
	status, raw = ts.do(t, http.MethodPost, "/sessions", pair.WorkspaceToken, session.CreateSessionRequest{
		RepoURL: origin,
	})
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", status, raw)
	}
	created := decode[createSessionResponse](t, raw)
	if created.DefaultProvider != "codex" {
		t.Fatalf("defaultProvider = %q, want codex", created.DefaultProvider)
	}
	if len(created.Providers) == 0 || created.Providers[0] != "codex" {
		t.Fatalf("providers = %v, want codex first", created.Providers)
	}
}

func TestHandoffFlow(t *testing.T) {
	ts := newTestServer(t, config.ModeMultiUser)
	wsID, token := ts.newWorkspace(t)

	status, raw := ts.do(t, http.MethodPost, "/sessions/handoff", token, mintHandoffRequest{})
	if status != http.StatusOK {
		t.Fatalf("mint status = %d: %s", status, raw)
	}
	minted := decode[mintHandoffResponse](t, raw)
	if minted.Token == "" || minted.ExpiresAt.IsZero() {
		t.Fatalf("incomplete mint response: %+v", minted)
	}

	// Consuming is public and yields a fresh pair for the same workspace.
	status, raw = ts.do(t, http.MethodPost, "/sessions/handoff/consume", "", consumeHandoffRequest{Token: minted.Token})
	if status != http.StatusOK {
		t.Fatalf("consume status = %d: %s", status, raw)
	}
	pair := decode[auth.TokenPair](t, raw)
	if pair.WorkspaceID != wsID {
		t.Fatalf("workspaceId = %q, want %q", pair.WorkspaceID, wsID)
	}

	// Handoff tokens are one-shot.
	status, raw = ts.do(t, http.MethodPost, "/sessions/handoff/consume", "", consumeHandoffRequest{Token: minted.Token})
	if status != http.StatusConflict {
		t.Fatalf("second consume status = %d, want 409: %s", status, raw)
	}
	body := decode[errorBody](t, raw)
	if body.ErrorType != apperr.TypeHandoffTokenUsed {
		t.Fatalf("error_type = %q, want HANDOFF_TOKEN_USED", body.ErrorType)
	}
}
