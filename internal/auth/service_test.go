package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/internal/store/sqlite"
	"github.com/vibe80/vibe80/internal/workspacefs"
)

type authFixture struct {
	svc      *Service
	store    store.Store
	fs       *workspacefs.Manager
	dataRoot string
}

func setupAuth(t *testing.T) *authFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	dir := t.TempDir()
	st, err := sqlite.New(filepath.Join(dir, "vibe80.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dataRoot := filepath.Join(dir, "data")
	fs := workspacefs.NewManager(dataRoot, filepath.Join(dir, "home"), 20000, 20010, log)
	issuer, err := NewTokenIssuer(filepath.Join(dir, "jwt.key"), 15*time.Minute)
	require.NoError(t, err)

	cfg := &config.Config{
		Deployment: config.DeploymentConfig{Mode: config.ModeMonoUser},
		Auth:       config.AuthConfig{AccessTokenTTL: 900, RefreshTokenTTL: 3600},
	}
	svc := NewService(st, fs, issuer, NewHandoffRegistry(30*time.Second), cfg, log)
	return &authFixture{svc: svc, store: st, fs: fs, dataRoot: dataRoot}
}

func TestCreateWorkspaceAndLogin(t *testing.T) {
	fx := setupAuth(t)
	ctx := context.Background()

	ws, secret, err := fx.svc.CreateWorkspace(ctx, "acme", nil)
	require.NoError(t, err)
	assert.True(t, store.ValidWorkspaceID(ws.ID))
	assert.NotEmpty(t, secret)
	assert.Equal(t, ws.UID, ws.GID)

	// The secret is stored hashed only.
	persisted, err := fx.store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.NotEqual(t, secret, persisted.SecretHash)
	assert.True(t, strings.HasPrefix(persisted.SecretHash, "$2"))

	pair, err := fx.svc.Login(ctx, ws.ID, secret)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, pair.WorkspaceID)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, 900, pair.ExpiresIn)

	wsID, err := fx.svc.VerifyToken(pair.WorkspaceToken)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, wsID)

	_, err = fx.svc.Login(ctx, ws.ID, "wrong-secret")
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeForbidden))

	_, err = fx.svc.Login(ctx, "w000000000000000000000000", secret)
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeForbidden))
}

func TestCreateWorkspaceUniqueUIDs(t *testing.T) {
	fx := setupAuth(t)
	ctx := context.Background()

	wsA, _, err := fx.svc.CreateWorkspace(ctx, "a", nil)
	require.NoError(t, err)
	wsB, _, err := fx.svc.CreateWorkspace(ctx, "b", nil)
	require.NoError(t, err)

	assert.NotEqual(t, wsA.ID, wsB.ID)
	assert.NotEqual(t, wsA.UID, wsB.UID)
}

func TestRefreshRotation(t *testing.T) {
	fx := setupAuth(t)
	ctx := context.Background()

	ws, secret, err := fx.svc.CreateWorkspace(ctx, "acme", nil)
	require.NoError(t, err)
	pair, err := fx.svc.Login(ctx, ws.ID, secret)
	require.NoError(t, err)

	rotated, err := fx.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, rotated.WorkspaceID)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The rotated-out token is burned.
	_, err = fx.svc.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeRefreshUsed))

	// The replacement works and belongs to the same workspace.
	again, err := fx.svc.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, again.WorkspaceID)

	_, err = fx.svc.Refresh(ctx, "no-such-token")
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeRefreshInvalid))
}

func TestMonoLogin(t *testing.T) {
	fx := setupAuth(t)
	ctx := context.Background()

	_, err := fx.svc.LoginMono(ctx, "anything")
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeMonoAuthTokenInvalid))

	ws, _, err := fx.svc.CreateWorkspace(ctx, "default", nil)
	require.NoError(t, err)
	fx.svc.SetMonoAuth(ws.ID, "mono-token")

	pair, err := fx.svc.LoginMono(ctx, "mono-token")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, pair.WorkspaceID)

	_, err = fx.svc.LoginMono(ctx, "wrong")
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeMonoAuthTokenInvalid))
}

func TestHandoffFlow(t *testing.T) {
	fx := setupAuth(t)
	ctx := context.Background()

	ws, _, err := fx.svc.CreateWorkspace(ctx, "acme", nil)
	require.NoError(t, err)

	t.Run("workspace-only handoff", func(t *testing.T) {
		token, expiresAt, err := fx.svc.MintHandoff(ctx, ws.ID, "")
		require.NoError(t, err)
		assert.True(t, expiresAt.After(time.Now()))

		pair, err := fx.svc.RedeemHandoff(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, ws.ID, pair.WorkspaceID)
		assert.Empty(t, pair.SessionID)

		_, err = fx.svc.RedeemHandoff(ctx, token)
		require.Error(t, err)
		assert.True(t, apperr.IsType(err, apperr.TypeHandoffTokenUsed))
	})

	t.Run("session deep link", func(t *testing.T) {
		sessID, err := store.NewSessionID()
		require.NoError(t, err)
		require.NoError(t, fx.store.SaveSession(ctx, &store.Session{
			ID:          sessID,
			WorkspaceID: ws.ID,
			RepoURL:     "https://example.com/repo.git",
			CreatedAt:   time.Now().UTC(),
		}))

		token, _, err := fx.svc.MintHandoff(ctx, ws.ID, sessID)
		require.NoError(t, err)
		pair, err := fx.svc.RedeemHandoff(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, sessID, pair.SessionID)
	})

	t.Run("foreign session rejected", func(t *testing.T) {
		other, _, err := fx.svc.CreateWorkspace(ctx, "other", nil)
		require.NoError(t, err)
		sessID, err := store.NewSessionID()
		require.NoError(t, err)
		require.NoError(t, fx.store.SaveSession(ctx, &store.Session{
			ID:          sessID,
			WorkspaceID: other.ID,
			RepoURL:     "https://example.com/repo.git",
			CreatedAt:   time.Now().UTC(),
		}))

		_, _, err = fx.svc.MintHandoff(ctx, ws.ID, sessID)
		require.Error(t, err)
		assert.True(t, apperr.IsType(err, apperr.TypeForbidden))
	})

	t.Run("unknown workspace", func(t *testing.T) {
		_, _, err := fx.svc.MintHandoff(ctx, "w000000000000000000000000", "")
		require.Error(t, err)
		assert.True(t, apperr.IsType(err, apperr.TypeNotFound))
	})
}

func TestUpdateProviders(t *testing.T) {
	fx := setupAuth(t)
	ctx := context.Background()

	blob := base64.StdEncoding.EncodeToString([]byte(`{"token":"x"}`))
	providers := map[string]store.ProviderConfig{
		"codex": {Enabled: true, Credential: &store.ProviderCredential{
			Type: store.CredentialAPIKey, Value: "sk-test",
		}},
		"claude": {Enabled: true, Credential: &store.ProviderCredential{
			Type: store.CredentialAuthJSON, Value: blob,
		}},
	}
	ws, _, err := fx.svc.CreateWorkspace(ctx, "acme", providers)
	require.NoError(t, err)

	// auth_json_b64 is materialized where the CLI expects it.
	credPath := filepath.Join(fx.fs.HomeDir(ws.ID), ".claude", ".credentials.json")
	data, err := os.ReadFile(credPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"x"}`, string(data))

	t.Run("disable blocked while sessions use the provider", func(t *testing.T) {
		sessID, err := store.NewSessionID()
		require.NoError(t, err)
		require.NoError(t, fx.store.SaveSession(ctx, &store.Session{
			ID:             sessID,
			WorkspaceID:    ws.ID,
			RepoURL:        "https://example.com/repo.git",
			ActiveProvider: "codex",
			CreatedAt:      time.Now().UTC(),
		}))

		next := map[string]store.ProviderConfig{
			"codex":  {Enabled: false},
			"claude": providers["claude"],
		}
		_, err = fx.svc.UpdateProviders(ctx, ws.ID, next)
		require.Error(t, err)
		assert.True(t, apperr.IsType(err, apperr.TypeConflict))
		assert.Contains(t, err.Error(), "Provider cannot be disabled")

		require.NoError(t, fx.store.DeleteSession(ctx, sessID))
		updated, err := fx.svc.UpdateProviders(ctx, ws.ID, next)
		require.NoError(t, err)
		assert.False(t, updated.Providers["codex"].Enabled)
	})

	t.Run("worktree provider blocks too", func(t *testing.T) {
		sessID, err := store.NewSessionID()
		require.NoError(t, err)
		require.NoError(t, fx.store.SaveSession(ctx, &store.Session{
			ID:             sessID,
			WorkspaceID:    ws.ID,
			RepoURL:        "https://example.com/repo.git",
			ActiveProvider: "codex",
			CreatedAt:      time.Now().UTC(),
		}))
		require.NoError(t, fx.store.SaveWorktree(ctx, &store.Worktree{
			ID:         store.MainWorktreeID,
			SessionID:  sessID,
			BranchName: "main",
			Provider:   "claude",
			Status:     store.WorktreeStatusReady,
			CreatedAt:  time.Now().UTC(),
		}))

		next := map[string]store.ProviderConfig{
			"codex":  providers["codex"],
			"claude": {Enabled: false},
		}
		_, err = fx.svc.UpdateProviders(ctx, ws.ID, next)
		require.Error(t, err)
		assert.True(t, apperr.IsType(err, apperr.TypeConflict))
	})

	t.Run("rejects malformed credentials", func(t *testing.T) {
		_, err := fx.svc.UpdateProviders(ctx, ws.ID, map[string]store.ProviderConfig{
			"codex": {Enabled: true, Credential: &store.ProviderCredential{
				Type: "password", Value: "x",
			}},
		})
		require.Error(t, err)
		assert.True(t, apperr.IsType(err, apperr.TypeValidation))

		_, err = fx.svc.UpdateProviders(ctx, ws.ID, map[string]store.ProviderConfig{
			"claude": {Enabled: true, Credential: &store.ProviderCredential{
				Type: store.CredentialAuthJSON, Value: "%%% not base64 %%%",
			}},
		})
		require.Error(t, err)
		assert.True(t, apperr.IsType(err, apperr.TypeValidation))
	})
}

func TestBootstrapMono(t *testing.T) {
	fx := setupAuth(t)
	ctx := context.Background()

	var out bytes.Buffer
	urlFile := filepath.Join(fx.dataRoot, "handoff.url")
	ws, err := fx.svc.BootstrapMono(ctx, MonoOptions{
		DataRoot:  fx.dataRoot,
		PublicURL: "http://localhost:8080",
		Providers: []string{"codex", "claude"},
		URLFile:   urlFile,
		Out:       &out,
	})
	require.NoError(t, err)
	require.NotNil(t, ws)

	// The implicit workspace comes up ready for sessions: every catalog
	// provider enabled, no credentials collected.
	assert.ElementsMatch(t, []string{"codex", "claude"}, ws.EnabledProviders())
	for name, cfg := range ws.Providers {
		assert.Nil(t, cfg.Credential, "provider %s should have no credential", name)
	}

	// The mono token lands on disk, owner-readable only.
	info, err := os.Stat(filepath.Join(fx.dataRoot, monoTokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	line := out.String()
	require.True(t, strings.HasPrefix(line, "==> Open this URL to authenticate: "), line)
	rawURL := strings.TrimSpace(strings.TrimPrefix(line, "==> Open this URL to authenticate: "))
	assert.True(t, strings.HasPrefix(rawURL, "http://localhost:8080/handoff?token="))

	fromFile, err := os.ReadFile(urlFile)
	require.NoError(t, err)
	assert.Equal(t, rawURL, strings.TrimSpace(string(fromFile)))

	// The announced handoff token redeems against the implicit workspace.
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	pair, err := fx.svc.RedeemHandoff(ctx, parsed.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, ws.ID, pair.WorkspaceID)

	// The mono token from disk logs in.
	tokenBytes, err := os.ReadFile(filepath.Join(fx.dataRoot, monoTokenFile))
	require.NoError(t, err)
	monoPair, err := fx.svc.LoginMono(ctx, strings.TrimSpace(string(tokenBytes)))
	require.NoError(t, err)
	assert.Equal(t, ws.ID, monoPair.WorkspaceID)

	// A restart reuses the workspace and the token.
	var out2 bytes.Buffer
	ws2, err := fx.svc.BootstrapMono(ctx, MonoOptions{
		DataRoot:  fx.dataRoot,
		PublicURL: "http://localhost:8080",
		Out:       &out2,
	})
	require.NoError(t, err)
	assert.Equal(t, ws.ID, ws2.ID)

	all, err := fx.store.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
