package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/internal/workspacefs"
)

// createIDAttempts bounds the retry loop that picks an unused workspace id.
// With 24 hex chars of entropy a collision means stale state, not bad luck.
const createIDAttempts = 5

// TokenPair is the result of every successful authentication flow.
type TokenPair struct {
	WorkspaceID      string `json:"workspaceId"`
	SessionID        string `json:"sessionId,omitempty"`
	WorkspaceToken   string `json:"workspaceToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresIn        int    `json:"expiresIn"`
	RefreshExpiresIn int    `json:"refreshExpiresIn"`
}

// Service owns workspace lifecycle and every authentication flow. All
// methods are safe for concurrent use.
type Service struct {
	store    store.Store
	fs       *workspacefs.Manager
	issuer   *TokenIssuer
	handoffs *HandoffRegistry

	accessTTL  time.Duration
	refreshTTL time.Duration
	monoUser   bool

	monoMu          sync.RWMutex
	monoWorkspaceID string
	monoToken       string

	// createMu serializes workspace creation so id probing and uid
	// allocation cannot interleave.
	createMu sync.Mutex

	log *logger.Logger
}

// NewService wires the auth service against the store and filesystem layers.
func NewService(st store.Store, fs *workspacefs.Manager, issuer *TokenIssuer, handoffs *HandoffRegistry, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		store:      st,
		fs:         fs,
		issuer:     issuer,
		handoffs:   handoffs,
		accessTTL:  cfg.Auth.AccessTTL(),
		refreshTTL: cfg.Auth.RefreshTTL(),
		monoUser:   cfg.MonoUser(),
		log:        log.WithFields(zap.String("component", "auth")),
	}
}

// CreateWorkspace provisions a tenant: id, uid/gid, directory trees, and
// secret. The clear secret is returned exactly once and never stored.
func (s *Service) CreateWorkspace(ctx context.Context, name string, providers map[string]store.ProviderConfig) (*store.Workspace, string, error) {
	name = strings.TrimSpace(name)
	if providers == nil {
		providers = map[string]store.ProviderConfig{}
	}
	if err := validateProviders(providers); err != nil {
		return nil, "", err
	}

	secret, err := mintWorkspaceSecret()
	if err != nil {
		return nil, "", apperr.Internal("failed to mint workspace secret", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", apperr.Internal("failed to hash workspace secret", err)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	id, err := s.pickWorkspaceID(ctx)
	if err != nil {
		return nil, "", err
	}
	uid, err := s.fs.Allocate(id)
	if err != nil {
		if errors.Is(err, workspacefs.ErrUIDExhausted) {
			return nil, "", apperr.New(apperr.TypeIDExhausted, "no free uid left in the configured range")
		}
		return nil, "", apperr.Internal("failed to allocate workspace uid", err)
	}

	ws := &store.Workspace{
		ID:         id,
		Name:       name,
		SecretHash: string(hash),
		UID:        uid,
		GID:        uid,
		Providers:  providers,
		CreatedAt:  time.Now().UTC(),
	}

	// Persist before touching the filesystem: a crash between the two
	// leaves a recoverable record, never an unowned uid-bearing tree.
	if err := s.store.PutWorkspace(ctx, ws); err != nil {
		return nil, "", apperr.Internal("failed to persist workspace", err)
	}
	if err := s.fs.CreateWorkspace(ws); err != nil {
		switch {
		case errors.Is(err, workspacefs.ErrIDTaken):
			return nil, "", apperr.New(apperr.TypeIDTaken, "workspace directory already exists")
		default:
			return nil, "", apperr.Wrap(apperr.TypeIOFailed, "failed to create workspace directories", err)
		}
	}

	_ = s.fs.AppendAudit(ws.ID, "workspace.created", map[string]interface{}{
		"name": ws.Name,
		"uid":  ws.UID,
	})
	s.log.Info("workspace created",
		zap.String("workspace_id", ws.ID),
		zap.Int("uid", ws.UID))
	return ws, secret, nil
}

// pickWorkspaceID returns a fresh workspace id that neither the store nor
// the filesystem knows. Callers hold createMu.
func (s *Service) pickWorkspaceID(ctx context.Context) (string, error) {
	for i := 0; i < createIDAttempts; i++ {
		id, err := store.NewWorkspaceID()
		if err != nil {
			return "", apperr.Internal("failed to generate workspace id", err)
		}
		if _, err := s.store.GetWorkspace(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", apperr.Internal("failed to probe workspace id", err)
		}
		if _, err := os.Stat(s.fs.WorkspaceDir(id)); err == nil {
			continue
		}
		return id, nil
	}
	return "", apperr.New(apperr.TypeIDTaken, "could not pick an unused workspace id")
}

// Login exchanges workspace id and secret for a token pair.
func (s *Service) Login(ctx context.Context, workspaceID, secret string) (*TokenPair, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Forbidden("invalid workspace credentials")
		}
		return nil, apperr.Internal("failed to load workspace", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(ws.SecretHash), []byte(secret)) != nil {
		return nil, apperr.Forbidden("invalid workspace credentials")
	}
	return s.issueTokens(ctx, ws.ID, "", time.Now().UTC())
}

// SetMonoAuth installs the mono-user token and its implicit workspace.
// Called once by the mono bootstrap.
func (s *Service) SetMonoAuth(workspaceID, token string) {
	s.monoMu.Lock()
	s.monoWorkspaceID = workspaceID
	s.monoToken = token
	s.monoMu.Unlock()
}

// LoginMono exchanges the long-lived mono auth token for a token pair.
func (s *Service) LoginMono(ctx context.Context, token string) (*TokenPair, error) {
	s.monoMu.RLock()
	wsID, want := s.monoWorkspaceID, s.monoToken
	s.monoMu.RUnlock()

	if !s.monoUser || want == "" {
		return nil, apperr.New(apperr.TypeMonoAuthTokenInvalid, "mono-user auth is not enabled")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return nil, apperr.New(apperr.TypeMonoAuthTokenInvalid, "invalid mono auth token")
	}
	return s.issueTokens(ctx, wsID, "", time.Now().UTC())
}

// Refresh rotates a refresh token: the presented token is marked used and a
// replacement installed atomically, then a new access token is signed.
// Presenting a rotated token again fails with REFRESH_USED.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	now := time.Now().UTC()
	clear, hash, err := MintRefreshToken()
	if err != nil {
		return nil, apperr.Internal("failed to mint refresh token", err)
	}
	replacement := &store.RefreshToken{
		Hash:      hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}

	old, err := s.store.ConsumeRefreshToken(ctx, HashRefreshToken(refreshToken), replacement)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.New(apperr.TypeRefreshInvalid, "unknown refresh token")
		case errors.Is(err, store.ErrRefreshUsed):
			return nil, apperr.New(apperr.TypeRefreshUsed, "refresh token already used")
		case errors.Is(err, store.ErrRefreshExpired):
			return nil, apperr.New(apperr.TypeRefreshExpired, "refresh token expired")
		}
		return nil, apperr.Internal("failed to rotate refresh token", err)
	}

	access, err := s.issuer.Mint(old.WorkspaceID, now)
	if err != nil {
		return nil, apperr.Internal("failed to sign workspace token", err)
	}
	return &TokenPair{
		WorkspaceID:      old.WorkspaceID,
		WorkspaceToken:   access,
		RefreshToken:     clear,
		ExpiresIn:        int(s.accessTTL / time.Second),
		RefreshExpiresIn: int(s.refreshTTL / time.Second),
	}, nil
}

// VerifyToken validates a workspace access token and returns its workspace
// id. Used by the HTTP bearer middleware and the WebSocket auth frame.
func (s *Service) VerifyToken(token string) (string, error) {
	return s.issuer.Verify(token)
}

// MintHandoff returns a single-use login token for the workspace, optionally
// deep-linking to one of its sessions.
func (s *Service) MintHandoff(ctx context.Context, workspaceID, sessionID string) (string, time.Time, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", time.Time{}, apperr.NotFound("workspace", workspaceID)
		}
		return "", time.Time{}, apperr.Internal("failed to load workspace", err)
	}
	if sessionID != "" {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", time.Time{}, apperr.NotFound("session", sessionID)
			}
			return "", time.Time{}, apperr.Internal("failed to load session", err)
		}
		if sess.WorkspaceID != ws.ID {
			return "", time.Time{}, apperr.Forbidden("session belongs to another workspace")
		}
	}

	token, expiresAt, err := s.handoffs.Mint(ws.ID, sessionID, time.Now().UTC())
	if err != nil {
		return "", time.Time{}, apperr.Internal("failed to mint handoff token", err)
	}
	_ = s.fs.AppendAudit(ws.ID, "handoff.minted", map[string]interface{}{
		"session_id": sessionID,
		"expires_at": expiresAt,
	})
	return token, expiresAt, nil
}

// RedeemHandoff consumes a handoff token and issues a token pair carrying
// the session the token was minted for, if any.
func (s *Service) RedeemHandoff(ctx context.Context, token string) (*TokenPair, error) {
	now := time.Now().UTC()
	workspaceID, sessionID, err := s.handoffs.Redeem(token, now)
	if err != nil {
		return nil, err
	}
	pair, err := s.issueTokens(ctx, workspaceID, sessionID, now)
	if err != nil {
		return nil, err
	}
	_ = s.fs.AppendAudit(workspaceID, "handoff.redeemed", map[string]interface{}{
		"session_id": sessionID,
	})
	return pair, nil
}

// UpdateProviders replaces the workspace's provider map and re-materializes
// credential files. Disabling a provider is rejected while any of the
// workspace's sessions or worktrees still uses it.
func (s *Service) UpdateProviders(ctx context.Context, workspaceID string, providers map[string]store.ProviderConfig) (*store.Workspace, error) {
	if providers == nil {
		providers = map[string]store.ProviderConfig{}
	}
	if err := validateProviders(providers); err != nil {
		return nil, err
	}

	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("workspace", workspaceID)
		}
		return nil, apperr.Internal("failed to load workspace", err)
	}

	disabled := map[string]bool{}
	for name, cfg := range ws.Providers {
		if !cfg.Enabled {
			continue
		}
		if next, ok := providers[name]; !ok || !next.Enabled {
			disabled[name] = true
		}
	}
	if len(disabled) > 0 {
		if err := s.ensureProvidersUnused(ctx, workspaceID, disabled); err != nil {
			return nil, err
		}
	}

	ws.Providers = providers
	if err := s.store.PutWorkspace(ctx, ws); err != nil {
		return nil, apperr.Internal("failed to persist workspace", err)
	}
	if err := s.fs.WriteCredentials(ws); err != nil {
		return nil, apperr.Wrap(apperr.TypeIOFailed, "failed to materialize credentials", err)
	}
	if err := s.fs.UpdateMetadata(ws); err != nil {
		return nil, apperr.Wrap(apperr.TypeIOFailed, "failed to update workspace metadata", err)
	}

	_ = s.fs.AppendAudit(ws.ID, "providers.updated", map[string]interface{}{
		"enabled": ws.EnabledProviders(),
	})
	s.log.Info("workspace providers updated",
		zap.String("workspace_id", ws.ID),
		zap.Strings("enabled", ws.EnabledProviders()))
	return ws, nil
}

// ensureProvidersUnused refuses (403) when any session or worktree of the
// workspace still runs on one of the named providers.
func (s *Service) ensureProvidersUnused(ctx context.Context, workspaceID string, names map[string]bool) error {
	sessions, err := s.store.ListSessions(ctx, workspaceID)
	if err != nil {
		return apperr.Internal("failed to list sessions", err)
	}
	for _, sess := range sessions {
		if names[sess.ActiveProvider] {
			return apperr.Forbidden("Provider cannot be disabled: active sessions use it.")
		}
		worktrees, err := s.store.ListWorktrees(ctx, sess.ID)
		if err != nil {
			return apperr.Internal("failed to list worktrees", err)
		}
		for _, wt := range worktrees {
			if names[wt.Provider] {
				return apperr.Forbidden("Provider cannot be disabled: active sessions use it.")
			}
		}
	}
	return nil
}

// issueTokens signs an access token and persists a fresh refresh token.
func (s *Service) issueTokens(ctx context.Context, workspaceID, sessionID string, now time.Time) (*TokenPair, error) {
	access, err := s.issuer.Mint(workspaceID, now)
	if err != nil {
		return nil, apperr.Internal("failed to sign workspace token", err)
	}
	clear, hash, err := MintRefreshToken()
	if err != nil {
		return nil, apperr.Internal("failed to mint refresh token", err)
	}
	record := &store.RefreshToken{
		Hash:        hash,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}
	if err := s.store.PutRefreshToken(ctx, record); err != nil {
		return nil, apperr.Internal("failed to persist refresh token", err)
	}
	return &TokenPair{
		WorkspaceID:      workspaceID,
		SessionID:        sessionID,
		WorkspaceToken:   access,
		RefreshToken:     clear,
		ExpiresIn:        int(s.accessTTL / time.Second),
		RefreshExpiresIn: int(s.refreshTTL / time.Second),
	}, nil
}

// validateProviders checks the shape of a provider map: known credential
// types, non-empty values, and decodable auth blobs. Which provider names
// exist is the agent catalog's concern, not enforced here.
func validateProviders(providers map[string]store.ProviderConfig) error {
	for name, cfg := range providers {
		if strings.TrimSpace(name) == "" {
			return apperr.Validation("provider name must not be empty")
		}
		cred := cfg.Credential
		if cred == nil {
			continue
		}
		switch cred.Type {
		case store.CredentialAPIKey, store.CredentialAuthJSON, store.CredentialSetupToken:
		default:
			return apperr.Newf(apperr.TypeValidation, "unknown credential type %q for provider %q", cred.Type, name)
		}
		if cred.Value == "" {
			return apperr.Newf(apperr.TypeValidation, "credential for provider %q has no value", name)
		}
		if cred.Type == store.CredentialAuthJSON {
			if _, err := base64.StdEncoding.DecodeString(cred.Value); err != nil {
				return apperr.Newf(apperr.TypeValidation, "credential for provider %q is not valid base64", name)
			}
		}
	}
	return nil
}

// mintWorkspaceSecret returns a 32-byte random secret, URL-safe encoded.
func mintWorkspaceSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate workspace secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
