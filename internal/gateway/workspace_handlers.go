package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/store"
)

// WorkspaceHandlers serves workspace lifecycle and every token flow.
type WorkspaceHandlers struct {
	auth      *auth.Service
	store     store.Store
	multiUser bool
	log       *logger.Logger
}

func NewWorkspaceHandlers(svc *auth.Service, st store.Store, multiUser bool, log *logger.Logger) *WorkspaceHandlers {
	return &WorkspaceHandlers{
		auth:      svc,
		store:     st,
		multiUser: multiUser,
		log:       log.WithFields(zap.String("component", "workspace-handlers")),
	}
}

// RegisterWorkspaceRoutes wires the public auth flows onto the root router
// and the workspace-scoped routes onto the authed group.
func RegisterWorkspaceRoutes(router *gin.Engine, authed *gin.RouterGroup, svc *auth.Service, st store.Store, mono bool, log *logger.Logger) {
	h := NewWorkspaceHandlers(svc, st, !mono, log)

	router.POST("/workspaces", h.createWorkspace)
	router.POST("/workspaces/login", h.login)
	router.POST("/workspaces/refresh", h.refresh)
	router.POST("/sessions/handoff/consume", h.consumeHandoff)

	authed.GET("/workspaces/me", h.me)
	authed.PATCH("/workspaces/providers", h.updateProviders)
	authed.POST("/sessions/handoff", h.mintHandoff)
}

// providerView is a credential-free projection of a provider config.
type providerView struct {
	Enabled        bool   `json:"enabled"`
	CredentialKind string `json:"credentialKind,omitempty"`
}

// workspaceView is the workspace shape handed to clients. Secrets and
// credential values never appear in it.
type workspaceView struct {
	WorkspaceID string                  `json:"workspaceId"`
	Name        string                  `json:"name,omitempty"`
	UID         int                     `json:"uid"`
	GID         int                     `json:"gid"`
	Providers   map[string]providerView `json:"providers"`
	CreatedAt   time.Time               `json:"createdAt"`
}

func toWorkspaceView(ws *store.Workspace) workspaceView {
	providers := make(map[string]providerView, len(ws.Providers))
	for name, cfg := range ws.Providers {
		view := providerView{Enabled: cfg.Enabled}
		if cfg.Credential != nil {
			view.CredentialKind = cfg.Credential.Type
		}
		providers[name] = view
	}
	return workspaceView{
		WorkspaceID: ws.ID,
		Name:        ws.Name,
		UID:         ws.UID,
		GID:         ws.GID,
		Providers:   providers,
		CreatedAt:   ws.CreatedAt,
	}
}

type createWorkspaceRequest struct {
	Name      string                          `json:"name,omitempty"`
	Providers map[string]store.ProviderConfig `json:"providers,omitempty"`
}

type createWorkspaceResponse struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
	Secret      string `json:"secret"`
	UID         int    `json:"uid"`
	GID         int    `json:"gid"`
}

// createWorkspace provisions a tenant. The clear secret appears in this
// response and nowhere else.
func (h *WorkspaceHandlers) createWorkspace(c *gin.Context) {
	if !h.multiUser {
		respondError(c, h.log, apperr.Forbidden("workspace creation is disabled in mono-user mode"))
		return
	}
	var body createWorkspaceRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	ws, secret, err := h.auth.CreateWorkspace(c.Request.Context(), body.Name, body.Providers)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, createWorkspaceResponse{
		WorkspaceID: ws.ID,
		Name:        ws.Name,
		Secret:      secret,
		UID:         ws.UID,
		GID:         ws.GID,
	})
}

type loginRequest struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	Secret      string `json:"secret,omitempty"`
	// Token is the mono auth token alternative to id+secret.
	Token string `json:"token,omitempty"`
}

func (h *WorkspaceHandlers) login(c *gin.Context) {
	var body loginRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	var (
		pair *auth.TokenPair
		err  error
	)
	if body.Token != "" {
		pair, err = h.auth.LoginMono(c.Request.Context(), body.Token)
	} else {
		pair, err = h.auth.Login(c.Request.Context(), body.WorkspaceID, body.Secret)
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *WorkspaceHandlers) refresh(c *gin.Context) {
	var body refreshRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	pair, err := h.auth.Refresh(c.Request.Context(), body.RefreshToken)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *WorkspaceHandlers) me(c *gin.Context) {
	ws, err := h.store.GetWorkspace(c.Request.Context(), workspaceID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if ws == nil {
		respondError(c, h.log, apperr.NotFound("workspace", workspaceID(c)))
		return
	}
	c.JSON(http.StatusOK, toWorkspaceView(ws))
}

type updateProvidersRequest struct {
	Providers map[string]store.ProviderConfig `json:"providers"`
}

func (h *WorkspaceHandlers) updateProviders(c *gin.Context) {
	var body updateProvidersRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	ws, err := h.auth.UpdateProviders(c.Request.Context(), workspaceID(c), body.Providers)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, toWorkspaceView(ws))
}

type mintHandoffRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

type mintHandoffResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *WorkspaceHandlers) mintHandoff(c *gin.Context) {
	var body mintHandoffRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, h.log, &body) {
		return
	}
	token, expiresAt, err := h.auth.MintHandoff(c.Request.Context(), workspaceID(c), body.SessionID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, mintHandoffResponse{Token: token, ExpiresAt: expiresAt})
}

type consumeHandoffRequest struct {
	Token string `json:"token"`
}

func (h *WorkspaceHandlers) consumeHandoff(c *gin.Context) {
	var body consumeHandoffRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	pair, err := h.auth.RedeemHandoff(c.Request.Context(), body.Token)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}
