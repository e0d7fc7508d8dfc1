package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/store"
)

// SessionHandlers serves session lifecycle, backlog, provider, and model
// operations. Every call is scoped by the authenticated workspace.
type SessionHandlers struct {
	sessions *session.Manager
	log      *logger.Logger
}

func NewSessionHandlers(mgr *session.Manager, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions: mgr,
		log:      log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterSessionRoutes(authed *gin.RouterGroup, mgr *session.Manager, log *logger.Logger) {
	h := NewSessionHandlers(mgr, log)

	authed.GET("/sessions", h.listSessions)
	authed.POST("/sessions", h.createSession)
	authed.GET("/sessions/:id", h.getSession)
	authed.DELETE("/sessions/:id", h.deleteSession)
	authed.POST("/sessions/:id/clear", h.clearMessages)

	authed.GET("/sessions/:id/backlog", h.listBacklog)
	authed.POST("/sessions/:id/backlog", h.addBacklogItem)
	authed.DELETE("/sessions/:id/backlog/:itemId", h.removeBacklogItem)

	authed.POST("/sessions/:id/provider", h.switchProvider)
	authed.GET("/sessions/:id/rpclog", h.rpcLog)
	authed.GET("/sessions/:id/models", h.listModels)
	authed.POST("/sessions/:id/models", h.setModel)
}

type listSessionsResponse struct {
	Sessions []*store.Session `json:"sessions"`
	Total    int              `json:"total"`
}

func (h *SessionHandlers) listSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context(), workspaceID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, listSessionsResponse{Sessions: sessions, Total: len(sessions)})
}

type createSessionResponse struct {
	SessionID       string   `json:"sessionId"`
	Name            string   `json:"name"`
	Path            string   `json:"path"`
	DefaultProvider string   `json:"defaultProvider"`
	Providers       []string `json:"providers"`
}

func (h *SessionHandlers) createSession(c *gin.Context) {
	var body session.CreateSessionRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), workspaceID(c), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		Name:            sess.Name,
		Path:            sess.RepoDir,
		DefaultProvider: sess.ActiveProvider,
		Providers:       sess.Providers,
	})
}

func (h *SessionHandlers) getSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), workspaceID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) deleteSession(c *gin.Context) {
	if err := h.sessions.DeleteSession(c.Request.Context(), workspaceID(c), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

// clearMessages wipes the main worktree's transcript, or the worktree named
// by ?worktreeId=.
func (h *SessionHandlers) clearMessages(c *gin.Context) {
	worktreeID := c.Query("worktreeId")
	if worktreeID == "" {
		worktreeID = store.MainWorktreeID
	}
	if err := h.sessions.ClearMessages(c.Request.Context(), workspaceID(c), c.Param("id"), worktreeID); err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

type backlogResponse struct {
	Items []store.BacklogItem `json:"items"`
}

func (h *SessionHandlers) listBacklog(c *gin.Context) {
	items, err := h.sessions.ListBacklog(c.Request.Context(), workspaceID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, backlogResponse{Items: items})
}

type addBacklogRequest struct {
	Text string `json:"text"`
}

func (h *SessionHandlers) addBacklogItem(c *gin.Context) {
	var body addBacklogRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	item, err := h.sessions.AddBacklogItem(c.Request.Context(), workspaceID(c), c.Param("id"), body.Text)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *SessionHandlers) removeBacklogItem(c *gin.Context) {
	err := h.sessions.RemoveBacklogItem(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("itemId"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

type switchProviderRequest struct {
	Provider string `json:"provider"`
}

func (h *SessionHandlers) switchProvider(c *gin.Context) {
	var body switchProviderRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	sess, err := h.sessions.SwitchProvider(c.Request.Context(), workspaceID(c), c.Param("id"), body.Provider)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type rpcLogResponse struct {
	Entries []agent.RPCEntry `json:"entries"`
}

func (h *SessionHandlers) rpcLog(c *gin.Context) {
	entries, err := h.sessions.RPCLogSnapshot(c.Request.Context(), workspaceID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rpcLogResponse{Entries: entries})
}

type listModelsResponse struct {
	Models     []agent.Model `json:"models"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

func (h *SessionHandlers) listModels(c *gin.Context) {
	pageSize := 0
	if raw := c.Query("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, h.log, apperr.Validation("pageSize must be a non-negative integer"))
			return
		}
		pageSize = parsed
	}
	models, next, err := h.sessions.ListModels(c.Request.Context(), workspaceID(c), c.Param("id"), c.Query("cursor"), pageSize)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, listModelsResponse{Models: models, NextCursor: next})
}

type setModelRequest struct {
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

func (h *SessionHandlers) setModel(c *gin.Context) {
	var body setModelRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	wt, err := h.sessions.SetSessionModel(c.Request.Context(), workspaceID(c), c.Param("id"), body.Model, body.ReasoningEffort)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}
