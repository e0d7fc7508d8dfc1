package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/store"
)

// WorktreeHandlers serves worktree lifecycle and turn operations.
type WorktreeHandlers struct {
	sessions *session.Manager
	log      *logger.Logger
}

func NewWorktreeHandlers(mgr *session.Manager, log *logger.Logger) *WorktreeHandlers {
	return &WorktreeHandlers{
		sessions: mgr,
		log:      log.WithFields(zap.String("component", "worktree-handlers")),
	}
}

func RegisterWorktreeRoutes(authed *gin.RouterGroup, mgr *session.Manager, log *logger.Logger) {
	h := NewWorktreeHandlers(mgr, log)

	authed.GET("/sessions/:id/worktrees", h.listWorktrees)
	authed.POST("/sessions/:id/worktrees", h.createWorktree)
	authed.GET("/sessions/:id/worktrees/:wt", h.getWorktree)
	authed.PATCH("/sessions/:id/worktrees/:wt", h.updateWorktree)
	authed.DELETE("/sessions/:id/worktrees/:wt", h.deleteWorktree)

	authed.POST("/sessions/:id/worktrees/:wt/messages", h.sendMessage)
	authed.POST("/sessions/:id/worktrees/:wt/interrupt", h.interruptTurn)
	authed.POST("/sessions/:id/worktrees/:wt/wakeup", h.wakeup)
}

type listWorktreesResponse struct {
	Worktrees []*store.Worktree `json:"worktrees"`
	Total     int               `json:"total"`
}

func (h *WorktreeHandlers) listWorktrees(c *gin.Context) {
	worktrees, err := h.sessions.ListWorktrees(c.Request.Context(), workspaceID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, listWorktreesResponse{Worktrees: worktrees, Total: len(worktrees)})
}

func (h *WorktreeHandlers) createWorktree(c *gin.Context) {
	var body session.CreateWorktreeRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	wt, err := h.sessions.CreateWorktree(c.Request.Context(), workspaceID(c), c.Param("id"), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, wt)
}

func (h *WorktreeHandlers) getWorktree(c *gin.Context) {
	wt, err := h.sessions.GetWorktree(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (h *WorktreeHandlers) updateWorktree(c *gin.Context) {
	var body session.UpdateWorktreeRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	wt, err := h.sessions.UpdateWorktree(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (h *WorktreeHandlers) deleteWorktree(c *gin.Context) {
	err := h.sessions.DeleteWorktree(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

type sendMessageRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

type sendMessageResponse struct {
	TurnID string `json:"turnId"`
	Status string `json:"status"`
}

// sendMessage queues one user turn. The transcript and turn lifecycle flow
// over the WebSocket stream; the response only acknowledges acceptance.
func (h *WorktreeHandlers) sendMessage(c *gin.Context) {
	var body sendMessageRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	turnID, err := h.sessions.SendMessage(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"), body.Text, body.Attachments)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sendMessageResponse{TurnID: turnID, Status: "queued"})
}

type interruptRequest struct {
	TurnID string `json:"turnId,omitempty"`
}

func (h *WorktreeHandlers) interruptTurn(c *gin.Context) {
	var body interruptRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, h.log, &body) {
		return
	}
	err := h.sessions.InterruptTurn(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"), body.TurnID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

type wakeupRequest struct {
	WaitSeconds int `json:"waitSeconds,omitempty"`
}

type wakeupResponse struct {
	State string `json:"state"`
}

func (h *WorktreeHandlers) wakeup(c *gin.Context) {
	var body wakeupRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, h.log, &body) {
		return
	}
	state, err := h.sessions.Wakeup(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"), body.WaitSeconds)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, wakeupResponse{State: string(state)})
}
