package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/session"
)

// GitHandlers serves the read-only git surface and the branch/merge
// operations on sessions and worktrees.
type GitHandlers struct {
	sessions *session.Manager
	log      *logger.Logger
}

func NewGitHandlers(mgr *session.Manager, log *logger.Logger) *GitHandlers {
	return &GitHandlers{
		sessions: mgr,
		log:      log.WithFields(zap.String("component", "git-handlers")),
	}
}

func RegisterGitRoutes(authed *gin.RouterGroup, mgr *session.Manager, log *logger.Logger) {
	h := NewGitHandlers(mgr, log)

	authed.GET("/sessions/:id/branches", h.listBranches)
	authed.POST("/sessions/:id/branches/switch", h.switchBranch)
	authed.POST("/sessions/:id/git/identity", h.setIdentity)

	authed.GET("/sessions/:id/worktrees/:wt/diff", h.diff)
	authed.GET("/sessions/:id/worktrees/:wt/commits", h.commits)
	authed.GET("/sessions/:id/worktrees/:wt/status", h.status)
	authed.POST("/sessions/:id/worktrees/:wt/merge", h.merge)
	authed.POST("/sessions/:id/worktrees/:wt/abort-merge", h.abortMerge)
	authed.POST("/sessions/:id/worktrees/:wt/cherry-pick", h.cherryPick)
}

type listBranchesResponse struct {
	Branches []session.Branch `json:"branches"`
}

func (h *GitHandlers) listBranches(c *gin.Context) {
	branches, err := h.sessions.ListBranches(c.Request.Context(), workspaceID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, listBranchesResponse{Branches: branches})
}

type switchBranchRequest struct {
	Branch string `json:"branch"`
}

func (h *GitHandlers) switchBranch(c *gin.Context) {
	var body switchBranchRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	if err := h.sessions.SwitchBranch(c.Request.Context(), workspaceID(c), c.Param("id"), body.Branch); err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

type gitIdentityRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *GitHandlers) setIdentity(c *gin.Context) {
	var body gitIdentityRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	if err := h.sessions.SetGitIdentity(c.Request.Context(), workspaceID(c), c.Param("id"), body.Name, body.Email); err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

type diffResponse struct {
	Diff string `json:"diff"`
}

func (h *GitHandlers) diff(c *gin.Context) {
	diff, err := h.sessions.WorktreeUnifiedDiff(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, diffResponse{Diff: diff})
}

type commitsResponse struct {
	Commits []session.Commit `json:"commits"`
}

func (h *GitHandlers) commits(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, h.log, apperr.Validation("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	commits, err := h.sessions.WorktreeCommits(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, commitsResponse{Commits: commits})
}

type statusResponse struct {
	Entries []session.StatusEntry `json:"entries"`
}

func (h *GitHandlers) status(c *gin.Context) {
	entries, err := h.sessions.WorktreeStatusEntries(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Entries: entries})
}

func (h *GitHandlers) merge(c *gin.Context) {
	if err := h.sessions.MergeWorktree(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt")); err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

// abortMerge acts on the session's primary working copy; the worktree in
// the path names the merge that was attempted.
func (h *GitHandlers) abortMerge(c *gin.Context) {
	if err := h.sessions.AbortMerge(c.Request.Context(), workspaceID(c), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}

type cherryPickRequest struct {
	SHA string `json:"sha"`
}

func (h *GitHandlers) cherryPick(c *gin.Context) {
	var body cherryPickRequest
	if !bindJSON(c, h.log, &body) {
		return
	}
	err := h.sessions.CherryPick(c.Request.Context(), workspaceID(c), c.Param("id"), c.Param("wt"), body.SHA)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	respondSuccess(c)
}
