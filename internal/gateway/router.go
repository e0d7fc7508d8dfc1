// Package gateway is the HTTP surface: a gin router exposing workspace,
// session, and worktree operations plus the /ws realtime endpoint. Handlers
// stay thin; every decision lives in the auth service or the session
// manager, and errors cross the wire as {error, error_type} envelopes.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/broadcast"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/gateway/ws"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/internal/version"
)

const serverName = "vibe80"

// Deps bundles the services the HTTP surface fronts.
type Deps struct {
	Config      *config.Config
	Auth        *auth.Service
	Sessions    *session.Manager
	Broadcaster *broadcast.Broadcaster
	Store       store.Store
	Log         *logger.Logger
}

// NewRouter assembles the gin engine: recovery, request logging, tracing,
// CORS, the public routes, and the bearer-scoped API.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(deps.Log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(cors.New(corsConfig()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": serverName,
			"version": version.Version,
		})
	})

	authed := router.Group("")
	authed.Use(bearerAuth(deps.Auth))

	RegisterWorkspaceRoutes(router, authed, deps.Auth, deps.Store, deps.Config.MonoUser(), deps.Log)
	RegisterSessionRoutes(authed, deps.Sessions, deps.Log)
	RegisterWorktreeRoutes(authed, deps.Sessions, deps.Log)
	RegisterGitRoutes(authed, deps.Sessions, deps.Log)

	ws.RegisterRoutes(router, ws.Deps{
		Auth:         deps.Auth,
		Sessions:     deps.Sessions,
		Broadcaster:  deps.Broadcaster,
		PingInterval: time.Duration(deps.Config.Broadcast.PingInterval) * time.Second,
		PongGrace:    time.Duration(deps.Config.Broadcast.PongGrace) * time.Second,
		QueueSize:    deps.Config.Broadcast.QueueSize,
		Log:          deps.Log,
	})

	return router
}

// corsConfig allows browser frontends on any origin, including the headers a
// WebSocket upgrade negotiation carries.
func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowMethods = []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{
		"Origin", "Content-Type", "Authorization",
		"Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol",
	}
	return cfg
}
