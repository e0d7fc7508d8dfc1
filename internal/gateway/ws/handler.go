// Package ws serves the realtime endpoint. A connection authenticates with
// its first frame, then subscribes to session streams and receives
// sequenced wire frames until it disconnects or falls behind.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/broadcast"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/pkg/wire"
)

const (
	// authWait bounds how long a fresh connection may take to send its
	// auth frame before the server hangs up.
	authWait = 5 * time.Second

	// writeWait is the per-message write deadline.
	writeWait = 10 * time.Second

	// maxMessageSize caps inbound client frames.
	maxMessageSize = 512 * 1024

	defaultPingInterval = 25 * time.Second
	defaultPongGrace    = 8 * time.Second
	defaultQueueSize    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Deps bundles what a connection needs: token verification, session scope
// checks, and the frame stream.
type Deps struct {
	Auth        *auth.Service
	Sessions    *session.Manager
	Broadcaster *broadcast.Broadcaster

	PingInterval time.Duration
	PongGrace    time.Duration
	QueueSize    int

	Log *logger.Logger
}

// Handler upgrades connections and runs their pumps.
type Handler struct {
	deps Deps
	log  *logger.Logger
}

func NewHandler(deps Deps) *Handler {
	if deps.PingInterval <= 0 {
		deps.PingInterval = defaultPingInterval
	}
	if deps.PongGrace <= 0 {
		deps.PongGrace = defaultPongGrace
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = defaultQueueSize
	}
	return &Handler{
		deps: deps,
		log:  deps.Log.WithFields(zap.String("component", "ws")),
	}
}

// RegisterRoutes mounts the realtime endpoint. It carries no bearer
// middleware: authentication happens in-protocol on the first frame.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	h := NewHandler(deps)
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection upgrades the request, demands an auth frame within
// authWait, and then serves the connection until it drops.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	workspaceID, ok := h.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	client := newClient(conn, workspaceID, h.deps, h.log)
	go client.writePump()
	client.readPump(c.Request.Context())
}

// authenticate reads the first frame. Anything but a valid
// {type:"auth", token} within the deadline rejects the connection.
func (h *Handler) authenticate(conn *websocket.Conn) (string, bool) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(authWait)); err != nil {
		return "", false
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.log.Debug("connection closed before auth", zap.Error(err))
		return "", false
	}

	var frame wire.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != wire.ClientAuth || frame.Token == "" {
		h.reject(conn, "first frame must be auth")
		return "", false
	}
	workspaceID, err := h.deps.Auth.VerifyToken(frame.Token)
	if err != nil {
		h.reject(conn, "invalid token")
		return "", false
	}
	return workspaceID, true
}

func (h *Handler) reject(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
