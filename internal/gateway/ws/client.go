package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/broadcast"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/pkg/wire"
)

// subscription pairs a broadcaster subscriber with a flag marking
// client-side cancellation. The forward goroutine uses the flag to tell a
// deliberate replacement apart from a broadcaster-side detach.
type subscription struct {
	sub      *broadcast.Subscriber
	replaced atomic.Bool
}

// client is one authenticated connection. A single writer goroutine owns
// the socket for writes; reads happen on the handler goroutine.
type client struct {
	conn        *websocket.Conn
	workspaceID string

	sessions    *session.Manager
	broadcaster *broadcast.Broadcaster

	send chan wire.Frame
	done chan struct{}

	pingInterval time.Duration
	pongWait     time.Duration

	mu   sync.Mutex
	subs map[string]*subscription

	closeOnce sync.Once
	log       *logger.Logger
}

func newClient(conn *websocket.Conn, workspaceID string, deps Deps, log *logger.Logger) *client {
	return &client{
		conn:         conn,
		workspaceID:  workspaceID,
		sessions:     deps.Sessions,
		broadcaster:  deps.Broadcaster,
		send:         make(chan wire.Frame, deps.QueueSize),
		done:         make(chan struct{}),
		pingInterval: deps.PingInterval,
		pongWait:     deps.PingInterval + deps.PongGrace,
		subs:         make(map[string]*subscription),
		log:          log.WithFields(zap.String("workspace_id", workspaceID)),
	}
}

// readPump consumes client frames until the connection drops. The read
// deadline rides on pongs: a peer that misses a ping plus the grace window
// is gone.
func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var frame wire.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug("discarding malformed client frame", zap.Error(err))
			continue
		}
		c.handleFrame(ctx, &frame)
	}
}

func (c *client) handleFrame(ctx context.Context, frame *wire.ClientFrame) {
	switch frame.Type {
	case wire.ClientPing:
		c.enqueueOrClose(wire.Frame{Payload: wire.Pong{}})
	case wire.ClientSubscribe:
		c.handleSubscribe(ctx, frame)
	case wire.ClientSyncMessages:
		c.handleSyncMessages(ctx, frame)
	case wire.ClientAuth:
		// Already authenticated; repeated auth frames are noise.
	default:
		c.log.Debug("ignoring unknown client frame", zap.String("type", frame.Type))
	}
}

// handleSubscribe attaches the connection to one session's stream. The
// session must belong to the connection's workspace; anything else is
// silently dropped so probing reveals nothing.
func (c *client) handleSubscribe(ctx context.Context, frame *wire.ClientFrame) {
	if frame.SessionID == "" {
		return
	}
	if _, err := c.sessions.GetSession(ctx, c.workspaceID, frame.SessionID); err != nil {
		c.log.Debug("rejecting subscribe",
			zap.String("session_id", frame.SessionID),
			zap.Error(err))
		return
	}

	key := frame.SessionID + "/" + frame.WorktreeID
	entry := &subscription{sub: c.broadcaster.Subscribe(frame.SessionID, frame.WorktreeID)}

	c.mu.Lock()
	if c.subs == nil {
		// Connection is already closing.
		c.mu.Unlock()
		entry.replaced.Store(true)
		entry.sub.Cancel()
		return
	}
	if prev, ok := c.subs[key]; ok {
		prev.replaced.Store(true)
		prev.sub.Cancel()
	}
	c.subs[key] = entry
	c.mu.Unlock()

	go c.forward(entry)

	// Answer with a worktree snapshot so the client starts from the
	// current layout without a separate round trip. Unsequenced, like
	// the sync responses.
	worktrees, err := c.sessions.ListWorktrees(ctx, c.workspaceID, frame.SessionID)
	if err != nil {
		c.log.Error("worktree snapshot failed",
			zap.String("session_id", frame.SessionID),
			zap.Error(err))
		return
	}
	c.enqueueOrClose(wire.Frame{
		SessionID: frame.SessionID,
		Payload:   wire.WorktreesList{Worktrees: worktrees},
	})
}

// forward copies one subscription's frames into the send queue. A closed
// subscriber channel that was not replaced means the broadcaster detached
// us (overflow or shutdown); the connection closes so the client
// reconnects instead of consuming a gapped stream.
func (c *client) forward(entry *subscription) {
	for frame := range entry.sub.C {
		if !c.enqueue(frame) {
			c.close()
			return
		}
	}
	if !entry.replaced.Load() {
		c.close()
	}
}

// handleSyncMessages replays the persisted transcript past the client's
// cursor. Scoped to one worktree it answers with worktree_messages_sync;
// without a worktree it covers the main transcript as messages_sync.
func (c *client) handleSyncMessages(ctx context.Context, frame *wire.ClientFrame) {
	if frame.SessionID == "" {
		return
	}
	if _, err := c.sessions.GetSession(ctx, c.workspaceID, frame.SessionID); err != nil {
		c.log.Debug("rejecting sync_messages",
			zap.String("session_id", frame.SessionID),
			zap.Error(err))
		return
	}
	messages, err := c.broadcaster.SyncMessages(ctx, frame.SessionID, frame.WorktreeID, frame.LastSeenMessageID)
	if err != nil {
		c.log.Error("sync_messages failed",
			zap.String("session_id", frame.SessionID),
			zap.Error(err))
		return
	}

	var payload wire.Payload
	if frame.WorktreeID != "" {
		payload = wire.WorktreeMessagesSync{Messages: messages}
	} else {
		payload = wire.MessagesSync{Messages: messages}
	}
	c.enqueueOrClose(wire.Frame{
		SessionID:  frame.SessionID,
		WorktreeID: frame.WorktreeID,
		Payload:    payload,
	})
}

// enqueue offers a frame to the writer without blocking. False means the
// send buffer is full.
func (c *client) enqueue(frame wire.Frame) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) enqueueOrClose(frame wire.Frame) {
	if !c.enqueue(frame) {
		c.log.Warn("send buffer full, dropping connection")
		c.close()
	}
}

// writePump owns all socket writes: queued frames and the ping ticker.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// close tears the connection down once: cancels subscriptions, stops the
// writer, and closes the socket.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for _, entry := range c.subs {
			entry.replaced.Store(true)
			entry.sub.Cancel()
		}
		c.subs = nil
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
	})
}
