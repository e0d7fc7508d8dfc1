// Package broadcast fans the session event stream out to frame
// subscribers. Every frame carries a per-session sequence number; a
// subscriber that cannot keep up is detached and must reconnect.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/store"
	"github.com/vibe80/vibe80/pkg/wire"
)

// DefaultQueueSize bounds a subscriber's frame buffer when the config does
// not say otherwise.
const DefaultQueueSize = 256

// Subscriber is one attached frame consumer. C closes when the subscriber
// cancels or falls behind.
type Subscriber struct {
	C <-chan wire.Frame

	b     *Broadcaster
	entry *subEntry
}

// Cancel detaches the subscriber and closes C. Safe to call more than once.
func (s *Subscriber) Cancel() {
	s.b.detach(s.entry)
}

type subEntry struct {
	sessionID  string
	worktreeID string // "" receives the whole session
	ch         chan wire.Frame
}

// matches reports whether a frame belongs on this subscriber's stream.
// Session-level frames (no worktree id) reach every subscriber of the
// session.
func (e *subEntry) matches(frame wire.Frame) bool {
	if e.sessionID != frame.SessionID {
		return false
	}
	if e.worktreeID == "" || frame.WorktreeID == "" {
		return true
	}
	return e.worktreeID == frame.WorktreeID
}

// Broadcaster bridges the event bus into typed wire frames and fans them
// out to subscribers.
type Broadcaster struct {
	store     store.Store
	queueSize int
	log       *logger.Logger

	mu   sync.Mutex
	subs map[*subEntry]struct{}
	seqs map[string]*atomic.Uint64

	busSub bus.Subscription
}

// New attaches a broadcaster to the bus. queueSize <= 0 falls back to
// DefaultQueueSize.
func New(eventBus bus.EventBus, st store.Store, queueSize int, log *logger.Logger) (*Broadcaster, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Broadcaster{
		store:     st,
		queueSize: queueSize,
		log:       log.WithFields(zap.String("component", "broadcast")),
		subs:      make(map[*subEntry]struct{}),
		seqs:      make(map[string]*atomic.Uint64),
	}
	sub, err := eventBus.Subscribe(bus.AllSessionsSubject(), b.dispatch)
	if err != nil {
		return nil, err
	}
	b.busSub = sub
	return b, nil
}

// Subscribe attaches a consumer to one session's frame stream. A non-empty
// worktreeID narrows delivery to that worktree plus session-level frames.
func (b *Broadcaster) Subscribe(sessionID, worktreeID string) *Subscriber {
	entry := &subEntry{
		sessionID:  sessionID,
		worktreeID: worktreeID,
		ch:         make(chan wire.Frame, b.queueSize),
	}
	b.mu.Lock()
	b.subs[entry] = struct{}{}
	b.mu.Unlock()
	return &Subscriber{C: entry.ch, b: b, entry: entry}
}

// SyncMessages replays the persisted conversation after a cursor, ordered
// by id. Identical calls return identical streams, so clients retry freely
// on reconnect. An empty worktreeID reads the main worktree.
func (b *Broadcaster) SyncMessages(ctx context.Context, sessionID, worktreeID string, lastSeenID int64) ([]*store.Message, error) {
	if worktreeID == "" {
		worktreeID = store.MainWorktreeID
	}
	return b.store.ListMessagesAfter(ctx, sessionID, worktreeID, lastSeenID)
}

// Close drops the bus subscription and closes every subscriber.
func (b *Broadcaster) Close() {
	if b.busSub != nil && b.busSub.IsValid() {
		_ = b.busSub.Unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for entry := range b.subs {
		delete(b.subs, entry)
		close(entry.ch)
	}
}

// dispatch turns one bus event into a sequenced frame and fans it out.
// Delivery never blocks the publisher: a full subscriber is detached and
// its channel closed.
func (b *Broadcaster) dispatch(ctx context.Context, ev *bus.Event) error {
	if ev == nil || ev.SessionID == "" {
		return nil
	}
	frame := wire.Frame{
		Seq:        b.nextSeq(ev.SessionID),
		SessionID:  ev.SessionID,
		WorktreeID: ev.WorktreeID,
		Payload:    wire.RawPayload{Type: wire.FrameType(ev.Type), Fields: ev.Data},
	}

	b.mu.Lock()
	var overflowed []*subEntry
	for entry := range b.subs {
		if !entry.matches(frame) {
			continue
		}
		select {
		case entry.ch <- frame:
		default:
			overflowed = append(overflowed, entry)
		}
	}
	for _, entry := range overflowed {
		delete(b.subs, entry)
		close(entry.ch)
		b.log.Warn("subscriber overflowed, detaching",
			zap.String("session_id", entry.sessionID),
			zap.String("worktree_id", entry.worktreeID))
	}
	// The terminated status is a session's last frame; drop its counter.
	if ev.Type == string(wire.FrameStatus) && ev.Data["state"] == wire.StateTerminated {
		delete(b.seqs, ev.SessionID)
	}
	b.mu.Unlock()
	return nil
}

// nextSeq advances one session's sequence counter.
func (b *Broadcaster) nextSeq(sessionID string) uint64 {
	b.mu.Lock()
	counter, ok := b.seqs[sessionID]
	if !ok {
		counter = &atomic.Uint64{}
		b.seqs[sessionID] = counter
	}
	b.mu.Unlock()
	return counter.Add(1)
}

// detach removes one subscriber and closes its channel, once.
func (b *Broadcaster) detach(entry *subEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[entry]; !ok {
		return
	}
	delete(b.subs, entry)
	close(entry.ch)
}
