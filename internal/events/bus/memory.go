package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event bus is closed")

// MemoryEventBus delivers events inside a single process. It is the
// default backend; NATS takes over only when an external URL is
// configured. Handlers run synchronously on the publisher's goroutine so
// per-subscriber delivery preserves publish order; handlers must hand off
// fast and never block.
type MemoryEventBus struct {
	log *logger.Logger

	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
}

// memorySub is one registered handler. tokens holds the subject pattern
// split on "."; delivery matches it against the published subject token
// by token.
type memorySub struct {
	bus     *MemoryEventBus
	tokens  []string
	handler EventHandler

	mu   sync.Mutex
	dead bool
}

// NewMemoryEventBus creates an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{log: log}
}

// Subscribe registers a handler for a subject pattern. NATS wildcards
// apply: "*" matches one token, ">" matches the rest of the subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:     b,
		tokens:  strings.Split(subject, "."),
		handler: handler,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Publish invokes every live matching handler in registration order.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	tokens := strings.Split(subject, ".")

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	matched := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.IsValid() && subjectMatch(sub.tokens, tokens) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if err := sub.handler(ctx, event); err != nil {
			b.log.Error("event handler error",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Close invalidates every subscription; Publish and Subscribe fail from
// here on.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.invalidate()
	}
	b.subs = nil
}

// IsConnected reports true until Close.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.invalidate()
	s.bus.remove(s)
	return nil
}

// IsValid implements Subscription.
func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *memorySub) invalidate() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// subjectMatch walks pattern and subject tokens in lockstep. "*" consumes
// one subject token, ">" consumes whatever remains.
func subjectMatch(pattern, subject []string) bool {
	for i, tok := range pattern {
		if tok == ">" {
			return i < len(subject)
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
