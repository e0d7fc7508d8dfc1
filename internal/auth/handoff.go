package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/vibe80/vibe80/internal/apperr"
)

// handoffRetention keeps consumed and expired entries around long enough
// that a late redeem is answered with "used" or "expired" rather than
// "unknown".
const handoffRetention = 10 * time.Minute

type handoffEntry struct {
	workspaceID string
	sessionID   string
	expiresAt   time.Time
	used        bool
}

// HandoffRegistry holds single-use login tokens in memory. Handoff tokens
// are never persisted: a restart invalidates them, which their short TTL
// makes acceptable.
type HandoffRegistry struct {
	mu      sync.Mutex
	entries map[string]*handoffEntry
	ttl     time.Duration
}

// NewHandoffRegistry returns a registry minting tokens that expire after ttl.
func NewHandoffRegistry(ttl time.Duration) *HandoffRegistry {
	return &HandoffRegistry{
		entries: make(map[string]*handoffEntry),
		ttl:     ttl,
	}
}

// Mint returns a new handoff token bound to the workspace and, when
// sessionID is non-empty, deep-linking to that session.
func (r *HandoffRegistry) Mint(workspaceID, sessionID string, now time.Time) (string, time.Time, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate handoff token: %w", err)
	}
	token := hex.EncodeToString(raw)
	expiresAt := now.Add(r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(now)
	r.entries[token] = &handoffEntry{
		workspaceID: workspaceID,
		sessionID:   sessionID,
		expiresAt:   expiresAt,
	}
	return token, expiresAt, nil
}

// Redeem consumes a handoff token exactly once. A second redeem reports
// HANDOFF_TOKEN_USED, a late one HANDOFF_TOKEN_EXPIRED; tokens this registry
// never minted (or swept) report TOKEN_INVALID.
func (r *HandoffRegistry) Redeem(token string, now time.Time) (workspaceID, sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(now)

	entry, ok := r.entries[token]
	if !ok {
		return "", "", apperr.New(apperr.TypeTokenInvalid, "unknown handoff token")
	}
	if entry.used {
		return "", "", apperr.New(apperr.TypeHandoffTokenUsed, "handoff token already used")
	}
	if !entry.expiresAt.After(now) {
		return "", "", apperr.New(apperr.TypeHandoffTokenExpired, "handoff token expired")
	}
	entry.used = true
	return entry.workspaceID, entry.sessionID, nil
}

// sweep drops entries expired past the retention window. Callers hold r.mu.
func (r *HandoffRegistry) sweep(now time.Time) {
	for token, entry := range r.entries {
		if now.Sub(entry.expiresAt) > handoffRetention {
			delete(r.entries, token)
		}
	}
}
