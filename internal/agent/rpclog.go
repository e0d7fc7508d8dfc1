package agent

import (
	"sync"
	"time"
)

// Wire directions recorded in the rpc log.
const (
	DirSend = "send"
	DirRecv = "recv"
)

// RPCEntry is one captured wire line.
type RPCEntry struct {
	Dir  string    `json:"dir"`
	Line string    `json:"line"`
	At   time.Time `json:"at"`
}

// RPCLog is a bounded ring of raw agent wire traffic, shared by every
// client of a session. When full, new entries overwrite the oldest.
type RPCLog struct {
	mu      sync.Mutex
	entries []RPCEntry
	next    int
	size    int
}

// NewRPCLog creates a ring holding up to size entries.
func NewRPCLog(size int) *RPCLog {
	if size <= 0 {
		size = 500
	}
	return &RPCLog{
		entries: make([]RPCEntry, 0, size),
		size:    size,
	}
}

// Append records one wire line.
func (l *RPCLog) Append(dir string, line []byte) {
	entry := RPCEntry{Dir: dir, Line: string(line), At: time.Now().UTC()}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) < l.size {
		l.entries = append(l.entries, entry)
		return
	}
	l.entries[l.next] = entry
	l.next = (l.next + 1) % l.size
}

// Snapshot returns the retained entries oldest first.
func (l *RPCLog) Snapshot() []RPCEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]RPCEntry, 0, len(l.entries))
	if len(l.entries) < l.size {
		out = append(out, l.entries...)
		return out
	}
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len reports the number of retained entries.
func (l *RPCLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
