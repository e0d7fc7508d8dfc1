package agent

import (
	"fmt"
	"testing"
)

func TestRPCLogAppendAndSnapshot(t *testing.T) {
	log := NewRPCLog(10)
	log.Append(DirSend, []byte(`{"method":"initialize"}`))
	log.Append(DirRecv, []byte(`{"result":{}}`))

	entries := log.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Dir != DirSend || entries[0].Line != `{"method":"initialize"}` {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Dir != DirRecv {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
	if entries[0].At.IsZero() {
		t.Error("expected entry timestamp to be set")
	}
}

func TestRPCLogWraparound(t *testing.T) {
	log := NewRPCLog(3)
	for i := 0; i < 5; i++ {
		log.Append(DirSend, []byte(fmt.Sprintf("line-%d", i)))
	}

	if log.Len() != 3 {
		t.Fatalf("expected ring to hold 3 entries, got %d", log.Len())
	}

	entries := log.Snapshot()
	want := []string{"line-2", "line-3", "line-4"}
	for i, w := range want {
		if entries[i].Line != w {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Line, w)
		}
	}
}

func TestRPCLogDefaultSize(t *testing.T) {
	log := NewRPCLog(0)
	for i := 0; i < 600; i++ {
		log.Append(DirRecv, []byte("x"))
	}
	if log.Len() != 500 {
		t.Errorf("expected default capacity 500, got %d retained", log.Len())
	}
}

func TestRPCLogSnapshotIsCopy(t *testing.T) {
	log := NewRPCLog(5)
	log.Append(DirSend, []byte("a"))

	snap := log.Snapshot()
	snap[0].Line = "mutated"

	if log.Snapshot()[0].Line != "a" {
		t.Error("snapshot mutation leaked into the ring")
	}
}
