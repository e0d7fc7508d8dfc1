package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibe80/vibe80/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// collector gathers handled messages behind a mutex.
type collector struct {
	mu   sync.Mutex
	msgs []CLIMessage
}

func (c *collector) handle(msg *CLIMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, *msg)
	c.mu.Unlock()
}

func (c *collector) all() []CLIMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CLIMessage(nil), c.msgs...)
}

// runStream feeds the input through a client and returns everything the
// handler saw.
func runStream(t *testing.T, input string) []CLIMessage {
	t.Helper()
	client := NewClient(nil, strings.NewReader(input), newTestLogger())
	var got collector
	client.SetMessageHandler(got.handle)
	client.Start(context.Background())
	waitDone(t, client)
	return got.all()
}

// waitDone blocks until the client's stream has ended.
func waitDone(t *testing.T, client *Client) {
	t.Helper()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not finish reading")
	}
}

func TestClient_SendUserMessage(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	if err := client.SendUserMessage("run the linter"); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse written line: %v", err)
	}
	if msg.Type != MessageTypeUser || msg.Message.Role != "user" {
		t.Errorf("wrote %s/%s, want user/user", msg.Type, msg.Message.Role)
	}
	if msg.Message.Content != "run the linter" {
		t.Errorf("Content = %q, want %q", msg.Message.Content, "run the linter")
	}
}

func TestClient_SendUserMessageNoStdin(t *testing.T) {
	client := NewClient(nil, strings.NewReader(""), newTestLogger())
	if err := client.SendUserMessage("hi"); err == nil {
		t.Error("expected error when stdin is nil")
	}
}

func TestClient_HandleMessages(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"cli-7","model":"claude-sonnet"}`,
		`{"type":"assistant","session_id":"cli-7","message":{"role":"assistant","content":[{"type":"text","text":"On it."}]}}`,
		`{"type":"result","subtype":"success","session_id":"cli-7","result":"On it.","num_turns":1}`,
	}, "\n") + "\n"

	got := runStream(t, input)
	if len(got) != 3 {
		t.Fatalf("handled %d messages, want 3", len(got))
	}
	if got[0].Type != MessageTypeSystem || got[0].Subtype != SubtypeInit || got[0].SessionID != "cli-7" {
		t.Errorf("init line = %s/%s session %s", got[0].Type, got[0].Subtype, got[0].SessionID)
	}
	if got[1].Message == nil || len(got[1].Message.Content) != 1 || got[1].Message.Content[0].Text != "On it." {
		t.Errorf("assistant line = %+v", got[1].Message)
	}
	if got[2].ResultText() != "On it." {
		t.Errorf("ResultText() = %q, want %q", got[2].ResultText(), "On it.")
	}
}

func TestClient_RawContentSurvivesBufferReuse(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"cli-7"}`,
		`{"type":"result","subtype":"success","session_id":"cli-7"}`,
	}

	got := runStream(t, strings.Join(lines, "\n")+"\n")
	if len(got) != 2 {
		t.Fatalf("handled %d messages, want 2", len(got))
	}
	for i, want := range lines {
		if string(got[i].RawContent) != want {
			t.Errorf("RawContent[%d] = %q, want %q", i, got[i].RawContent, want)
		}
	}
}

func TestClient_WireTap(t *testing.T) {
	input := `{"type":"system","subtype":"init","session_id":"cli-7"}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	type tapped struct {
		dir  string
		line string
	}
	var mu sync.Mutex
	var taps []tapped
	client.SetWireTap(func(dir string, line []byte) {
		mu.Lock()
		taps = append(taps, tapped{dir, string(line)})
		mu.Unlock()
	})

	client.Start(context.Background())
	waitDone(t, client)

	if err := client.SendUserMessage("ping"); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(taps) != 2 {
		t.Fatalf("tapped %d lines, want 2", len(taps))
	}
	if taps[0].dir != "recv" || !strings.Contains(taps[0].line, `"session_id":"cli-7"`) {
		t.Errorf("unexpected recv tap: %+v", taps[0])
	}
	if taps[1].dir != "send" || !strings.Contains(taps[1].line, `"content":"ping"`) {
		t.Errorf("unexpected send tap: %+v", taps[1])
	}
}

func TestClient_Stop(t *testing.T) {
	pr, _ := io.Pipe()
	client := NewClient(nil, pr, newTestLogger())
	client.Start(context.Background())

	client.Stop()
	client.Stop() // must not panic
	waitDone(t, client)
}

func TestClient_SkipsEmptyAndBrokenLines(t *testing.T) {
	input := "\n\n{broken}\n" + `{"type":"system","session_id":"cli-7"}` + "\n\n"

	got := runStream(t, input)
	if len(got) != 1 {
		t.Fatalf("handled %d messages, want 1", len(got))
	}
	if got[0].Type != MessageTypeSystem {
		t.Errorf("Type = %q, want system", got[0].Type)
	}
}
