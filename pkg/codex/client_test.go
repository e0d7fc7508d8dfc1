package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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

// syncBuffer is a goroutine-safe bytes.Buffer for capturing client writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestClient_CallRoundTrip(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqW.Close()
	defer respW.Close()

	client := NewClient(reqW, respR, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	// Fake app server: answer thread/start with a thread id.
	go func() {
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if req.Method == MethodThreadStart {
				line := fmt.Sprintf(`{"id":%v,"result":{"thread":{"id":"t_123"}}}`+"\n", req.ID)
				_, _ = respW.Write([]byte(line))
			}
		}
	}()

	resp, err := client.Call(ctx, MethodThreadStart, &ThreadStartParams{Cwd: "/work"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("Call() returned rpc error: %v", resp.Error)
	}

	var result ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result.Thread == nil || result.Thread.ID != "t_123" {
		t.Errorf("Thread = %+v, want id t_123", result.Thread)
	}
}

func TestClient_CallErrorResponse(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqW.Close()
	defer respW.Close()

	client := NewClient(reqW, respR, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	go func() {
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			line := fmt.Sprintf(`{"id":%v,"error":{"code":-32601,"message":"Method not found"}}`+"\n", req.ID)
			_, _ = respW.Write([]byte(line))
		}
	}()

	resp, err := client.Call(ctx, "model/unknown", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("Error = %+v, want code %d", resp.Error, MethodNotFound)
	}
}

func TestClient_Notifications(t *testing.T) {
	lines := []string{
		`{"method":"turn/started","params":{"threadId":"t_1","turnId":"turn_1"}}`,
		`{"method":"item/agentMessage/delta","params":{"threadId":"t_1","turnId":"turn_1","itemId":"i_1","delta":"Hel"}}`,
		`{"method":"turn/completed","params":{"threadId":"t_1","turnId":"turn_1","success":true}}`,
	}
	input := strings.Join(lines, "\n") + "\n"

	var buf syncBuffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var mu sync.Mutex
	var methods []string
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		mu.Lock()
		methods = append(methods, method)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	client.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 3 {
		t.Fatalf("received %d notifications, want 3", len(methods))
	}
	if methods[0] != NotifyTurnStarted || methods[2] != NotifyTurnCompleted {
		t.Errorf("methods = %v", methods)
	}
}

func TestClient_AgentRequestWithoutHandler(t *testing.T) {
	input := `{"id":7,"method":"item/commandExecution/requestApproval","params":{"threadId":"t_1"}}` + "\n"

	var buf syncBuffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	client.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	// Without a handler the client answers with MethodNotFound so the app
	// server does not hang waiting for an approval.
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse auto response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("auto response error = %+v, want code %d", resp.Error, MethodNotFound)
	}
}

func TestClient_WireTap(t *testing.T) {
	input := `{"method":"turn/started","params":{"threadId":"t_1","turnId":"turn_1"}}` + "\n"

	var buf syncBuffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var mu sync.Mutex
	frames := map[string]int{}
	client.SetWireTap(func(dir string, line []byte) {
		mu.Lock()
		frames[dir]++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	client.Start(ctx)

	if err := client.Notify(MethodInitialized, nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if frames["send"] != 1 || frames["recv"] != 1 {
		t.Errorf("frames = %v, want one send and one recv", frames)
	}
}

func TestClient_StopUnblocksCall(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var buf syncBuffer
	client := NewClient(&buf, pr, newTestLogger())
	client.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), MethodModelList, nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Stop()
	client.Stop() // must not panic

	select {
	case err := <-errCh:
		if err != ErrClientClosed {
			t.Errorf("Call() error = %v, want ErrClientClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call() did not return after Stop")
	}
}

func TestFlexibleContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "typed parts", in: `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, want: "ab"},
		{name: "plain string", in: `"plain"`, want: "plain"},
		{name: "unknown shape", in: `42`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fc FlexibleContent
			if err := json.Unmarshal([]byte(tt.in), &fc); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if fc.String() != tt.want {
				t.Errorf("String() = %q, want %q", fc.String(), tt.want)
			}
		})
	}
}
