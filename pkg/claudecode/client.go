package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vibe80/vibe80/internal/common/logger"

	"go.uber.org/zap"
)

// Stream lines can carry whole file contents; size the scanner for that.
const maxLineBytes = 10 << 20

// MessageHandler consumes parsed stdout lines.
type MessageHandler func(msg *CLIMessage)

// Client speaks one CLI invocation's stream: it writes the turn's user
// message to stdin and reads stream-json lines from stdout until the
// process exits. There is no in-band cancel, interruption kills the
// process.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	mu             sync.RWMutex
	messageHandler MessageHandler
	wireTap        func(dir string, line []byte)

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps the pipes of a running CLI process. stdin may be nil
// for read-only streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		log:    log.WithFields(zap.String("component", "claudecode-client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for stdout lines. Must be called
// before Start.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// SetWireTap registers a callback invoked with every raw line written
// ("send") or read ("recv"). Must be called before Start.
func (c *Client) SetWireTap(tap func(dir string, line []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wireTap = tap
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		close(ready)
		c.readLoop(ctx)
	}()
	return ready
}

// Stop terminates the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the stream has ended, by Stop or by the CLI
// closing its stdout.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SendUserMessage writes the turn prompt to the CLI's stdin as a single
// stream-json line.
func (c *Client) SendUserMessage(content string) error {
	if c.stdin == nil {
		return errors.New("stdin not available")
	}
	data, err := json.Marshal(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}

	if tap := c.tap(); tap != nil {
		tap("send", data)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write user message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		if line := scanner.Bytes(); len(line) > 0 {
			c.handleLine(line)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-c.done:
			// Interrupt path: the process was killed under us, the broken
			// pipe is expected.
		default:
			c.log.Debug("stream read ended", zap.Error(err))
		}
	}
}

func (c *Client) handleLine(line []byte) {
	if tap := c.tap(); tap != nil {
		tap("recv", line)
	}

	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("undecodable stream line", zap.Error(err), zap.ByteString("line", line))
		return
	}
	// The scanner reuses its buffer between lines, keep a copy.
	msg.RawContent = append(json.RawMessage(nil), line...)

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(&msg)
	}
}

func (c *Client) tap() func(string, []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wireTap
}
