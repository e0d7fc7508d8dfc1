package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vibe80/vibe80/internal/common/logger"
	"go.uber.org/zap"
)

// ErrClientClosed is returned by Call when Stop runs before the
// response arrives.
var ErrClientClosed = errors.New("codex client closed")

// Client speaks the app-server protocol over a process's stdin/stdout.
// Requests are matched to responses by id; notifications and
// agent-initiated requests are dispatched to the registered handlers.
type Client struct {
	stdout io.Reader

	writeMu sync.Mutex
	stdin   io.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Response

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)
	wireTap        func(dir string, line []byte)

	log      *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps the given process streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *Response),
		log:     log.WithFields(zap.String("component", "codex-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler registers the handler for server notifications.
// Must be called before Start.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler registers the handler for agent-initiated requests
// (approvals). Must be called before Start.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// SetWireTap registers an observer for every raw frame crossing the pipe,
// dir "send" or "recv". The observer must not retain line. Must be called
// before Start.
func (c *Client) SetWireTap(fn func(dir string, line []byte)) {
	c.wireTap = fn
}

// Start begins reading frames from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop unblocks pending calls and halts the read loop. Safe to call twice.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	payload, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(&Request{ID: id, Method: method, Params: payload}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params interface{}) error {
	payload, err := encodeParams(params)
	if err != nil {
		return err
	}
	return c.writeFrame(&Notification{Method: method, Params: payload})
}

// SendResponse answers an agent-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = data
	}
	return c.writeFrame(&Response{ID: id, Result: resultJSON, Error: respErr})
}

func encodeParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

func (c *Client) writeFrame(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if c.wireTap != nil {
		c.wireTap("send", data)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.log.Debug("codex: sent frame", zap.ByteString("data", data))
	return nil
}

// inFrame is the point of a single decode: one shape covers responses,
// agent requests, and notifications, told apart by which fields are set.
type inFrame struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Params json.RawMessage `json:"params"`
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if c.wireTap != nil {
			c.wireTap("recv", line)
		}

		var frame inFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.log.Warn("codex: undecodable frame", zap.Error(err))
			continue
		}
		c.dispatch(&frame)
	}

	if err := scanner.Err(); err != nil {
		c.log.Error("codex: read loop ended", zap.Error(err))
	}
}

func (c *Client) dispatch(frame *inFrame) {
	switch {
	case frame.ID != nil && frame.Method == "":
		if frame.Result == nil && frame.Error == nil {
			return
		}
		c.settleCall(frame)
	case frame.ID != nil:
		c.handleRequest(frame.ID, frame.Method, frame.Params)
	case frame.Method != "":
		if c.onNotification != nil {
			c.onNotification(frame.Method, frame.Params)
		}
	}
}

// settleCall routes a response to the waiting Call, matching on the
// numeric id the JSON decoder gives back as float64.
func (c *Client) settleCall(frame *inFrame) {
	id, ok := numericID(frame.ID)
	if !ok {
		c.log.Warn("codex: response with non-numeric id", zap.Any("id", frame.ID))
		return
	}

	c.mu.Lock()
	ch, found := c.pending[id]
	c.mu.Unlock()
	if !found {
		c.log.Warn("codex: response for unknown request", zap.Int64("id", id))
		return
	}
	ch <- &Response{ID: frame.ID, Result: frame.Result, Error: frame.Error}
}

func numericID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.log.Warn("codex: request with no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
		c.log.Warn("codex: failed to reject request", zap.Error(err))
	}
}
