// Package claudecode implements the Claude Code CLI stream-json protocol:
// newline-delimited JSON on stdout, one user message on stdin per
// invocation. The CLI runs print-per-turn; a conversation continues across
// invocations by passing --resume with the session id announced in the
// init line.
package claudecode

import (
	"encoding/json"
	"strings"
)

// Message types on stdout.
const (
	// MessageTypeSystem opens the stream; subtype "init" carries the session id.
	MessageTypeSystem = "system"
	// MessageTypeAssistant carries completed assistant content blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeUser echoes tool results fed back to the model.
	MessageTypeUser = "user"
	// MessageTypeResult closes the stream with the final text and stats.
	MessageTypeResult = "result"
	// MessageTypeStreamEvent carries partial deltas when the CLI runs with
	// --include-partial-messages.
	MessageTypeStreamEvent = "stream_event"
)

// SubtypeInit is the system subtype announcing session parameters.
const SubtypeInit = "init"

// Result subtypes.
const (
	ResultSuccess        = "success"
	ResultErrorMaxTurns  = "error_max_turns"
	ResultErrorExecution = "error_during_execution"
)

// CLIMessage is one stdout line. Type decides which fields are set.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Present on most lines.
	SessionID string `json:"session_id,omitempty"`

	// system/init
	Cwd            string   `json:"cwd,omitempty"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`

	// assistant and user lines wrap an API message
	Message         *APIMessage `json:"message,omitempty"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`

	// stream_event
	Event json.RawMessage `json:"event,omitempty"`

	// result: the final text arrives as a JSON string; older CLIs emitted
	// an object here, so it stays raw
	Result        json.RawMessage            `json:"result,omitempty"`
	IsError       bool                       `json:"is_error,omitempty"`
	DurationMS    int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS int64                      `json:"duration_api_ms,omitempty"`
	NumTurns      int                        `json:"num_turns,omitempty"`
	TotalCostUSD  float64                    `json:"total_cost_usd,omitempty"`
	Usage         *Usage                     `json:"usage,omitempty"`
	ModelUsage    map[string]ModelUsageStats `json:"model_usage,omitempty"`

	// RawContent keeps the original line for wire logging.
	RawContent json.RawMessage `json:"-"`
}

// ResultText returns the result line's final text, empty when the result is
// not a plain string.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ParseEvent decodes a stream_event line's payload.
func (m *CLIMessage) ParseEvent() (*StreamEvent, error) {
	if len(m.Event) == 0 {
		return nil, nil
	}
	var ev StreamEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// APIMessage is the Anthropic API message envelope carried by assistant and
// user lines.
type APIMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block of an API message. Type decides which fields
// are set.
type ContentBlock struct {
	Type string `json:"type"` // "text", "thinking", "tool_use", "tool_result"

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result: content is a plain string or an array of typed parts
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText flattens a tool_result content field, which arrives either as
// a string or as an array of {type,text} parts.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return ""
}

// Usage counts tokens for one API call.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats is the per-model entry of a result line; context_window
// reports the model's actual window size.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// StreamEvent is the payload of a stream_event line.
type StreamEvent struct {
	Type         string        `json:"type"` // "message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
}

// StreamDelta is the partial update of a content_block_delta event.
type StreamDelta struct {
	Type        string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// UserMessage is the turn prompt written to the CLI's stdin.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody wraps the prompt text.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
