// Package wire defines the WebSocket protocol: the frames clients send and
// the tagged frames the server pushes. A server frame is one JSON object
// with the payload's fields flattened next to the envelope,
// {type, seq, sessionId, worktreeId, ...payload}.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client frame types.
const (
	ClientAuth         = "auth"
	ClientPing         = "ping"
	ClientSyncMessages = "sync_messages"
	ClientSubscribe    = "subscribe"
)

// ClientFrame is any frame read from a client connection. Type decides
// which fields are set. The first frame of a connection must be an auth
// frame.
type ClientFrame struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// sync_messages
	LastSeenMessageID int64 `json:"lastSeenMessageId,omitempty"`

	// subscribe
	SessionID  string `json:"sessionId,omitempty"`
	WorktreeID string `json:"worktreeId,omitempty"`
}

// FrameType tags a server frame.
type FrameType string

// Server frame types.
const (
	FramePong                      FrameType = "pong"
	FrameStatus                    FrameType = "status"
	FrameReady                     FrameType = "ready"
	FrameRepoDiff                  FrameType = "repo_diff"
	FrameTurnStarted               FrameType = "turn_started"
	FrameTurnCompleted             FrameType = "turn_completed"
	FrameTurnError                 FrameType = "turn_error"
	FrameAssistantDelta            FrameType = "assistant_delta"
	FrameAssistantMessage          FrameType = "assistant_message"
	FrameCommandExecutionDelta     FrameType = "command_execution_delta"
	FrameCommandExecutionCompleted FrameType = "command_execution_completed"
	FrameToolResult                FrameType = "tool_result"
	FrameWorktreeCreated           FrameType = "worktree_created"
	FrameWorktreeReady             FrameType = "worktree_ready"
	FrameWorktreeStatus            FrameType = "worktree_status"
	FrameWorktreeRemoved           FrameType = "worktree_removed"
	FrameWorktreeRenamed           FrameType = "worktree_renamed"
	FrameWorktreesList             FrameType = "worktrees_list"
	FrameWorktreeMessagesSync      FrameType = "worktree_messages_sync"
	FrameWorktreeDiff              FrameType = "worktree_diff"
	FrameMessagesSync              FrameType = "messages_sync"
	FrameProviderSwitched          FrameType = "provider_switched"
	FrameAccountLoginCompleted     FrameType = "account_login_completed"
	FrameRPCLog                    FrameType = "rpc_log"
)

// Payload is one kind of server frame body. Kind returns the frame's wire
// tag.
type Payload interface {
	Kind() FrameType
}

// Frame wraps a payload with its delivery envelope. Seq is the per-session
// sequence number assigned at publish; zero means the frame is
// connection-level and unsequenced.
type Frame struct {
	Seq        uint64
	SessionID  string
	WorktreeID string
	Payload    Payload
}

// MarshalJSON flattens the payload's fields into the envelope object.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Payload == nil {
		return nil, fmt.Errorf("frame without payload")
	}
	body, err := Fields(f.Payload)
	if err != nil {
		return nil, err
	}
	body["type"] = f.Payload.Kind()
	if f.Seq != 0 {
		body["seq"] = f.Seq
	}
	if f.SessionID != "" {
		body["sessionId"] = f.SessionID
	}
	if f.WorktreeID != "" {
		body["worktreeId"] = f.WorktreeID
	}
	return json.Marshal(body)
}

// Fields returns the payload's JSON fields as a map, the form frames take
// when they cross the event bus.
func Fields(p Payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	body := make(map[string]any)
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("payload %q is not an object: %w", p.Kind(), err)
	}
	return body, nil
}

// RawPayload relays a frame whose fields were already flattened to a map,
// as after a round trip over the event bus.
type RawPayload struct {
	Type   FrameType
	Fields map[string]any
}

func (p RawPayload) Kind() FrameType { return p.Type }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}
