package claudecode

import (
	"encoding/json"
	"testing"
)

func TestCLIMessage_ResultText(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want string
	}{
		"absent":                {raw: "", want: ""},
		"string result":         {raw: `"all tests pass"`, want: "all tests pass"},
		"object from older CLI": {raw: `{"text":"done"}`, want: ""},
		"garbage":               {raw: `{nope`, want: ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg := &CLIMessage{}
			if tc.raw != "" {
				msg.Result = json.RawMessage(tc.raw)
			}
			if got := msg.ResultText(); got != tc.want {
				t.Errorf("ResultText() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCLIMessage_JSONParsing(t *testing.T) {
	// Init message opens every invocation
	initJSON := `{"type":"system","subtype":"init","session_id":"abc123","cwd":"/work","model":"claude-sonnet","permissionMode":"bypassPermissions"}`
	var initMsg CLIMessage
	if err := json.Unmarshal([]byte(initJSON), &initMsg); err != nil {
		t.Fatalf("failed to parse init message: %v", err)
	}
	if initMsg.Type != MessageTypeSystem || initMsg.Subtype != SubtypeInit {
		t.Errorf("Type/Subtype = %q/%q, want system/init", initMsg.Type, initMsg.Subtype)
	}
	if initMsg.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want %q", initMsg.SessionID, "abc123")
	}
	if initMsg.Model != "claude-sonnet" {
		t.Errorf("Model = %q, want %q", initMsg.Model, "claude-sonnet")
	}

	// Assistant message with typed content blocks
	assistantJSON := `{"type":"assistant","session_id":"abc123","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}],"model":"claude-sonnet"}}`
	var assistantMsg CLIMessage
	if err := json.Unmarshal([]byte(assistantJSON), &assistantMsg); err != nil {
		t.Fatalf("failed to parse assistant message: %v", err)
	}
	if assistantMsg.Message == nil {
		t.Fatal("Message is nil")
	}
	if assistantMsg.Message.Model != "claude-sonnet" {
		t.Errorf("Message.Model = %q, want %q", assistantMsg.Message.Model, "claude-sonnet")
	}
	if len(assistantMsg.Message.Content) != 1 || assistantMsg.Message.Content[0].Text != "Hello" {
		t.Errorf("unexpected content: %+v", assistantMsg.Message.Content)
	}

	// Result message closes the invocation
	resultJSON := `{"type":"result","subtype":"success","session_id":"abc123","result":"done","is_error":false,"num_turns":3,"duration_ms":5200,"total_cost_usd":0.123,"usage":{"input_tokens":100,"output_tokens":50},"model_usage":{"claude-sonnet":{"context_window":200000}}}`
	var resultMsg CLIMessage
	if err := json.Unmarshal([]byte(resultJSON), &resultMsg); err != nil {
		t.Fatalf("failed to parse result message: %v", err)
	}
	if resultMsg.Subtype != ResultSuccess {
		t.Errorf("Subtype = %q, want %q", resultMsg.Subtype, ResultSuccess)
	}
	if resultMsg.ResultText() != "done" {
		t.Errorf("ResultText() = %q, want %q", resultMsg.ResultText(), "done")
	}
	if resultMsg.NumTurns != 3 {
		t.Errorf("NumTurns = %d, want 3", resultMsg.NumTurns)
	}
	if resultMsg.TotalCostUSD != 0.123 {
		t.Errorf("TotalCostUSD = %f, want 0.123", resultMsg.TotalCostUSD)
	}
	if resultMsg.Usage == nil || resultMsg.Usage.InputTokens != 100 {
		t.Errorf("unexpected usage: %+v", resultMsg.Usage)
	}
	stats, ok := resultMsg.ModelUsage["claude-sonnet"]
	if !ok || stats.ContextWindow == nil || *stats.ContextWindow != 200000 {
		t.Errorf("unexpected model usage: %+v", resultMsg.ModelUsage)
	}
}

func TestCLIMessage_ParseEvent(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantType  string
		wantText  string
		wantThink string
	}{
		{
			name:     "text delta",
			json:     `{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`,
			wantType: "content_block_delta",
			wantText: "Hel",
		},
		{
			name:      "thinking delta",
			json:      `{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}}`,
			wantType:  "content_block_delta",
			wantThink: "hmm",
		},
		{
			name:     "block start",
			json:     `{"type":"stream_event","session_id":"s1","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"Bash"}}}`,
			wantType: "content_block_start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg CLIMessage
			if err := json.Unmarshal([]byte(tt.json), &msg); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if msg.Type != MessageTypeStreamEvent {
				t.Fatalf("Type = %q, want %q", msg.Type, MessageTypeStreamEvent)
			}
			ev, err := msg.ParseEvent()
			if err != nil {
				t.Fatalf("ParseEvent() error = %v", err)
			}
			if ev == nil {
				t.Fatal("ParseEvent() = nil")
			}
			if ev.Type != tt.wantType {
				t.Errorf("event type = %q, want %q", ev.Type, tt.wantType)
			}
			if tt.wantText != "" && (ev.Delta == nil || ev.Delta.Text != tt.wantText) {
				t.Errorf("delta = %+v, want text %q", ev.Delta, tt.wantText)
			}
			if tt.wantThink != "" && (ev.Delta == nil || ev.Delta.Thinking != tt.wantThink) {
				t.Errorf("delta = %+v, want thinking %q", ev.Delta, tt.wantThink)
			}
		})
	}

	// No event payload
	empty := &CLIMessage{Type: MessageTypeStreamEvent}
	ev, err := empty.ParseEvent()
	if err != nil || ev != nil {
		t.Errorf("ParseEvent() on empty = (%v, %v), want (nil, nil)", ev, err)
	}
}

func TestUserMessage_JSONMarshal(t *testing.T) {
	data, err := json.Marshal(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: "fix the failing test"},
	})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	want := `{"type":"user","message":{"role":"user","content":"fix the failing test"}}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", string(data), want)
	}
}

func TestContentBlock_Types(t *testing.T) {
	// One block of each kind the stream carries.
	blocks := `[
		{"type":"text","text":"looking at the repo"},
		{"type":"thinking","thinking":"the bug is in the parser"},
		{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"go test ./..."}},
		{"type":"tool_result","tool_use_id":"tu_1","content":"ok","is_error":false}
	]`
	var parsed []ContentBlock
	if err := json.Unmarshal([]byte(blocks), &parsed); err != nil {
		t.Fatalf("failed to parse blocks: %v", err)
	}
	if len(parsed) != 4 {
		t.Fatalf("parsed %d blocks, want 4", len(parsed))
	}

	if parsed[0].Type != "text" || parsed[0].Text != "looking at the repo" {
		t.Errorf("text block = %+v", parsed[0])
	}
	if parsed[1].Type != "thinking" || parsed[1].Thinking != "the bug is in the parser" {
		t.Errorf("thinking block = %+v", parsed[1])
	}
	tu := parsed[2]
	if tu.Type != "tool_use" || tu.ID != "tu_1" || tu.Name != "Bash" || tu.Input["command"] != "go test ./..." {
		t.Errorf("tool_use block = %+v", tu)
	}
	tr := parsed[3]
	if tr.Type != "tool_result" || tr.ToolUseID != "tu_1" || tr.ContentText() != "ok" {
		t.Errorf("tool_result block = %+v", tr)
	}
}

func TestContentBlock_ContentText(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want string
	}{
		"string content": {
			raw:  `{"type":"tool_result","tool_use_id":"tr1","content":"PASS ok 0.2s"}`,
			want: "PASS ok 0.2s",
		},
		"typed parts": {
			raw:  `{"type":"tool_result","tool_use_id":"tr1","content":[{"type":"text","text":"src/"},{"type":"text","text":"go.mod"}]}`,
			want: "src/go.mod",
		},
		"no content": {
			raw:  `{"type":"tool_result","tool_use_id":"tr1"}`,
			want: "",
		},
		"empty string": {
			raw:  `{"type":"tool_result","tool_use_id":"tr1","content":""}`,
			want: "",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tc.raw), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if got := block.ContentText(); got != tc.want {
				t.Errorf("ContentText() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestModelUsageStats_ContextWindow(t *testing.T) {
	jsonStr := `{"context_window": 200000}`
	var stats ModelUsageStats
	if err := json.Unmarshal([]byte(jsonStr), &stats); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if stats.ContextWindow == nil {
		t.Fatal("ContextWindow is nil")
	}
	if *stats.ContextWindow != 200000 {
		t.Errorf("ContextWindow = %d, want %d", *stats.ContextWindow, 200000)
	}

	// Absent context window stays nil
	var stats2 ModelUsageStats
	if err := json.Unmarshal([]byte(`{}`), &stats2); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if stats2.ContextWindow != nil {
		t.Errorf("ContextWindow = %v, want nil", stats2.ContextWindow)
	}
}

func TestCLIMessage_ToolResultEcho(t *testing.T) {
	// Tool results come back on user lines
	jsonStr := `{
		"type":"user",
		"session_id":"sess-1",
		"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"result"}]},
		"parent_tool_use_id":"t0"
	}`
	var msg CLIMessage
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.ParentToolUseID != "t0" {
		t.Errorf("ParentToolUseID = %q, want %q", msg.ParentToolUseID, "t0")
	}
	if len(msg.Message.Content) != 1 || msg.Message.Content[0].ToolUseID != "t1" {
		t.Errorf("unexpected content: %+v", msg.Message.Content)
	}
}
