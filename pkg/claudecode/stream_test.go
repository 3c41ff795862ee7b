package claudecode

import (
	"testing"
	"time"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantNil  bool
		wantType string
	}{
		{
			name:     "system init",
			line:     `{"type":"system","subtype":"init","session_id":"abc123","tools":["Read","Write"],"model":"claude-3"}`,
			wantType: EventTypeSystem,
		},
		{
			name:     "assistant text",
			line:     `{"type":"assistant","message":{"id":"msg_1","content":[{"type":"text","text":"hi"}]}}`,
			wantType: EventTypeAssistant,
		},
		{
			name:     "result",
			line:     `{"type":"result","subtype":"success","is_error":false,"num_turns":3}`,
			wantType: EventTypeResult,
		},
		{
			name:    "empty line",
			line:    "   ",
			wantNil: true,
		},
		{
			name:    "not json",
			line:    "plain progress output",
			wantNil: true,
		},
		{
			name:    "unknown type",
			line:    `{"type":"heartbeat"}`,
			wantNil: true,
		},
		{
			name:    "truncated json",
			line:    `{"type":"assistant","message":{`,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseEvent(tt.line)
			if tt.wantNil {
				if ev != nil {
					t.Fatalf("expected nil, got %+v", ev)
				}
				return
			}
			if ev == nil {
				t.Fatal("expected event, got nil")
			}
			if ev.Type != tt.wantType {
				t.Errorf("type = %q, want %q", ev.Type, tt.wantType)
			}
		})
	}
}

func TestParseEventSystemInitFields(t *testing.T) {
	ev := ParseEvent(`{"type":"system","subtype":"init","session_id":"abc123","tools":["Read","Write"],"model":"claude-3"}`)
	if ev == nil {
		t.Fatal("expected event")
	}
	if ev.Subtype != SubtypeInit {
		t.Errorf("subtype = %q", ev.Subtype)
	}
	if ev.SessionID != "abc123" {
		t.Errorf("session_id = %q", ev.SessionID)
	}
	if len(ev.Tools) != 2 || ev.Tools[0] != "Read" {
		t.Errorf("tools = %v", ev.Tools)
	}
	if ev.Model != "claude-3" {
		t.Errorf("model = %q", ev.Model)
	}
}

func TestDecodeInit(t *testing.T) {
	d := NewDecoder()
	se := d.Decode(`{"type":"system","subtype":"init","session_id":"abc123","tools":["Read","Write"],"model":"claude-3"}`)
	if se == nil {
		t.Fatal("expected structured event")
	}
	if se.EventType != StructuredInit {
		t.Errorf("event_type = %q", se.EventType)
	}
	if se.SessionID != "abc123" {
		t.Errorf("session_id = %q", se.SessionID)
	}
}

func TestDecodeNonInitSystemIgnored(t *testing.T) {
	d := NewDecoder()
	if se := d.Decode(`{"type":"system","subtype":"compact"}`); se != nil {
		t.Fatalf("expected nil, got %+v", se)
	}
}

func TestDecodeAssistantBlocks(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantType  string
		wantField func(*testing.T, *StructuredEvent)
	}{
		{
			name:     "thinking",
			line:     `{"type":"assistant","message":{"id":"msg_1","content":[{"type":"thinking","thinking":"pondering"}]}}`,
			wantType: StructuredThinking,
			wantField: func(t *testing.T, se *StructuredEvent) {
				if se.Content != "pondering" {
					t.Errorf("content = %q", se.Content)
				}
				if se.MessageID != "msg_1" {
					t.Errorf("message_id = %q", se.MessageID)
				}
			},
		},
		{
			name:     "text",
			line:     `{"type":"assistant","message":{"id":"msg_2","content":[{"type":"text","text":"done"}]}}`,
			wantType: StructuredText,
			wantField: func(t *testing.T, se *StructuredEvent) {
				if se.Content != "done" {
					t.Errorf("content = %q", se.Content)
				}
			},
		},
		{
			name:     "tool use",
			line:     `{"type":"assistant","message":{"id":"msg_3","content":[{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"main.go"}}]}}`,
			wantType: StructuredToolStart,
			wantField: func(t *testing.T, se *StructuredEvent) {
				if se.ToolID != "tu_1" || se.ToolName != "Read" {
					t.Errorf("tool = %q/%q", se.ToolID, se.ToolName)
				}
				if se.ToolInput["file_path"] != "main.go" {
					t.Errorf("input = %v", se.ToolInput)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			se := d.Decode(tt.line)
			if se == nil {
				t.Fatal("expected structured event")
			}
			if se.EventType != tt.wantType {
				t.Fatalf("event_type = %q, want %q", se.EventType, tt.wantType)
			}
			tt.wantField(t, se)
		})
	}
}

func TestDecodeFirstBlockWins(t *testing.T) {
	d := NewDecoder()
	line := `{"type":"assistant","message":{"id":"msg_1","content":[` +
		`{"type":"thinking","thinking":"first"},` +
		`{"type":"text","text":"second"}]}}`
	se := d.Decode(line)
	if se == nil {
		t.Fatal("expected structured event")
	}
	if se.EventType != StructuredThinking {
		t.Errorf("event_type = %q, want thinking", se.EventType)
	}
}

func TestDecodeToolRoundTrip(t *testing.T) {
	d := NewDecoder()

	start := d.Decode(`{"type":"assistant","message":{"id":"msg_1","content":[{"type":"tool_use","id":"tu_9","name":"Bash","input":{"command":"ls"}}]}}`)
	if start == nil || start.EventType != StructuredToolStart {
		t.Fatalf("start = %+v", start)
	}
	if d.Tracker().ActiveCount() != 1 {
		t.Fatalf("active = %d", d.Tracker().ActiveCount())
	}

	done := d.Decode(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_9","content":"file.txt"}]}}`)
	if done == nil {
		t.Fatal("expected tool_complete")
	}
	if done.EventType != StructuredToolComplete {
		t.Errorf("event_type = %q", done.EventType)
	}
	if done.ToolName != "Bash" {
		t.Errorf("tool_name = %q", done.ToolName)
	}
	if done.ToolOutput != "file.txt" {
		t.Errorf("tool_output = %q", done.ToolOutput)
	}
	if done.MessageID != "msg_1" {
		t.Errorf("message_id = %q", done.MessageID)
	}
	if done.DurationMS == nil {
		t.Error("expected duration")
	}
	if d.Tracker().ActiveCount() != 0 {
		t.Errorf("active = %d after complete", d.Tracker().ActiveCount())
	}
}

func TestDecodeUntrackedToolResult(t *testing.T) {
	d := NewDecoder()
	se := d.Decode(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_missing","content":"out"}]}}`)
	if se == nil || se.EventType != StructuredToolComplete {
		t.Fatalf("se = %+v", se)
	}
	if se.DurationMS != nil {
		t.Error("expected no duration for untracked tool")
	}
	if se.ToolName != "" {
		t.Errorf("tool_name = %q", se.ToolName)
	}
}

func TestDecodeResult(t *testing.T) {
	d := NewDecoder()
	se := d.Decode(`{"type":"result","subtype":"success","is_error":false,"duration_ms":1500,"num_turns":4,"result":"all done"}`)
	if se == nil {
		t.Fatal("expected structured event")
	}
	if se.EventType != StructuredComplete {
		t.Errorf("event_type = %q", se.EventType)
	}
	if se.DurationMS == nil || *se.DurationMS != 1500 {
		t.Errorf("duration = %v", se.DurationMS)
	}
	if se.NumTurns == nil || *se.NumTurns != 4 {
		t.Errorf("num_turns = %v", se.NumTurns)
	}
	if se.Result != "all done" {
		t.Errorf("result = %q", se.Result)
	}
}

func TestDecodeErrorResult(t *testing.T) {
	d := NewDecoder()
	se := d.Decode(`{"type":"result","subtype":"error_during_execution","is_error":true}`)
	if se == nil || se.EventType != StructuredComplete {
		t.Fatalf("se = %+v", se)
	}
	if !se.IsError {
		t.Error("expected is_error")
	}
}

func TestDecodeAskUserQuestion(t *testing.T) {
	d := NewDecoder()
	line := `{"type":"assistant","message":{"id":"msg_1","content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion","input":{"questions":[{"question":"Which approach?","header":"Design","multiSelect":false,"options":[{"label":"Option A","description":"fast"},{"label":"Option B"}]}]}}]}}`
	se := d.Decode(line)
	if se == nil {
		t.Fatal("expected structured event")
	}
	if se.EventType != StructuredUserInputRequest {
		t.Fatalf("event_type = %q", se.EventType)
	}
	if se.Question != "Which approach?" {
		t.Errorf("question = %q", se.Question)
	}
	if se.Header != "Design" {
		t.Errorf("header = %q", se.Header)
	}
	if len(se.Options) != 2 {
		t.Fatalf("options = %v", se.Options)
	}
	if se.Options[0].Label != "Option A" || se.Options[0].Description != "fast" {
		t.Errorf("option[0] = %+v", se.Options[0])
	}
	if se.MultiSelect {
		t.Error("expected multi_select false")
	}
	if se.ToolID != "tu_q" {
		t.Errorf("tool_id = %q", se.ToolID)
	}
	// The question is still a tool call and must be tracked.
	if d.Tracker().ActiveCount() != 1 {
		t.Errorf("active = %d", d.Tracker().ActiveCount())
	}
}

func TestDecodeAskUserQuestionFallback(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{
			name: "empty options",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion","input":{"questions":[{"question":"Pick one","options":[]}]}}]}}`,
		},
		{
			name: "no labeled options",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion","input":{"questions":[{"question":"Pick one","options":[{"description":"no label"},{"label":""}]}]}}]}}`,
		},
		{
			name: "no questions",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion","input":{}}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			se := d.Decode(tt.line)
			if se == nil {
				t.Fatal("expected structured event")
			}
			if se.EventType != StructuredToolStart {
				t.Errorf("event_type = %q, want tool_start fallback", se.EventType)
			}
			if se.ToolName != ToolAskUserQuestion {
				t.Errorf("tool_name = %q", se.ToolName)
			}
		})
	}
}

func TestDecodeAskUserQuestionLenientInput(t *testing.T) {
	// Label-less options are dropped, not fatal, and the question text may
	// be empty.
	d := NewDecoder()
	line := `{"type":"assistant","message":{"id":"msg_1","content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion","input":{"questions":[{"options":[{"description":"no label"},{"label":"Keep me","description":"ok"}]}]}}]}}`
	se := d.Decode(line)
	if se == nil {
		t.Fatal("expected structured event")
	}
	if se.EventType != StructuredUserInputRequest {
		t.Fatalf("event_type = %q", se.EventType)
	}
	if se.Question != "" {
		t.Errorf("question = %q, want empty", se.Question)
	}
	if len(se.Options) != 1 || se.Options[0].Label != "Keep me" {
		t.Errorf("options = %v", se.Options)
	}
}

func TestToolTrackerDuration(t *testing.T) {
	tr := NewToolTracker()
	tr.Start("tu_1", "Grep", "msg_1")
	time.Sleep(10 * time.Millisecond)
	name, dur, messageID, ok := tr.Complete("tu_1")
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "Grep" || messageID != "msg_1" {
		t.Errorf("name=%q message=%q", name, messageID)
	}
	if dur < 10 {
		t.Errorf("duration = %dms, want >= 10", dur)
	}
	if _, _, _, ok := tr.Complete("tu_1"); ok {
		t.Error("second completion should fail")
	}
}
