package claudecode

import (
	"encoding/json"
	"strings"
	"time"
)

// ParseEvent decodes one line of stream-json output. It returns nil for
// blank lines, lines that are not valid JSON, and events with an
// unrecognized type. Callers treat a nil return as "pass the raw line
// through".
func ParseEvent(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case EventTypeSystem, EventTypeAssistant, EventTypeUser, EventTypeResult:
		return &ev
	default:
		return nil
	}
}

type toolCall struct {
	name      string
	startedAt time.Time
	messageID string
}

// ToolTracker correlates tool_use blocks with the tool_result blocks that
// answer them, measuring wall-clock duration in between. It is driven by a
// single streaming goroutine and is not safe for concurrent use.
type ToolTracker struct {
	active map[string]toolCall
}

// NewToolTracker returns an empty tracker.
func NewToolTracker() *ToolTracker {
	return &ToolTracker{active: make(map[string]toolCall)}
}

// Start records a tool invocation keyed by its tool_use id.
func (t *ToolTracker) Start(toolID, name, messageID string) {
	t.active[toolID] = toolCall{name: name, startedAt: time.Now(), messageID: messageID}
}

// Complete resolves a tool invocation and returns its name, elapsed
// milliseconds, and the id of the assistant message that started it.
// ok is false when the id was never started or was already completed.
func (t *ToolTracker) Complete(toolID string) (name string, durationMS int64, messageID string, ok bool) {
	call, found := t.active[toolID]
	if !found {
		return "", 0, "", false
	}
	delete(t.active, toolID)
	return call.name, time.Since(call.startedAt).Milliseconds(), call.messageID, true
}

// ActiveCount reports how many tool calls are still awaiting results.
func (t *ToolTracker) ActiveCount() int {
	return len(t.active)
}

// Decoder projects protocol events onto structured events. It keeps the
// per-stream state the projection needs: the in-flight tool calls and the
// id of the most recent assistant message. One decoder serves one stream.
type Decoder struct {
	tracker          *ToolTracker
	currentMessageID string
}

// NewDecoder returns a decoder with a fresh tool tracker.
func NewDecoder() *Decoder {
	return &Decoder{tracker: NewToolTracker()}
}

// Tracker exposes the decoder's tool tracker, mainly for diagnostics.
func (d *Decoder) Tracker() *ToolTracker {
	return d.tracker
}

// Decode parses one raw line and returns at most one structured event.
// Lines that don't parse, or parse to an event with nothing to project,
// return nil.
func (d *Decoder) Decode(line string) *StructuredEvent {
	ev := ParseEvent(line)
	if ev == nil {
		return nil
	}
	return d.Project(ev)
}

// Project maps a decoded event onto its structured form.
func (d *Decoder) Project(ev *Event) *StructuredEvent {
	switch ev.Type {
	case EventTypeSystem:
		if ev.Subtype != SubtypeInit {
			return nil
		}
		return &StructuredEvent{
			EventType: StructuredInit,
			SessionID: ev.SessionID,
			Model:     ev.Model,
			Tools:     ev.Tools,
		}

	case EventTypeAssistant:
		return d.projectAssistant(ev.Message)

	case EventTypeUser:
		return d.projectUser(ev.Message)

	case EventTypeResult:
		se := &StructuredEvent{
			EventType:  StructuredComplete,
			IsError:    ev.IsError,
			DurationMS: ev.DurationMS,
			NumTurns:   ev.NumTurns,
		}
		if ev.Result != nil {
			se.Result = *ev.Result
		}
		return se
	}
	return nil
}

// projectAssistant emits a structured event for the first recognized
// content block of an assistant message. Later blocks in the same message
// arrive as separate assistant events when the CLI streams, so collapsing
// to the first block loses nothing in practice.
func (d *Decoder) projectAssistant(msg *Message) *StructuredEvent {
	if msg == nil {
		return nil
	}
	if msg.ID != "" {
		d.currentMessageID = msg.ID
	}

	for i := range msg.Content {
		block := &msg.Content[i]
		switch block.Type {
		case BlockTypeThinking:
			return &StructuredEvent{
				EventType: StructuredThinking,
				Content:   block.Thinking,
				MessageID: d.currentMessageID,
			}

		case BlockTypeToolUse:
			d.tracker.Start(block.ID, block.Name, d.currentMessageID)
			if block.Name == ToolAskUserQuestion {
				if se := parseAskUserQuestion(block.Input); se != nil {
					se.ToolID = block.ID
					se.MessageID = d.currentMessageID
					return se
				}
			}
			return &StructuredEvent{
				EventType: StructuredToolStart,
				ToolID:    block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
				MessageID: d.currentMessageID,
			}

		case BlockTypeText:
			return &StructuredEvent{
				EventType: StructuredText,
				Content:   block.Text,
				MessageID: d.currentMessageID,
			}
		}
	}
	return nil
}

// projectUser resolves the first tool_result block against the tracker.
func (d *Decoder) projectUser(msg *Message) *StructuredEvent {
	if msg == nil {
		return nil
	}
	for i := range msg.Content {
		block := &msg.Content[i]
		if block.Type != BlockTypeToolResult {
			continue
		}
		se := &StructuredEvent{
			EventType:  StructuredToolComplete,
			ToolID:     block.ToolUseID,
			ToolOutput: block.Content,
			IsError:    block.IsError,
		}
		if name, dur, messageID, ok := d.tracker.Complete(block.ToolUseID); ok {
			se.ToolName = name
			se.DurationMS = &dur
			se.MessageID = messageID
		}
		return se
	}
	return nil
}

// ExtractUserInputRequest re-parses a stored assistant line and returns
// the user input request it carries. Used to restore a pending question
// after the process that produced it is gone. Returns nil when the line
// holds no AskUserQuestion invocation.
func ExtractUserInputRequest(line string) *StructuredEvent {
	ev := ParseEvent(line)
	if ev == nil || ev.Type != EventTypeAssistant || ev.Message == nil {
		return nil
	}
	for i := range ev.Message.Content {
		block := &ev.Message.Content[i]
		if block.Type != BlockTypeToolUse || block.Name != ToolAskUserQuestion {
			continue
		}
		se := parseAskUserQuestion(block.Input)
		if se == nil {
			return nil
		}
		se.ToolID = block.ID
		se.MessageID = ev.Message.ID
		return se
	}
	return nil
}

// parseAskUserQuestion extracts a user input request from AskUserQuestion
// tool input. Options without a label are dropped rather than failing the
// parse, and the question text itself may be empty. It returns nil when no
// labeled option survives, in which case the caller falls back to a
// generic tool_start event.
func parseAskUserQuestion(input map[string]any) *StructuredEvent {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil
	}

	var payload struct {
		Questions []struct {
			Question    string `json:"question"`
			Header      string `json:"header"`
			MultiSelect bool   `json:"multiSelect"`
			Options     []struct {
				Label       string `json:"label"`
				Description string `json:"description"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	if len(payload.Questions) == 0 {
		return nil
	}

	q := payload.Questions[0]
	options := make([]UserInputOption, 0, len(q.Options))
	for _, opt := range q.Options {
		if opt.Label == "" {
			continue
		}
		options = append(options, UserInputOption{Label: opt.Label, Description: opt.Description})
	}
	if len(options) == 0 {
		return nil
	}

	return &StructuredEvent{
		EventType:   StructuredUserInputRequest,
		ToolName:    ToolAskUserQuestion,
		Question:    q.Question,
		Header:      q.Header,
		MultiSelect: q.MultiSelect,
		Options:     options,
	}
}
