// Package claudecode parses the Claude Code CLI stream-json protocol.
// When the CLI is invoked with `--output-format stream-json --verbose` it
// emits one JSON object per line; this package decodes those lines into
// typed events and projects them onto the structured events the rest of
// the system consumes.
package claudecode

// Event types emitted by the CLI stream.
const (
	// EventTypeSystem is the session-level system event (subtype "init" at start).
	EventTypeSystem = "system"
	// EventTypeAssistant carries assistant content blocks (text, thinking, tool_use).
	EventTypeAssistant = "assistant"
	// EventTypeUser carries tool results fed back to the model.
	EventTypeUser = "user"
	// EventTypeResult is the final result event for the run.
	EventTypeResult = "result"
)

// SubtypeInit is the system event subtype announcing session identity.
const SubtypeInit = "init"

// Content block types within assistant/user messages.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// ToolAskUserQuestion is the tool name the CLI uses to request a
// multiple-choice answer from the user.
const ToolAskUserQuestion = "AskUserQuestion"

// Event is one decoded line of the stream-json protocol. The Type field
// determines which of the remaining fields are populated.
type Event struct {
	Type string `json:"type"`

	// For system events
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Model     string   `json:"model,omitempty"`
	CWD       string   `json:"cwd,omitempty"`

	// For assistant and user events
	Message *Message `json:"message,omitempty"`

	// For result events
	IsError       bool     `json:"is_error,omitempty"`
	DurationMS    *int64   `json:"duration_ms,omitempty"`
	DurationAPIMS *int64   `json:"duration_api_ms,omitempty"`
	NumTurns      *int     `json:"num_turns,omitempty"`
	Result        *string  `json:"result,omitempty"`
	TotalCostUSD  *float64 `json:"total_cost_usd,omitempty"`
}

// Message is the message envelope inside assistant and user events.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// ContentBlock is one block of message content. The Type field determines
// which of the remaining fields are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Structured event types projected from protocol events.
const (
	StructuredInit             = "init"
	StructuredThinking         = "thinking"
	StructuredToolStart        = "tool_start"
	StructuredToolComplete     = "tool_complete"
	StructuredText             = "text"
	StructuredComplete         = "complete"
	StructuredUserInputRequest = "user_input_request"
)

// UserInputOption is a single choice in a user input request.
type UserInputOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// StructuredEvent is the typed projection of one protocol line. EventType
// determines which of the remaining fields are populated. At most one
// structured event is derived per line.
type StructuredEvent struct {
	EventType string `json:"event_type"`

	// For init events
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// For thinking and text events
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// For tool_start events
	ToolID    string         `json:"tool_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// For tool_complete events
	ToolOutput string `json:"tool_output,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`

	// For complete events
	NumTurns *int   `json:"num_turns,omitempty"`
	Result   string `json:"result,omitempty"`

	// For user_input_request events
	Question    string            `json:"question,omitempty"`
	Header      string            `json:"header,omitempty"`
	Options     []UserInputOption `json:"options,omitempty"`
	MultiSelect bool              `json:"multi_select,omitempty"`
}
