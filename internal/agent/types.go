// Package agent defines the shared types for agent sessions.
package agent

// AdapterType identifies an agent adapter implementation.
type AdapterType string

const (
	// AdapterClaudeCode is the Claude Code CLI adapter.
	AdapterClaudeCode AdapterType = "claude-code"
)

// ParseAdapterType resolves an adapter type from its string form.
// Both the underscore and hyphen spellings are accepted.
func ParseAdapterType(s string) (AdapterType, bool) {
	switch s {
	case "claude_code", "claude-code":
		return AdapterClaudeCode, true
	default:
		return "", false
	}
}

// String returns the canonical string form.
func (t AdapterType) String() string {
	return string(t)
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusRunning    SessionStatus = "running"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusTerminated SessionStatus = "terminated"
	// StatusPending means the agent stopped while waiting for user input.
	StatusPending SessionStatus = "pending"
)

// ParseSessionStatus resolves a session status from its string form.
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch SessionStatus(s) {
	case StatusIdle, StatusRunning, StatusCompleted, StatusFailed, StatusTerminated, StatusPending:
		return SessionStatus(s), true
	default:
		return "", false
	}
}

// String returns the string form.
func (s SessionStatus) String() string {
	return string(s)
}

// Session is an agent session record as stored in the database.
// Timestamps are RFC3339 UTC strings.
type Session struct {
	ID              string        `db:"id" json:"id"`
	NodeID          string        `db:"node_id" json:"node_id"`
	WorkspaceID     string        `db:"workspace_id" json:"workspace_id"`
	AdapterType     AdapterType   `db:"adapter_type" json:"adapter_type"`
	ProcessID       *int          `db:"process_id" json:"process_id,omitempty"`
	Status          SessionStatus `db:"status" json:"status"`
	ClaudeSessionID *string       `db:"claude_session_id" json:"claude_session_id,omitempty"`
	StartedAt       string        `db:"started_at" json:"started_at"`
	EndedAt         *string       `db:"ended_at" json:"ended_at,omitempty"`
}
