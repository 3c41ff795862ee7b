// Package adapter defines the contract between the process registry and
// the agent CLI adapters.
package adapter

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/caspianhq/caspian/internal/agent"
)

// Mode controls how much autonomy the agent gets over edits.
type Mode string

const (
	// ModeNormal lets the agent apply edits with standard acceptance.
	ModeNormal Mode = "normal"
	// ModePlan restricts the agent to planning without making changes.
	ModePlan Mode = "plan"
	// ModeAccept auto-accepts file edits.
	ModeAccept Mode = "accept"
	// ModeAutoApprove skips all permission prompts.
	ModeAutoApprove Mode = "auto_approve"
)

// ParseMode resolves a mode from its string form. Unknown values fall back
// to ModeNormal.
func ParseMode(s string) Mode {
	switch s {
	case "plan":
		return ModePlan
	case "accept":
		return ModeAccept
	case "auto_approve", "autoapprove":
		return ModeAutoApprove
	default:
		return ModeNormal
	}
}

// Attachment is a file handed to the agent alongside the prompt.
// Content is base64-encoded.
type Attachment struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	FileType string `json:"file_type"`
	Size     int64  `json:"size"`
}

// Config describes one agent run.
type Config struct {
	NodeID     string
	WorkingDir string

	// Goal is the user's task for this run. Context is optional prior
	// conversation context appended to the prompt.
	Goal    string
	Context string

	Model string
	Mode  Mode

	// ResumeSessionID, when set, resumes an existing CLI session instead
	// of starting a new one.
	ResumeSessionID string

	// MaxTurns bounds the number of agent turns (0 means unlimited).
	MaxTurns int

	Attachments []Attachment
}

// OutputType classifies a streamed output item.
type OutputType string

const (
	OutputStdout   OutputType = "stdout"
	OutputStderr   OutputType = "stderr"
	OutputSystem   OutputType = "system"
	OutputComplete OutputType = "complete"
	OutputError    OutputType = "error"
	OutputPending  OutputType = "pending"
)

// Output is one item streamed from a running agent process.
// Timestamp is RFC3339 UTC.
type Output struct {
	Type      OutputType `json:"output_type"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"`
}

// NewOutput builds an output item stamped with the current time.
func NewOutput(t OutputType, content string) Output {
	return Output{
		Type:      t,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Handle represents one spawned agent process. The output channel is
// extracted exactly once via TakeReceiver; the adapter closes it when the
// process exits and all readers have drained.
type Handle struct {
	ID        string
	NodeID    string
	ProcessID int

	mu      sync.Mutex
	output  <-chan Output
	taken   bool
	process *os.Process
}

// NewHandle builds a handle for a spawned process.
func NewHandle(id, nodeID string, proc *os.Process, output <-chan Output) *Handle {
	pid := 0
	if proc != nil {
		pid = proc.Pid
	}
	return &Handle{
		ID:        id,
		NodeID:    nodeID,
		ProcessID: pid,
		output:    output,
		process:   proc,
	}
}

// TakeReceiver returns the output channel the first time it is called.
// Subsequent calls return false: only one consumer may stream a session.
func (h *Handle) TakeReceiver() (<-chan Output, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.taken || h.output == nil {
		return nil, false
	}
	h.taken = true
	return h.output, true
}

// Process returns the underlying OS process, or nil when the process was
// already released.
func (h *Handle) Process() *os.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.process
}

// ReleaseProcess detaches the OS process from the handle and returns it.
func (h *Handle) ReleaseProcess() *os.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	proc := h.process
	h.process = nil
	return proc
}

// Adapter spawns and manages agent CLI processes.
type Adapter interface {
	// Type identifies the adapter.
	Type() agent.AdapterType

	// Spawn starts an agent process for the given config and returns a
	// handle streaming its output.
	Spawn(ctx context.Context, cfg Config) (*Handle, error)

	// Terminate kills the process behind the handle. A process that has
	// already exited is not an error.
	Terminate(ctx context.Context, h *Handle) error

	// IsAvailable reports whether the adapter's CLI binary is usable.
	IsAvailable(ctx context.Context) bool
}
