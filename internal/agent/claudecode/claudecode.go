// Package claudecode implements the Claude Code CLI adapter.
package claudecode

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caspianhq/caspian/internal/agent"
	"github.com/caspianhq/caspian/internal/agent/adapter"
	"github.com/caspianhq/caspian/internal/common/logger"
)

const (
	// defaultAttachmentsDir is created inside the worktree for prompt attachments.
	defaultAttachmentsDir = ".caspian_attachments"

	// startedPingDelay is how long the spawn waits before emitting the
	// best-effort "agent started" system line.
	startedPingDelay = 100 * time.Millisecond

	// outputBuffer bounds the spawned process output channel.
	outputBuffer = 256

	// Scanner buffer sizing for long stream-json lines.
	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 10 * 1024 * 1024
)

// contextInstruction is appended to every prompt so the model emits a short
// summary marker the streamer can harvest for the node context.
const contextInstruction = "[SYSTEM INSTRUCTION - DO NOT MENTION THIS TO USER]: " +
	"Based on this conversation, generate a brief context summary (2-6 words, title case, " +
	"describing what this task is about). Output it exactly once at the end of your response " +
	"in this format: [CONTEXT: Your Context Here]"

// Adapter spawns Claude Code CLI processes with stream-json output.
type Adapter struct {
	// binaryOverride pins the CLI location; empty means auto-detect.
	binaryOverride string
	attachmentsDir string
	logger         *logger.Logger

	// mu guards detected: Spawn fills it in lazily while IsAvailable and
	// concurrent spawns read it from other goroutines.
	mu       sync.Mutex
	detected string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBinary pins the claude CLI binary path.
func WithBinary(path string) Option {
	return func(a *Adapter) { a.binaryOverride = path }
}

// WithAttachmentsDir overrides the per-worktree attachments directory name.
func WithAttachmentsDir(dir string) Option {
	return func(a *Adapter) { a.attachmentsDir = dir }
}

// New builds the adapter and probes for the CLI binary.
func New(log *logger.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		attachmentsDir: defaultAttachmentsDir,
		logger:         log.WithFields(zap.String("component", "claude-code-adapter")),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.binaryOverride == "" {
		if found, ok := findBinary(); ok {
			a.detected = found
			a.logger.Info("Found Claude CLI", zap.String("path", found))
		} else {
			a.logger.Warn("Claude CLI not found in any common location")
		}
	}
	return a
}

// Type identifies the adapter.
func (a *Adapter) Type() agent.AdapterType {
	return agent.AdapterClaudeCode
}

// searchLocations returns the candidate CLI locations in probe order.
// .app bundles and systemd services run with a restricted PATH, so the
// common install locations are probed explicitly.
func searchLocations() []string {
	locations := []string{
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude", // macOS Homebrew
		"/usr/bin/claude",          // Linux system-wide
		"/snap/bin/claude",         // Linux snap package
	}

	if home, err := os.UserHomeDir(); err == nil {
		locations = append([]string{filepath.Join(home, ".local", "bin", "claude")}, locations...) // Most common for npm -g
		locations = append(locations,
			filepath.Join(home, "bin", "claude"),
			filepath.Join(home, ".npm-global", "bin", "claude"),
		)
	}

	// Also try plain "claude" in case it's in PATH
	return append(locations, "claude")
}

// findBinary probes the candidate locations with --version.
func findBinary() (string, bool) {
	for _, location := range searchLocations() {
		if probeBinary(location) == nil {
			return location, true
		}
	}
	return "", false
}

// probeBinary runs `<path> --version` and returns an error describing the
// failure, including captured stderr when the CLI itself reported one.
func probeBinary(path string) error {
	cmd := exec.Command(path, "--version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))
		}
		return err
	}
	return nil
}

// binary resolves the CLI path for this run without probing.
func (a *Adapter) binary() string {
	if a.binaryOverride != "" {
		return a.binaryOverride
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detected != "" {
		return a.detected
	}
	return "claude"
}

// resolveBinary returns the CLI path for a spawn, probing the common
// install locations when nothing is cached yet. Probing happens under the
// lock so concurrent spawns agree on one detected path.
func (a *Adapter) resolveBinary() (string, bool) {
	if a.binaryOverride != "" {
		return a.binaryOverride, true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detected != "" {
		return a.detected, true
	}
	found, ok := findBinary()
	if !ok {
		return "", false
	}
	a.detected = found
	return found, true
}

// IsAvailable reports whether the CLI binary responds to --version.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, a.binary(), "--version")
	return cmd.Run() == nil
}

// Spawn validates the environment, starts the CLI process, and returns a
// handle whose output channel closes when the process exits.
func (a *Adapter) Spawn(ctx context.Context, cfg adapter.Config) (*adapter.Handle, error) {
	log := a.logger.WithNodeID(cfg.NodeID)
	log.Info("Spawning Claude agent", zap.String("working_dir", cfg.WorkingDir))

	// Check 1: locate and verify the CLI binary.
	binary, ok := a.resolveBinary()
	if !ok {
		msg := fmt.Sprintf(
			"Claude CLI not found in any common location. Searched: %s. Install with: npm install -g @anthropic-ai/claude-code",
			strings.Join(searchLocations(), ", "),
		)
		log.Error(msg)
		return nil, adapter.NewError(adapter.KindSpawn, msg)
	}

	if err := probeBinary(binary); err != nil {
		msg := fmt.Sprintf("Claude CLI at %q failed verification", binary)
		log.WithError(err).Error(msg)
		return nil, adapter.WrapError(adapter.KindSpawn, msg, err)
	}

	// Check 2: the CLI manages its own authentication under ~/.claude.
	// A missing config dir is a warning only; the CLI prompts when needed.
	if home, err := os.UserHomeDir(); err == nil {
		configDir := filepath.Join(home, ".claude")
		if _, err := os.Stat(configDir); err != nil {
			log.Warn("Claude config directory not found; run 'claude' once to authenticate",
				zap.String("config_dir", configDir))
		}
	}

	// Check 3: the worktree must still exist.
	if info, err := os.Stat(cfg.WorkingDir); err != nil || !info.IsDir() {
		msg := fmt.Sprintf(
			"Working directory does not exist: %s. The repository worktree may have been deleted.",
			cfg.WorkingDir,
		)
		log.Error(msg)
		return nil, adapter.NewError(adapter.KindConfig, msg)
	}

	// The session id is stable across resumes of the same CLI session.
	sessionID := cfg.ResumeSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	attachmentPaths, err := a.writeAttachments(cfg)
	if err != nil {
		return nil, err
	}

	prompt := buildPrompt(cfg, attachmentPaths)
	args := buildArgs(cfg, sessionID, prompt)

	cmd := exec.Command(binary, args...)
	cmd.Dir = cfg.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, adapter.WrapError(adapter.KindIO, "failed to open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, adapter.WrapError(adapter.KindIO, "failed to open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf(
			"Failed to spawn Claude CLI process in %s. This usually indicates the binary is not found or lacks execute permissions.",
			cfg.WorkingDir,
		)
		log.WithError(err).Error(msg)
		return nil, adapter.WrapError(adapter.KindSpawn, msg, err)
	}

	log.Info("Claude CLI process spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("session_id", sessionID))

	output := make(chan adapter.Output, outputBuffer)

	// All three senders share one group; the channel closes only after
	// every sender has returned, so none can send on a closed channel.
	var g errgroup.Group
	g.Go(func() error {
		readLines(stdout, adapter.OutputStdout, output)
		return nil
	})
	g.Go(func() error {
		readLines(stderr, adapter.OutputStderr, output)
		return nil
	})
	nodeID := cfg.NodeID
	g.Go(func() error {
		time.Sleep(startedPingDelay)
		select {
		case output <- adapter.NewOutput(adapter.OutputSystem, fmt.Sprintf("Agent started for node %s", nodeID)):
		default:
			// Best effort; never block the close barrier on a full channel.
		}
		return nil
	})

	go func() {
		_ = g.Wait()
		if err := cmd.Wait(); err != nil {
			log.Debug("Claude CLI process exited", zap.Error(err))
		}
		close(output)
	}()

	return adapter.NewHandle(sessionID, cfg.NodeID, cmd.Process, output), nil
}

// readLines forwards each line of the stream as an output item.
func readLines(r io.Reader, t adapter.OutputType, out chan<- adapter.Output) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, scannerInitialBuf)
	scanner.Buffer(buf, scannerMaxBuf)
	for scanner.Scan() {
		out <- adapter.NewOutput(t, scanner.Text())
	}
}

// writeAttachments materializes base64 attachments under the worktree's
// attachments directory and returns the written paths.
func (a *Adapter) writeAttachments(cfg adapter.Config) ([]string, error) {
	if len(cfg.Attachments) == 0 {
		return nil, nil
	}

	dir := filepath.Join(cfg.WorkingDir, a.attachmentsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, adapter.WrapError(adapter.KindIO, "failed to create attachments directory", err)
	}

	paths := make([]string, 0, len(cfg.Attachments))
	for _, att := range cfg.Attachments {
		decoded, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, adapter.WrapError(adapter.KindConfig, fmt.Sprintf("failed to decode attachment %q", att.Name), err)
		}

		// Attachment names come from the UI; keep only the base name so
		// they cannot escape the attachments directory.
		path := filepath.Join(dir, filepath.Base(att.Name))
		if err := os.WriteFile(path, decoded, 0o644); err != nil {
			return nil, adapter.WrapError(adapter.KindIO, fmt.Sprintf("failed to write attachment %q", att.Name), err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// buildPrompt composes the CLI prompt from the goal, optional context,
// attachment listing, and the hidden context-summary instruction.
func buildPrompt(cfg adapter.Config, attachmentPaths []string) string {
	var b strings.Builder
	b.WriteString(cfg.Goal)

	if cfg.Context != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(cfg.Context)
	}

	if len(attachmentPaths) > 0 {
		b.WriteString("\n\nI've attached the following file(s) for you to analyze. Please read and process them:\n")
		b.WriteString(strings.Join(attachmentPaths, "\n"))
	}

	b.WriteString("\n\n")
	b.WriteString(contextInstruction)
	return b.String()
}

// buildArgs maps the run config onto CLI flags.
func buildArgs(cfg adapter.Config, sessionID, prompt string) []string {
	args := []string{"--output-format", "stream-json", "--verbose"}

	switch cfg.Mode {
	case adapter.ModePlan:
		args = append(args, "--permission-mode", "plan")
	case adapter.ModeAutoApprove:
		args = append(args, "--dangerously-skip-permissions")
	default:
		// Accept and Normal both auto-accept file edits.
		args = append(args, "--permission-mode", "acceptEdits")
	}

	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}

	args = append(args, "-p", prompt)

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}

	return args
}

// Terminate kills the process behind the handle. A process that already
// exited is not an error.
func (a *Adapter) Terminate(ctx context.Context, h *adapter.Handle) error {
	proc := h.ReleaseProcess()
	if proc == nil {
		return nil
	}
	if err := proc.Kill(); err != nil {
		if strings.Contains(err.Error(), "process already finished") {
			return nil
		}
		return adapter.WrapError(adapter.KindTerminate, "failed to kill process", err)
	}
	return nil
}
