// Package service orchestrates agent sessions: spawning, terminating,
// resuming, and reconciling database state against live processes.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/agent"
	"github.com/caspianhq/caspian/internal/agent/adapter"
	"github.com/caspianhq/caspian/internal/agent/streaming"
	"github.com/caspianhq/caspian/internal/chat"
	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/events"
	"github.com/caspianhq/caspian/internal/events/bus"
	"github.com/caspianhq/caspian/internal/node"
	"github.com/caspianhq/caspian/pkg/claudecode"
)

// spawnMaxRetries bounds resume attempts against transient API errors.
const spawnMaxRetries = 3

type processRegistry interface {
	Spawn(ctx context.Context, adapterType agent.AdapterType, cfg adapter.Config) (*adapter.Handle, error)
	TakeReceiver(sessionID string) (<-chan adapter.Output, bool)
	Terminate(ctx context.Context, sessionID string) error
	TerminateForNode(ctx context.Context, nodeID string) error
	SessionForNode(nodeID string) (string, bool)
	Remove(sessionID string)
	IsAdapterAvailable(ctx context.Context, t agent.AdapterType) bool
	AvailableAdapters(ctx context.Context) []agent.AdapterType
}

type sessionStore interface {
	Upsert(ctx context.Context, nodeID, workspaceID, sessionID string, adapterType agent.AdapterType, status agent.SessionStatus) error
	GetByNode(ctx context.Context, nodeID string) (*agent.Session, error)
	ClaudeSessionForNode(ctx context.Context, nodeID string) (string, agent.SessionStatus, bool, error)
	UpdateStatus(ctx context.Context, nodeID string, status agent.SessionStatus, success bool) error
	UpdateClaudeSessionID(ctx context.Context, nodeID, claudeSessionID string) error
	ResetStale(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]agent.Session, error)
	GetBatch(ctx context.Context, nodeIDs []string) ([]agent.Session, error)
}

type messageStore interface {
	Insert(ctx context.Context, workspaceID, nodeID string, sender chat.SenderType, senderID, content string, msgType chat.MessageType, metadata *string) (string, error)
	LatestAgentContents(ctx context.Context, nodeID string, limit int) ([]string, error)
	LatestUserInputRequest(ctx context.Context, nodeID string) (content, metadata string, ok bool, err error)
}

type nodeStore interface {
	Get(ctx context.Context, id string) (*node.Node, error)
	UpdateContext(ctx context.Context, id, nodeContext string) error
}

// SpawnRequest describes a new agent run.
type SpawnRequest struct {
	WorkspaceID string               `json:"workspace_id"`
	NodeID      string               `json:"node_id"`
	AdapterType string               `json:"adapter_type"`
	Goal        string               `json:"goal"`
	WorkingDir  string               `json:"working_dir"`
	Context     string               `json:"context,omitempty"`
	Model       string               `json:"model,omitempty"`
	Mode        string               `json:"mode,omitempty"`
	Attachments []adapter.Attachment `json:"attachments,omitempty"`
}

// ResumeRequest resumes a paused agent with the user's answer as the new
// prompt.
type ResumeRequest struct {
	WorkspaceID string `json:"workspace_id"`
	NodeID      string `json:"node_id"`
	WorkingDir  string `json:"working_dir"`
	UserInput   string `json:"user_input"`
	Model       string `json:"model,omitempty"`
}

// PendingUserInput is a restored agent question for a node whose session
// paused waiting on the user.
type PendingUserInput struct {
	ToolID      string                       `json:"tool_id"`
	Question    string                       `json:"question"`
	Header      string                       `json:"header,omitempty"`
	Options     []claudecode.UserInputOption `json:"options"`
	MultiSelect bool                         `json:"multi_select"`
	MessageID   string                       `json:"message_id"`
}

// Service glues the process registry, the stores, and the streamers
// together. All status decisions read the database as the source of truth
// and use the registry only to check for live processes.
type Service struct {
	registry processRegistry
	sessions sessionStore
	messages messageStore
	nodes    nodeStore
	eventBus bus.EventBus
	logger   *logger.Logger

	// Overridable in tests.
	sessionIDPollDelays []time.Duration
	spawnRetryDelays    []time.Duration
	startStream         func(sessionID, workspaceID, nodeID string, rx <-chan adapter.Output)
}

// New builds the orchestration service.
func New(reg processRegistry, sessions sessionStore, messages messageStore, nodes nodeStore, eventBus bus.EventBus, log *logger.Logger) *Service {
	s := &Service{
		registry: reg,
		sessions: sessions,
		messages: messages,
		nodes:    nodes,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "agent-service")),
		sessionIDPollDelays: []time.Duration{
			100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond,
			400 * time.Millisecond, 500 * time.Millisecond, 600 * time.Millisecond,
			700 * time.Millisecond, 800 * time.Millisecond,
		},
		spawnRetryDelays: []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
	}
	s.startStream = func(sessionID, workspaceID, nodeID string, rx <-chan adapter.Output) {
		streamer := streaming.NewStreamer(sessionID, workspaceID, nodeID, s.eventBus, s.sessions, s.messages, s.nodes, s.registry, log)
		streamer.Start(rx)
	}
	return s
}

// ResetStaleSessions moves every leftover session back to idle. Called
// once at startup: any status other than idle refers to a process from a
// previous run that no longer exists.
func (s *Service) ResetStaleSessions(ctx context.Context) error {
	n, err := s.sessions.ResetStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Reset stale agent sessions", zap.Int64("count", n))
	}
	return nil
}

// Spawn starts an agent for a node. A node whose database row says
// running but has no live process is an orphan: its row is corrected to
// failed and the spawn proceeds. When a previous Claude session id exists
// the new run resumes that conversation.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*agent.Session, error) {
	adapterType, ok := agent.ParseAdapterType(req.AdapterType)
	if !ok {
		return nil, adapter.NewError(adapter.KindConfig, fmt.Sprintf("invalid adapter type: %s", req.AdapterType))
	}

	existing, err := s.sessions.GetByNode(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == agent.StatusRunning {
		if _, live := s.registry.SessionForNode(req.NodeID); live {
			return nil, adapter.NewError(adapter.KindAlreadyRunning, "agent already running for this node")
		}
		// Orphan: the process died but the row was never settled.
		s.logger.Warn("Correcting orphaned running session before spawn",
			zap.String("node_id", req.NodeID),
			zap.String("session_id", existing.ID))
		if err := s.sessions.UpdateStatus(ctx, req.NodeID, agent.StatusFailed, false); err != nil {
			s.logger.WithError(err).Error("Failed to correct orphaned session")
		}
	}

	cfg := adapter.Config{
		NodeID:      req.NodeID,
		WorkingDir:  req.WorkingDir,
		Goal:        req.Goal,
		Context:     req.Context,
		Model:       req.Model,
		Mode:        adapter.ParseMode(req.Mode),
		Attachments: req.Attachments,
	}

	// Resume the prior conversation when we captured its Claude session
	// id. An empty id means the init event never arrived; start fresh.
	if adapterType == agent.AdapterClaudeCode {
		claudeID, status, found, err := s.sessions.ClaudeSessionForNode(ctx, req.NodeID)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to look up claude session id")
		} else if found && claudeID != "" {
			s.logger.Info("Resuming existing claude session",
				zap.String("node_id", req.NodeID),
				zap.String("claude_session_id", claudeID),
				zap.String("status", status.String()))
			cfg.ResumeSessionID = claudeID
		}
	}

	return s.spawnAndStream(ctx, adapterType, cfg, req.WorkspaceID)
}

// spawnAndStream runs one spawn attempt and wires up persistence and
// streaming for the new session.
func (s *Service) spawnAndStream(ctx context.Context, adapterType agent.AdapterType, cfg adapter.Config, workspaceID string) (*agent.Session, error) {
	handle, err := s.registry.Spawn(ctx, adapterType, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Upsert(ctx, cfg.NodeID, workspaceID, handle.ID, adapterType, agent.StatusRunning); err != nil {
		// The process is alive either way; streaming must still start.
		s.logger.WithError(err).Error("Failed to store session row")
	}
	s.publishSessionState(ctx, cfg.NodeID, handle.ID, agent.StatusRunning)

	if rx, ok := s.registry.TakeReceiver(handle.ID); ok {
		s.startStream(handle.ID, workspaceID, cfg.NodeID, rx)
	}

	sess, err := s.sessions.GetByNode(ctx, cfg.NodeID)
	if err != nil || sess == nil {
		pid := handle.ProcessID
		return &agent.Session{
			ID:          handle.ID,
			NodeID:      cfg.NodeID,
			WorkspaceID: workspaceID,
			AdapterType: adapterType,
			ProcessID:   &pid,
			Status:      agent.StatusRunning,
			StartedAt:   time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
	return sess, nil
}

// Terminate kills the process behind a session id.
func (s *Service) Terminate(ctx context.Context, sessionID string) error {
	return s.registry.Terminate(ctx, sessionID)
}

// TerminateForNode kills the node's live agent. The database row is
// settled first so a status read during teardown never reports running.
func (s *Service) TerminateForNode(ctx context.Context, nodeID string) error {
	if err := s.sessions.UpdateStatus(ctx, nodeID, agent.StatusTerminated, false); err != nil {
		s.logger.WithError(err).Error("Failed to settle session before terminate")
	}
	s.publishSessionState(ctx, nodeID, "", agent.StatusTerminated)
	return s.registry.TerminateForNode(ctx, nodeID)
}

// Status returns the node's session from the database, correcting orphans
// on the way: a row that claims running without a live process is marked
// failed and re-read.
func (s *Service) Status(ctx context.Context, nodeID string) (*agent.Session, error) {
	sess, err := s.sessions.GetByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	if sess.Status == agent.StatusRunning {
		if _, live := s.registry.SessionForNode(nodeID); !live {
			if err := s.sessions.UpdateStatus(ctx, nodeID, agent.StatusFailed, false); err != nil {
				s.logger.WithError(err).Error("Failed to correct orphaned session")
			}
			return s.sessions.GetByNode(ctx, nodeID)
		}
	}
	return sess, nil
}

// List returns all sessions, newest first.
func (s *Service) List(ctx context.Context) ([]agent.Session, error) {
	return s.sessions.List(ctx)
}

// StatusBatch returns the sessions for several nodes in one query.
func (s *Service) StatusBatch(ctx context.Context, nodeIDs []string) ([]agent.Session, error) {
	return s.sessions.GetBatch(ctx, nodeIDs)
}

// ResumeWithInput restarts a paused agent, feeding the user's answer as
// the prompt of a resumed Claude session. Transient API failures are
// retried with backoff.
func (s *Service) ResumeWithInput(ctx context.Context, req ResumeRequest) (*agent.Session, error) {
	// A live process would hold the node; drop it first. Absence is fine.
	if err := s.registry.TerminateForNode(ctx, req.NodeID); err != nil && !adapter.IsNotFound(err) {
		s.logger.WithError(err).Warn("Failed to terminate existing process before resume")
	}

	claudeID, err := s.waitForClaudeSessionID(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("cannot resume agent: %w", err)
	}
	if claudeID == "" {
		return nil, fmt.Errorf("invalid claude session id for node %s, the agent initialization may have failed", req.NodeID)
	}

	s.logger.Info("Resuming agent with user input",
		zap.String("node_id", req.NodeID),
		zap.String("claude_session_id", claudeID))

	var lastErr error
	for attempt := 0; attempt < spawnMaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.spawnRetryDelays[attempt-1]
			s.logger.Warn("Retrying agent resume after transient error",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		cfg := adapter.Config{
			NodeID:          req.NodeID,
			WorkingDir:      req.WorkingDir,
			Goal:            req.UserInput,
			Model:           req.Model,
			ResumeSessionID: claudeID,
		}
		sess, err := s.spawnAndStream(ctx, agent.AdapterClaudeCode, cfg, req.WorkspaceID)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if !isTransientSpawnError(err) || attempt == spawnMaxRetries-1 {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to resume agent after %d retries: %w", spawnMaxRetries, lastErr)
}

// waitForClaudeSessionID polls the database for the Claude session id
// captured from the init event. The resume request can arrive before the
// streamer has stored it, so a handful of short waits covers the race.
func (s *Service) waitForClaudeSessionID(ctx context.Context, nodeID string) (string, error) {
	attempts := len(s.sessionIDPollDelays)
	for i, delay := range s.sessionIDPollDelays {
		claudeID, status, found, err := s.sessions.ClaudeSessionForNode(ctx, nodeID)
		if err != nil {
			return "", err
		}
		if found && claudeID != "" {
			s.logger.Info("Found claude session id",
				zap.String("node_id", nodeID),
				zap.Int("attempt", i+1),
				zap.String("status", status.String()))
			return claudeID, nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	_, _, found, err := s.sessions.ClaudeSessionForNode(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if found {
		return "", fmt.Errorf("claude session id still empty for node %s after %d attempts, the init event may not have been received", nodeID, attempts)
	}
	return "", fmt.Errorf("no agent session found for node %s after %d attempts, the agent may not have been spawned", nodeID, attempts)
}

// PendingUserInput restores the agent's unanswered question for a node.
// Returns nil unless the session status is pending and the stored
// assistant message still parses.
func (s *Service) PendingUserInput(ctx context.Context, nodeID string) (*PendingUserInput, error) {
	sess, err := s.sessions.GetByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Status != agent.StatusPending {
		return nil, nil
	}

	content, _, ok, err := s.messages.LatestUserInputRequest(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	se := claudecode.ExtractUserInputRequest(content)
	if se == nil {
		return nil, nil
	}
	return &PendingUserInput{
		ToolID:      se.ToolID,
		Question:    se.Question,
		Header:      se.Header,
		Options:     se.Options,
		MultiSelect: se.MultiSelect,
		MessageID:   se.MessageID,
	}, nil
}

// AvailableAdapters lists adapter types whose CLI is usable.
func (s *Service) AvailableAdapters(ctx context.Context) []string {
	types := s.registry.AvailableAdapters(ctx)
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.String())
	}
	return names
}

// IsAdapterAvailable probes one adapter type by name.
func (s *Service) IsAdapterAvailable(ctx context.Context, adapterType string) bool {
	t, ok := agent.ParseAdapterType(adapterType)
	if !ok {
		return false
	}
	return s.registry.IsAdapterAvailable(ctx, t)
}

func (s *Service) publishSessionState(ctx context.Context, nodeID, sessionID string, status agent.SessionStatus) {
	ev := bus.NewEvent(events.AgentSessionStateChanged, "agent-service", map[string]interface{}{
		"node_id":    nodeID,
		"session_id": sessionID,
		"status":     status.String(),
	})
	if err := s.eventBus.Publish(ctx, events.BuildAgentSessionSubject(nodeID), ev); err != nil {
		s.logger.WithError(err).Warn("Failed to publish session state change")
	}
}

// isTransientSpawnError matches API-side failures that resolve on retry,
// like a model that 404s right after a deploy or a brief 5xx.
func isTransientSpawnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"404", "not_found", "temporarily unavailable", "service unavailable", "503", "502"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
