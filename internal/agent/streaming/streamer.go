// Package streaming pumps agent process output to the event bus and the
// chat database, and settles the session's final status.
package streaming

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/agent"
	"github.com/caspianhq/caspian/internal/agent/adapter"
	"github.com/caspianhq/caspian/internal/chat"
	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/events"
	"github.com/caspianhq/caspian/internal/events/bus"
	"github.com/caspianhq/caspian/internal/node"
	"github.com/caspianhq/caspian/pkg/claudecode"
)

// contextScanLimit is how many recent agent messages are scanned for a
// [CONTEXT: ...] marker at completion.
const contextScanLimit = 10

// OutputEvent is the bus payload for one streamed output item.
type OutputEvent struct {
	SessionID  string                      `json:"session_id"`
	NodeID     string                      `json:"node_id"`
	OutputType string                      `json:"output_type"`
	Content    string                      `json:"content"`
	Timestamp  string                      `json:"timestamp"`
	Structured *claudecode.StructuredEvent `json:"structured,omitempty"`
}

// GetNodeID reports which node the output belongs to.
func (e *OutputEvent) GetNodeID() string { return e.NodeID }

// CompleteEvent is the bus payload announcing a finished agent run.
// NodeName and NodeContext carry the node's display info so notification
// consumers don't have to query for it.
type CompleteEvent struct {
	SessionID   string  `json:"session_id"`
	NodeID      string  `json:"node_id"`
	Success     bool    `json:"success"`
	Message     string  `json:"message,omitempty"`
	NodeName    *string `json:"node_name,omitempty"`
	NodeContext *string `json:"node_context,omitempty"`
}

// GetNodeID reports which node the completed run belongs to.
func (e *CompleteEvent) GetNodeID() string { return e.NodeID }

type sessionStore interface {
	UpdateStatus(ctx context.Context, nodeID string, status agent.SessionStatus, success bool) error
	UpdateClaudeSessionID(ctx context.Context, nodeID, claudeSessionID string) error
}

type messageStore interface {
	Insert(ctx context.Context, workspaceID, nodeID string, sender chat.SenderType, senderID, content string, msgType chat.MessageType, metadata *string) (string, error)
	LatestAgentContents(ctx context.Context, nodeID string, limit int) ([]string, error)
}

type nodeStore interface {
	Get(ctx context.Context, id string) (*node.Node, error)
	UpdateContext(ctx context.Context, id, nodeContext string) error
}

type sessionRemover interface {
	Remove(sessionID string)
}

// Streamer consumes one session's output channel. It decodes stream-json
// lines, persists chat messages, publishes output events, and writes the
// final session status when the stream ends.
type Streamer struct {
	sessionID   string
	workspaceID string
	nodeID      string

	eventBus bus.EventBus
	sessions sessionStore
	messages messageStore
	nodes    nodeStore
	registry sessionRemover
	logger   *logger.Logger

	done chan struct{}
}

// NewStreamer builds a streamer for one spawned session.
func NewStreamer(sessionID, workspaceID, nodeID string, eventBus bus.EventBus, sessions sessionStore, messages messageStore, nodes nodeStore, registry sessionRemover, log *logger.Logger) *Streamer {
	return &Streamer{
		sessionID:   sessionID,
		workspaceID: workspaceID,
		nodeID:      nodeID,
		eventBus:    eventBus,
		sessions:    sessions,
		messages:    messages,
		nodes:       nodes,
		registry:    registry,
		logger: log.WithFields(
			zap.String("component", "output-streamer"),
			zap.String("session_id", sessionID),
			zap.String("node_id", nodeID)),
		done: make(chan struct{}),
	}
}

// Start launches the streaming goroutine. The receiver must be the
// session's output channel taken from the registry.
func (s *Streamer) Start(rx <-chan adapter.Output) {
	go s.run(rx)
}

// Done is closed when the stream has fully settled, after the session is
// removed from the registry.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

func (s *Streamer) run(rx <-chan adapter.Output) {
	defer close(s.done)
	// Always free the node for a new spawn, whatever ended the stream.
	defer s.registry.Remove(s.sessionID)

	ctx := context.Background()
	decoder := claudecode.NewDecoder()
	pendingUserInput := false
	completePublished := false

	for output := range rx {
		var structured *claudecode.StructuredEvent
		if output.Type == adapter.OutputStdout {
			structured = decoder.Decode(output.Content)
		}

		if structured != nil {
			switch structured.EventType {
			case claudecode.StructuredInit:
				// The CLI assigns its own session id and ignores the one we
				// passed. Resume only works with the id from this event.
				if structured.SessionID == "" {
					s.logger.Error("Init event carried an empty session id, resume will fail")
				} else if err := s.sessions.UpdateClaudeSessionID(ctx, s.nodeID, structured.SessionID); err != nil {
					s.logger.WithError(err).Error("Failed to store claude session id")
				} else {
					s.logger.Info("Captured claude session id",
						zap.String("claude_session_id", structured.SessionID))
				}
			case claudecode.StructuredUserInputRequest:
				pendingUserInput = true
			}
		}

		msgType, shouldInsert := classifyOutput(output.Type)
		internal := isInternal(output.Type, structured)
		metadata := buildMetadata(structured, internal)

		if shouldInsert {
			if _, err := s.messages.Insert(ctx, s.workspaceID, s.nodeID, chat.SenderAgent, s.sessionID, output.Content, msgType, metadata); err != nil {
				s.logger.WithError(err).Error("Failed to persist agent message")
			}
		}

		s.publishOutput(ctx, output, structured)

		if output.Type == adapter.OutputComplete {
			s.setStatus(ctx, agent.StatusCompleted, true)
			if !completePublished {
				completePublished = true
				s.publishComplete(ctx, true, "Agent completed successfully")
			}
			s.drain(rx)
			return
		}
		if output.Type == adapter.OutputError {
			s.setStatus(ctx, agent.StatusFailed, false)
			if !completePublished {
				completePublished = true
				s.publishComplete(ctx, false, output.Content)
			}
			s.drain(rx)
			return
		}
	}

	// Channel closed: the process ended without an explicit terminal item.
	if pendingUserInput {
		// The agent stopped to ask the user something. Mark the session
		// pending and stay silent; this is a pause, not a completion.
		s.setStatus(ctx, agent.StatusPending, true)
		return
	}
	s.setStatus(ctx, agent.StatusCompleted, true)
	if !completePublished {
		s.publishComplete(ctx, true, "Agent process ended")
	}
}

// drain keeps consuming after a terminal item so the process goroutines
// can flush and close the channel.
func (s *Streamer) drain(rx <-chan adapter.Output) {
	for range rx {
	}
}

func (s *Streamer) setStatus(ctx context.Context, status agent.SessionStatus, success bool) {
	if err := s.sessions.UpdateStatus(ctx, s.nodeID, status, success); err != nil {
		s.logger.WithError(err).Error("Failed to update session status",
			zap.String("status", status.String()))
	}
}

func (s *Streamer) publishOutput(ctx context.Context, output adapter.Output, structured *claudecode.StructuredEvent) {
	payload := &OutputEvent{
		SessionID:  s.sessionID,
		NodeID:     s.nodeID,
		OutputType: string(output.Type),
		Content:    output.Content,
		Timestamp:  output.Timestamp,
		Structured: structured,
	}
	ev := bus.NewEvent(events.AgentOutput, "output-streamer", payload)
	if err := s.eventBus.Publish(ctx, events.BuildAgentOutputSubject(s.nodeID), ev); err != nil {
		s.logger.WithError(err).Warn("Failed to publish agent output")
	}
}

func (s *Streamer) publishComplete(ctx context.Context, success bool, message string) {
	name, nodeContext := s.nodeDisplayInfo(ctx)
	payload := &CompleteEvent{
		SessionID:   s.sessionID,
		NodeID:      s.nodeID,
		Success:     success,
		Message:     message,
		NodeName:    name,
		NodeContext: nodeContext,
	}
	ev := bus.NewEvent(events.AgentComplete, "output-streamer", payload)
	if err := s.eventBus.Publish(ctx, events.AgentComplete, ev); err != nil {
		s.logger.WithError(err).Warn("Failed to publish agent completion")
	}
}

// nodeDisplayInfo extracts a fresh context summary from the latest agent
// messages, stores it, and returns the node's display name and context.
// The completion event must show the new context, not the stale one.
func (s *Streamer) nodeDisplayInfo(ctx context.Context) (*string, *string) {
	contents, err := s.messages.LatestAgentContents(ctx, s.nodeID, contextScanLimit)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load recent agent messages")
	}
	for _, content := range contents {
		extracted, ok := extractContextMarker(content)
		if !ok {
			continue
		}
		if err := s.nodes.UpdateContext(ctx, s.nodeID, extracted); err != nil {
			s.logger.WithError(err).Warn("Failed to store node context")
		} else {
			ev := bus.NewEvent(events.NodeContextUpdated, "output-streamer", map[string]interface{}{
				"node_id": s.nodeID,
				"context": extracted,
			})
			if err := s.eventBus.Publish(ctx, events.NodeContextUpdated, ev); err != nil {
				s.logger.WithError(err).Warn("Failed to publish context update")
			}
		}
		break
	}

	n, err := s.nodes.Get(ctx, s.nodeID)
	if err != nil || n == nil {
		return nil, nil
	}
	return &n.DisplayName, n.Context
}

// extractContextMarker pulls the summary out of a [CONTEXT: ...] marker.
// The marker search is case-insensitive; the extracted text keeps its
// original casing.
func extractContextMarker(content string) (string, bool) {
	const marker = "[context:"
	lower := strings.ToLower(content)
	start := strings.Index(lower, marker)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(marker):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return "", false
	}
	extracted := strings.TrimSpace(rest[:end])
	if extracted == "" {
		return "", false
	}
	return extracted, true
}

// classifyOutput maps an output type to a chat message type and whether
// the item is persisted at all. Terminal complete items are bus-only.
func classifyOutput(t adapter.OutputType) (chat.MessageType, bool) {
	switch t {
	case adapter.OutputStdout:
		return chat.TypeCode, true
	case adapter.OutputStderr:
		return chat.TypeError, true
	case adapter.OutputSystem:
		return chat.TypeSystem, true
	case adapter.OutputComplete:
		return chat.TypeSystem, false
	case adapter.OutputError:
		return chat.TypeError, true
	case adapter.OutputPending:
		return chat.TypeSystem, true
	default:
		return chat.TypeText, false
	}
}

// isInternal flags messages the UI should hide: protocol plumbing and raw
// CLI noise, as opposed to content a user would read.
func isInternal(t adapter.OutputType, structured *claudecode.StructuredEvent) bool {
	if structured != nil {
		switch structured.EventType {
		case claudecode.StructuredInit, claudecode.StructuredComplete:
			return true
		default:
			return false
		}
	}
	// Unparsed stdout is raw CLI output; system items are plumbing like
	// the startup ping.
	return t == adapter.OutputStdout || t == adapter.OutputSystem
}

type messageMetadata struct {
	Structured bool   `json:"structured,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	Internal   bool   `json:"internal"`
}

// buildMetadata renders the metadata JSON stored with a message, or nil
// when there is nothing to record.
func buildMetadata(structured *claudecode.StructuredEvent, internal bool) *string {
	var meta *messageMetadata
	if structured != nil {
		meta = &messageMetadata{Structured: true, EventType: structured.EventType, Internal: internal}
	} else if internal {
		meta = &messageMetadata{Internal: true}
	}
	if meta == nil {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	str := string(raw)
	return &str
}
