package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/events"
	"github.com/caspianhq/caspian/internal/events/bus"
	ws "github.com/caspianhq/caspian/pkg/websocket"
)

// AgentStreamBroadcaster bridges agent events from the event bus onto
// WebSocket clients. Output and session-state events are routed to clients
// subscribed to the node; completions and context updates go to everyone
// so list views stay fresh.
type AgentStreamBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterAgentStreamNotifications wires agent event subjects to the hub.
// The broadcaster closes itself when ctx is cancelled.
func RegisterAgentStreamNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *AgentStreamBroadcaster {
	b := &AgentStreamBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-agent-stream-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribeNode(eventBus, events.BuildAgentOutputWildcardSubject(), ws.ActionAgentOutput)
	b.subscribeNode(eventBus, events.BuildAgentSessionWildcardSubject(), ws.ActionAgentSessionChanged)
	b.subscribeAll(eventBus, events.AgentComplete, ws.ActionAgentComplete)
	b.subscribeAll(eventBus, events.NodeContextUpdated, ws.ActionNodeContextUpdated)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from all event subjects.
func (b *AgentStreamBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

// subscribeNode routes events to clients subscribed to the event's node.
func (b *AgentStreamBroadcaster) subscribeNode(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		nodeID := extractNodeID(event.Data)
		if nodeID == "" {
			return nil
		}
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.BroadcastToNode(nodeID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// subscribeAll routes events to every connected client.
func (b *AgentStreamBroadcaster) subscribeAll(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func extractNodeID(data any) string {
	if data == nil {
		return ""
	}
	if typed, ok := data.(interface{ GetNodeID() string }); ok {
		return typed.GetNodeID()
	}
	if m, ok := data.(map[string]any); ok {
		if nodeID, ok := m["node_id"].(string); ok {
			return nodeID
		}
	}
	return ""
}
