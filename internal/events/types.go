// Package events provides event types and subject helpers for the Caspian
// event system.
package events

// Event types for agent output streaming
const (
	AgentOutput   = "agent.output"   // Base subject for agent output events
	AgentComplete = "agent.complete" // Agent run finished (success or failure)
)

// Event types for agent sessions
const (
	AgentSessionStateChanged = "agent_session.state_changed"
)

// Event types for nodes
const (
	NodeContextUpdated = "node.context_updated" // Node context summary refreshed
)

// BuildAgentOutputSubject creates an agent output subject for a specific node
func BuildAgentOutputSubject(nodeID string) string {
	return AgentOutput + "." + nodeID
}

// BuildAgentOutputWildcardSubject creates a wildcard subscription for all agent output events
func BuildAgentOutputWildcardSubject() string {
	return AgentOutput + ".*"
}

// BuildAgentSessionSubject creates a session state subject for a specific node
func BuildAgentSessionSubject(nodeID string) string {
	return AgentSessionStateChanged + "." + nodeID
}

// BuildAgentSessionWildcardSubject creates a wildcard subscription for all session state events
func BuildAgentSessionWildcardSubject() string {
	return AgentSessionStateChanged + ".*"
}
