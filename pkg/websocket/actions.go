package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server)
	ActionNodeSubscribe   = "node.subscribe"
	ActionNodeUnsubscribe = "node.unsubscribe"

	// Notification actions (server -> client)
	ActionAgentOutput         = "agent.output"
	ActionAgentComplete       = "agent.complete"
	ActionAgentSessionChanged = "agent.session_changed"
	ActionNodeContextUpdated  = "node.context_updated"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
