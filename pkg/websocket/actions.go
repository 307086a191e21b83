package websocket

// Action constants for websocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server)
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionStatus  = "session.status"
	ActionSessionMessage = "session.message"
	ActionSessionAgent   = "session.agent"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
