package v1

// ErrorCode classifies API failures
type ErrorCode string

const (
	// ErrCodePrecondition means the request was valid but the session is
	// not in a state that allows it (agent already running, session not
	// running, credentials missing).
	ErrCodePrecondition ErrorCode = "precondition_failed"
	// ErrCodeNotFound means the referenced session, message or execution
	// does not exist.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict means a uniqueness constraint was hit.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeEngineFailure means the container engine rejected or failed
	// an operation.
	ErrCodeEngineFailure ErrorCode = "engine_failure"
	// ErrCodeAgentFailure means the agent process exited abnormally.
	ErrCodeAgentFailure ErrorCode = "agent_failure"
	// ErrCodeContainerFailure means the session container died or is not
	// running.
	ErrCodeContainerFailure ErrorCode = "container_failure"
	// ErrCodeTransient means the operation may succeed if retried.
	ErrCodeTransient ErrorCode = "transient"
	// ErrCodeUnauthorized means the auth token is absent, revoked,
	// expired or idle beyond its timeout.
	ErrCodeUnauthorized ErrorCode = "unauthorized"
)

// ErrorResponse is the JSON body of every non-2xx API response
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"error"`
}
