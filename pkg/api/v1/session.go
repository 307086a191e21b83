package v1

import "time"

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionStatusCreating SessionStatus = "CREATING"
	SessionStatusRunning  SessionStatus = "RUNNING"
	SessionStatusStopped  SessionStatus = "STOPPED"
	SessionStatusError    SessionStatus = "ERROR"
)

// Session represents an agent session and its backing container
type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Status           SessionStatus `json:"status"`
	ContainerID      *string       `json:"container_id,omitempty"`
	ContainerName    *string       `json:"container_name,omitempty"`
	ImageName        string        `json:"image_name"`
	RepositoryURL    *string       `json:"repository_url,omitempty"`
	RepositoryBranch *string       `json:"repository_branch,omitempty"`
	SessionBranch    *string       `json:"session_branch,omitempty"`
	WorkspaceVolume  *string       `json:"workspace_volume,omitempty"`
	AgentRunning     bool          `json:"agent_running"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// CreateSessionRequest for creating a new session
type CreateSessionRequest struct {
	Name             string  `json:"name" binding:"required,max=255"`
	ImageName        string  `json:"image_name,omitempty"`
	RepositoryURL    *string `json:"repository_url,omitempty"`
	RepositoryBranch *string `json:"repository_branch,omitempty"`
}

// UpdateSessionRequest for updating session metadata
type UpdateSessionRequest struct {
	Name *string `json:"name,omitempty" binding:"omitempty,max=255"`
}

// SessionEvent notifies subscribers of a session status change
type SessionEvent struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// AgentRunningEvent notifies subscribers that an agent turn started or ended
type AgentRunningEvent struct {
	SessionID string    `json:"session_id"`
	Running   bool      `json:"running"`
	Timestamp time.Time `json:"timestamp"`
}
