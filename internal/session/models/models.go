// Package models defines the internal domain types for agent sessions.
package models

import (
	"encoding/json"
	"time"

	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

// Session is a long-running agent session backed by a dedicated container.
type Session struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Status           v1.SessionStatus `json:"status"`
	ContainerID      string           `json:"container_id,omitempty"`
	ContainerName    string           `json:"container_name,omitempty"`
	ImageName        string           `json:"image_name"`
	RepositoryURL    string           `json:"repository_url,omitempty"`
	RepositoryBranch string           `json:"repository_branch,omitempty"`
	SessionBranch    string           `json:"session_branch,omitempty"`
	WorkspaceVolume  string           `json:"workspace_volume,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ToAPI converts the session to its API representation. AgentRunning is
// derived from the runner registry and filled in by the service layer.
func (s *Session) ToAPI() *v1.Session {
	out := &v1.Session{
		ID:        s.ID,
		Name:      s.Name,
		Status:    s.Status,
		ImageName: s.ImageName,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	out.ContainerID = optional(s.ContainerID)
	out.ContainerName = optional(s.ContainerName)
	out.RepositoryURL = optional(s.RepositoryURL)
	out.RepositoryBranch = optional(s.RepositoryBranch)
	out.SessionBranch = optional(s.SessionBranch)
	out.WorkspaceVolume = optional(s.WorkspaceVolume)
	out.ErrorMessage = optional(s.ErrorMessage)
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Message is one persisted entry of a session's conversation history.
// ID is the stable message identifier used for deduplication, Seq is the
// session-scoped ordering. Content holds the raw agent output line.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToAPI converts the message to its API representation.
func (m *Message) ToAPI() *v1.Message {
	return &v1.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Seq:       m.Seq,
		Type:      m.Type,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// AgentRun records an agent invocation that is (or was, until cleanup)
// executing inside a session's container. At most one row exists per
// session.
type AgentRun struct {
	SessionID   string `json:"session_id"`
	ContainerID string `json:"container_id,omitempty"`
	// ExecID identifies the exec within the service process that launched
	// it; it is meaningless after a restart, when recovery falls back to
	// pid discovery.
	ExecID     string `json:"exec_id,omitempty"`
	PID        int    `json:"pid"`
	OutputFile string `json:"output_file"`
	// LastSeq is the highest message sequence persisted from this run's
	// output so far.
	LastSeq   int64     `json:"last_seq"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToAPI converts the run to its API representation.
func (r *AgentRun) ToAPI() *v1.AgentRun {
	return &v1.AgentRun{
		SessionID:  r.SessionID,
		PID:        r.PID,
		OutputFile: r.OutputFile,
		StartedAt:  r.StartedAt,
	}
}
