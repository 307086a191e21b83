package v1

import "time"

// RunAgentRequest submits one prompt to a session's agent
type RunAgentRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// AgentRun represents an in-flight agent turn
type AgentRun struct {
	SessionID  string    `json:"session_id"`
	PID        int       `json:"pid,omitempty"`
	OutputFile string    `json:"output_file"`
	StartedAt  time.Time `json:"started_at"`
}

// ResourceLimits defines container resource limits
type ResourceLimits struct {
	CPULimit    string `json:"cpu_limit,omitempty"`
	MemoryLimit string `json:"memory_limit,omitempty"`
}
