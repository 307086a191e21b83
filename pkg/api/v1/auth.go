package v1

import "time"

// AuthSession represents an authenticated API session
type AuthSession struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	LastRotatedAt  time.Time  `json:"last_rotated_at"`
}

// LoginRequest exchanges credentials for a session token
type LoginRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Secret string `json:"secret" binding:"required"`
}

// LoginResponse carries the issued session token
type LoginResponse struct {
	Token   string      `json:"token"`
	Session AuthSession `json:"session"`
}

// RotatedTokenHeader is set on responses when the session token was
// rotated while serving the request. Clients must switch to the new
// token; the old one stays valid until its idle timeout.
const RotatedTokenHeader = "X-Rotated-Token"
