package container

import "strings"

// Namer derives container and volume names from the configured namespace.
// Session containers are named <namespace>-session-<id> so they can be
// discovered by prefix after a restart.
type Namer struct {
	Namespace string
}

// SessionContainerPrefix returns the prefix shared by all session containers.
func (n Namer) SessionContainerPrefix() string {
	return n.Namespace + "-session-"
}

// SessionContainerName returns the container name for a session.
func (n Namer) SessionContainerName(sessionID string) string {
	return n.SessionContainerPrefix() + sessionID
}

// WorkspaceVolumeName returns the per-session workspace volume name.
func (n Namer) WorkspaceVolumeName(sessionID string) string {
	return n.Namespace + "-workspace-" + sessionID
}

// SessionIDFromContainerName extracts the session id from a container name,
// or "" when the name does not follow the session naming scheme.
func (n Namer) SessionIDFromContainerName(name string) string {
	name = strings.TrimPrefix(name, "/")
	prefix := n.SessionContainerPrefix()
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}
