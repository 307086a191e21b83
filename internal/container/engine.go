// Package container defines the contract every container engine adapter
// implements, plus the process-local exec tracker shared between them.
package container

import (
	"context"
	"errors"
	"io"
	"time"
)

// Engine-level sentinel errors.
var (
	// ErrContainerNotFound is returned when the engine has no container
	// with the given id or name.
	ErrContainerNotFound = errors.New("container not found")
	// ErrEngineUnavailable is returned when the engine itself cannot be
	// reached (binary missing, socket down).
	ErrEngineUnavailable = errors.New("container engine unavailable")
	// ErrPullThrottled is returned when an image pull was skipped because
	// the previous attempt for the same image was too recent.
	ErrPullThrottled = errors.New("image pull throttled")
)

// ContainerStatus is the normalized container state reported by InspectState.
type ContainerStatus string

const (
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
	StatusNotFound ContainerStatus = "not_found"
)

// State is the normalized inspect result used by the reconciler and the
// agent runner's error reporter.
type State struct {
	Status     ContainerStatus
	ExitCode   int
	OOMKilled  bool
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ContainerSpec describes a container to create. EnsureContainer is
// idempotent on Name: an existing container with the same name is reused
// and started when stopped.
type ContainerSpec struct {
	Name       string
	Image      string
	WorkingDir string
	Env        []string
	// Binds are mount specs in engine syntax (volume:path[:ro]).
	Binds   []string
	Devices []string
	Command []string
	Network string
	Labels  map[string]string
}

// SessionContainer is one entry of the session-container listing. SessionID
// is parsed from the container name and empty when the name does not match
// the session naming scheme.
type SessionContainer struct {
	ID        string
	Name      string
	SessionID string
	Running   bool
}

// ExecStream is a started exec: a merged output byte stream plus the
// process-local id under which the exec tracker observes its lifetime.
type ExecStream struct {
	ExecID string
	Output io.ReadCloser
	// Stop terminates the underlying process. Engines set it on streams
	// that own a process which never exits on its own, such as file
	// tails; it is nil for execs that run to completion.
	Stop func()
}

// Close releases the output stream and, when the stream owns its process,
// takes that process down with it. Execs without a Stop keep running and
// their exit is still recorded by the tracker.
func (s *ExecStream) Close() error {
	if s.Stop != nil {
		s.Stop()
	}
	if s.Output == nil {
		return nil
	}
	return s.Output.Close()
}

// Engine is the uniform contract over a container engine. Implementations
// must be safe for concurrent use; concurrent execs on one container are
// expected (agent exec, tail, and signal run in parallel).
type Engine interface {
	// EnsureContainer creates the named container, or adopts an existing
	// one with the same name, starting it when stopped. Returns the
	// container id.
	EnsureContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, containerID string) error
	// StopContainer tolerates already-stopped containers.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	// RemoveContainer with force kills and removes in one step.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	InspectState(ctx context.Context, containerID string) (*State, error)
	// Logs returns up to tail lines of container output, "" when
	// unavailable. Used only to decorate error messages.
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	// ListSessionContainers returns every container whose name carries
	// the session naming prefix, running or not.
	ListSessionContainers(ctx context.Context) ([]SessionContainer, error)

	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	// Exec runs cmd inside the container with stdout and stderr merged
	// into one stream.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecStream, error)
	// ExecToFile runs cmd under a shell with line-buffered output
	// redirected into outputFile inside the container. The returned
	// stream carries only shell-level errors (for example a failed
	// redirect); normal output never flows through it, so a slow or
	// absent consumer cannot block the process.
	ExecToFile(ctx context.Context, containerID string, cmd []string, outputFile string) (*ExecStream, error)
	// TailFile streams lines of path appended after startLine (0-based).
	TailFile(ctx context.Context, containerID, path string, startLine int) (*ExecStream, error)
	ReadFile(ctx context.Context, containerID, path string) (string, error)
	FileExists(ctx context.Context, containerID, path string) (bool, error)
	// CopyToContainer copies a host file to dstPath inside the container.
	CopyToContainer(ctx context.Context, containerID, srcPath, dstPath string) error

	// FindProcess returns the pid of the first process whose command line
	// matches pattern (a fixed substring, not a regex), or 0 when none.
	FindProcess(ctx context.Context, containerID, pattern string) (int, error)
	SignalProcess(ctx context.Context, containerID string, pid int, signal string) error
	SignalProcessesByPattern(ctx context.Context, containerID, pattern, signal string) error

	// ExecStatus reports the tracked state of an exec started by this
	// process. Unknown ids yield Known=false.
	ExecStatus(execID string) ExecStatus

	// PullImage fetches an image, subject to per-image rate limiting.
	PullImage(ctx context.Context, image string) error

	Close() error
}
