// Package agent runs the coding agent CLI inside session containers: one
// invocation per prompt, output streamed from a file inside the container,
// parsed into transcript messages, fanned out over the event bus, and
// recovered across service restarts.
package agent

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/session/store"
)

// systemPromptSuffix is appended to every invocation. Users observe the
// agent's work only through the remote repository, so uncommitted changes
// are invisible to them.
const systemPromptSuffix = "You are working in a disposable container. " +
	"Always commit your changes and push them to the remote repository " +
	"before finishing a task; work that is not pushed cannot be seen by " +
	"the user and will be lost when the session is deleted."

// Polling and timeout constants for one agent turn.
const (
	// outputFileWait bounds how long the runner waits for the redirected
	// output file to appear after launch.
	outputFileWait         = 5 * time.Second
	outputFilePollInterval = 100 * time.Millisecond

	// pidDiscoveryAttempts x pidDiscoveryInterval bounds pid discovery.
	pidDiscoveryAttempts = 10
	pidDiscoveryInterval = 200 * time.Millisecond

	// execPollInterval paces the is-the-agent-still-running probe.
	execPollInterval = 1 * time.Second

	// tailDrainWait gives the tail stream a moment to deliver trailing
	// lines after the agent exits, before the full-file catch-up read.
	tailDrainWait = 500 * time.Millisecond

	// Log tail sizes attached to failure messages.
	containerFailureLogLines = 50
	agentFailureLogLines     = 30
)

// Sentinel errors surfaced through the API error taxonomy.
var (
	// ErrAgentAlreadyRunning means a second prompt arrived while a turn
	// was in flight (conflict).
	ErrAgentAlreadyRunning = errors.New("agent already running for session")
	// ErrContainerNotRunning means the session container is not running
	// (precondition).
	ErrContainerNotRunning = errors.New("session container is not running")
	// ErrNoRunningAgent means an interrupt found nothing to signal.
	ErrNoRunningAgent = errors.New("no running agent for session")
	// ErrAgentStartup means the launch shell reported an error before the
	// agent produced any output (for example a failed redirect).
	ErrAgentStartup = errors.New("agent failed to start")
)

// Runner launches and supervises agent invocations. At most one invocation
// is active per session, enforced by the in-memory registry and the
// persistent agent_runs row together.
type Runner struct {
	engine   container.Engine
	repo     *store.Repository
	notifier *events.Notifier
	cfg      config.AgentConfig
	log      *logger.Logger

	registry *registry
}

// NewRunner creates a Runner.
func NewRunner(engine container.Engine, repo *store.Repository, notifier *events.Notifier, cfg config.AgentConfig, log *logger.Logger) *Runner {
	return &Runner{
		engine:   engine,
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "agent")),
		registry: newRegistry(),
	}
}

// IsRunning reports whether this process is currently consuming an agent
// turn for the session.
func (r *Runner) IsRunning(sessionID string) bool {
	return r.registry.isActive(sessionID)
}

// outputFilePath is the per-session file the agent's output is redirected
// into. It lives in the container's /tmp and survives service restarts,
// which is what makes crash recovery possible.
func (r *Runner) outputFilePath(sessionID string) string {
	return "/tmp/dockhand-agent-" + sessionID + ".jsonl"
}
