// Package session coordinates the lifecycle of agent sessions: the database
// row, the workspace volume, and the backing container move through
// CREATING, RUNNING, STOPPED and ERROR together.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/agent"
	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/internal/workspace"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

const (
	// stopGrace is how long a container gets to shut down before SIGKILL.
	stopGrace = 10 * time.Second

	// provisionTimeout bounds the background provisioning of one session
	// (volume, clone, container start).
	provisionTimeout = 15 * time.Minute
)

// ErrSessionNotRunning is returned when an operation requires a running
// session container.
var ErrSessionNotRunning = errors.New("session is not running")

// Service owns session lifecycle transitions. Provisioning runs in the
// background: Create returns the row in CREATING and the session reaches
// RUNNING or ERROR asynchronously, announced on the status subject.
type Service struct {
	repo        *store.Repository
	engine      container.Engine
	provisioner *workspace.Provisioner
	runner      *agent.Runner
	notifier    *events.Notifier
	namer       container.Namer
	cfg         *config.Config
	log         *logger.Logger
}

// NewService creates a Service.
func NewService(repo *store.Repository, engine container.Engine, provisioner *workspace.Provisioner, runner *agent.Runner, notifier *events.Notifier, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		repo:        repo,
		engine:      engine,
		provisioner: provisioner,
		runner:      runner,
		notifier:    notifier,
		namer:       container.Namer{Namespace: cfg.Engine.Namespace},
		cfg:         cfg,
		log:         log.WithFields(zap.String("component", "session")),
	}
}

// Create persists a new session and kicks off provisioning in the
// background.
func (s *Service) Create(ctx context.Context, req *v1.CreateSessionRequest) (*v1.Session, error) {
	sess := &models.Session{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Status:    v1.SessionStatusCreating,
		ImageName: req.ImageName,
	}
	if sess.ImageName == "" {
		sess.ImageName = s.cfg.Agent.Image
	}
	if req.RepositoryURL != nil {
		sess.RepositoryURL = *req.RepositoryURL
	}
	if req.RepositoryBranch != nil {
		sess.RepositoryBranch = *req.RepositoryBranch
	}
	if sess.RepositoryURL != "" && sess.RepositoryBranch == "" {
		sess.RepositoryBranch = "main"
	}

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	_ = s.notifier.SessionCreated(ctx, &events.StatusPayload{
		SessionID: sess.ID,
		Status:    string(sess.Status),
	})

	go s.provision(sess)

	return sess.ToAPI(), nil
}

// provision builds the session's workspace and container, then moves the
// row to RUNNING. Any failure parks the session in ERROR with the cause.
func (s *Service) provision(sess *models.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()
	log := s.log.WithSessionID(sess.ID)

	workDir := s.cfg.Agent.WorkDir
	volumeName := s.namer.WorkspaceVolumeName(sess.ID)
	binds := []string{volumeName + ":" + s.cfg.Agent.WorkDir}

	if sess.RepositoryURL != "" {
		result, err := s.provisioner.Provision(ctx, sess.ID, sess.RepositoryURL, sess.RepositoryBranch)
		if err != nil {
			s.fail(ctx, sess.ID, fmt.Errorf("workspace provisioning failed: %w", err))
			return
		}
		workDir = result.RepoDir
		if err := s.repo.UpdateSessionWorkspace(ctx, sess.ID, result.VolumeName, result.SessionBranch); err != nil {
			s.fail(ctx, sess.ID, err)
			return
		}
	} else {
		// No repository: the session still gets a persistent workspace.
		if err := s.engine.CreateVolume(ctx, volumeName); err != nil {
			s.fail(ctx, sess.ID, fmt.Errorf("failed to create workspace volume: %w", err))
			return
		}
		if err := s.repo.UpdateSessionWorkspace(ctx, sess.ID, volumeName, ""); err != nil {
			s.fail(ctx, sess.ID, err)
			return
		}
	}

	containerName := s.namer.SessionContainerName(sess.ID)
	containerID, err := s.engine.EnsureContainer(ctx, container.ContainerSpec{
		Name:       containerName,
		Image:      sess.ImageName,
		WorkingDir: workDir,
		Binds:      binds,
		Command:    []string{"sleep", "infinity"},
		Network:    s.cfg.Engine.DefaultNetwork,
		Labels:     map[string]string{"dockhand.session-id": sess.ID},
	})
	if err != nil {
		s.fail(ctx, sess.ID, fmt.Errorf("failed to start session container: %w", err))
		return
	}

	if err := s.repo.UpdateSessionContainer(ctx, sess.ID, containerID, containerName); err != nil {
		s.fail(ctx, sess.ID, err)
		return
	}
	if err := s.transition(ctx, sess.ID, v1.SessionStatusRunning, ""); err != nil {
		log.Error("failed to mark session running", zap.Error(err))
		return
	}
	log.Info("session provisioned", zap.String("container_id", containerID))
}

// Get returns one session with its live agent flag.
func (s *Service) Get(ctx context.Context, id string) (*v1.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	out := sess.ToAPI()
	out.AgentRunning = s.runner.IsRunning(id)
	return out, nil
}

// List returns all sessions, newest first. A non-empty query filters by
// name substring.
func (s *Service) List(ctx context.Context, query string) ([]*v1.Session, error) {
	var (
		sessions []*models.Session
		err      error
	)
	if query != "" {
		sessions, err = s.repo.SearchSessions(ctx, query)
	} else {
		sessions, err = s.repo.ListSessions(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Session, 0, len(sessions))
	for _, sess := range sessions {
		api := sess.ToAPI()
		api.AgentRunning = s.runner.IsRunning(sess.ID)
		out = append(out, api)
	}
	return out, nil
}

// Update applies metadata changes to a session.
func (s *Service) Update(ctx context.Context, id string, req *v1.UpdateSessionRequest) (*v1.Session, error) {
	if req.Name != nil {
		if err := s.repo.UpdateSessionName(ctx, id, *req.Name); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

// Start brings a stopped session's container back up.
func (s *Service) Start(ctx context.Context, id string) error {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == v1.SessionStatusRunning {
		return nil
	}
	if sess.ContainerID == "" {
		return fmt.Errorf("%w: session %s has no container", ErrSessionNotRunning, id)
	}
	if err := s.engine.StartContainer(ctx, sess.ContainerID); err != nil {
		return fmt.Errorf("failed to start session container: %w", err)
	}
	return s.transition(ctx, id, v1.SessionStatusRunning, "")
}

// Stop interrupts any running agent and stops the session's container.
func (s *Service) Stop(ctx context.Context, id string) error {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if err := s.runner.Interrupt(ctx, id); err != nil && !errors.Is(err, agent.ErrNoRunningAgent) {
		s.log.WithSessionID(id).Warn("failed to interrupt agent before stop", zap.Error(err))
	}

	if sess.ContainerID != "" {
		if err := s.engine.StopContainer(ctx, sess.ContainerID, stopGrace); err != nil {
			return fmt.Errorf("failed to stop session container: %w", err)
		}
	}
	return s.transition(ctx, id, v1.SessionStatusStopped, "")
}

// Delete tears a session down completely: container, workspace volume, and
// every database row. Messages and the agent run row go with the session
// via foreign key cascade.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	log := s.log.WithSessionID(id)

	if sess.ContainerID != "" {
		if err := s.engine.RemoveContainer(ctx, sess.ContainerID, true); err != nil {
			log.Warn("failed to remove session container", zap.Error(err))
		}
	}
	if err := s.provisioner.Delete(ctx, id); err != nil {
		log.Warn("failed to remove workspace volume", zap.Error(err))
	}

	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return err
	}
	_ = s.notifier.SessionDeleted(ctx, id)
	log.Info("session deleted")
	return nil
}

// RunPrompt starts one agent turn in the background. The conflict and
// precondition checks run synchronously so the caller gets a meaningful
// error; output then flows through the message subjects.
func (s *Service) RunPrompt(ctx context.Context, id, prompt string) error {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != v1.SessionStatusRunning || sess.ContainerID == "" {
		return fmt.Errorf("%w: %s", ErrSessionNotRunning, id)
	}
	if s.runner.IsRunning(id) {
		return fmt.Errorf("%w: %s", agent.ErrAgentAlreadyRunning, id)
	}

	go func() {
		if err := s.runner.Run(context.Background(), id, sess.ContainerID, prompt); err != nil {
			s.log.WithSessionID(id).Error("agent turn failed", zap.Error(err))
		}
	}()
	return nil
}

// InterruptAgent signals the session's running agent.
func (s *Service) InterruptAgent(ctx context.Context, id string) error {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return err
	}
	return s.runner.Interrupt(ctx, id)
}

// ListMessages returns the session's transcript after afterSeq.
func (s *Service) ListMessages(ctx context.Context, id string, afterSeq int64, limit int) ([]*v1.Message, error) {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, id, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToAPI())
	}
	return out, nil
}

// Sync probes the session's container and reconciles the stored status with
// what the engine reports, returning the refreshed session. Sessions without
// a container are returned as-is.
func (s *Service) Sync(ctx context.Context, id string) (*v1.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ContainerID != "" {
		state, err := s.engine.InspectState(ctx, sess.ContainerID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container: %w", err)
		}
		if err := s.SyncStatus(ctx, sess, state); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

// SyncStatus reconciles a session row against the observed container state.
// It is called by the reconciler with what it found (or did not find).
// Sessions still provisioning are left alone; their container may simply
// not have appeared yet.
func (s *Service) SyncStatus(ctx context.Context, sess *models.Session, state *container.State) error {
	if sess.Status == v1.SessionStatusCreating {
		return nil
	}
	switch {
	case state == nil || state.Status == container.StatusNotFound,
		state != nil && state.Status == container.StatusStopped:
		if sess.Status == v1.SessionStatusRunning {
			return s.transition(ctx, sess.ID, v1.SessionStatusStopped, "")
		}
	case state.Status == container.StatusRunning:
		if sess.Status == v1.SessionStatusStopped || sess.Status == v1.SessionStatusError {
			return s.transition(ctx, sess.ID, v1.SessionStatusRunning, "")
		}
	}
	return nil
}

func (s *Service) transition(ctx context.Context, id string, status v1.SessionStatus, errorMessage string) error {
	if err := s.repo.UpdateSessionStatus(ctx, id, status, errorMessage); err != nil {
		return err
	}
	return s.notifier.StatusChanged(ctx, &events.StatusPayload{
		SessionID: id,
		Status:    string(status),
		Error:     errorMessage,
	})
}

func (s *Service) fail(ctx context.Context, id string, cause error) {
	s.log.WithSessionID(id).Error("session provisioning failed", zap.Error(cause))
	if err := s.transition(ctx, id, v1.SessionStatusError, cause.Error()); err != nil {
		s.log.WithSessionID(id).Error("failed to record provisioning error", zap.Error(err))
	}
}
