// Package credentials propagates agent credential files from a host
// directory into every running session container, so re-authenticating on
// the host reaches sessions without restarting them.
package credentials

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/session/store"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

const (
	// debounce coalesces the burst of events a credential refresh writes.
	debounce = 1 * time.Second
	// restartDelay is the pause before a failed watcher is rebuilt.
	restartDelay = 5 * time.Second
)

// allowedFiles is the set of files worth propagating; everything else in
// the host directory is ignored.
var allowedFiles = map[string]bool{
	".credentials.json": true,
	"settings.json":     true,
}

// Syncer watches the host credential directory and copies changed files
// into running session containers.
type Syncer struct {
	engine container.Engine
	repo   *store.Repository
	bus    bus.EventBus
	cfg    config.CredentialsConfig
	log    *logger.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(engine container.Engine, repo *store.Repository, b bus.EventBus, cfg config.CredentialsConfig, log *logger.Logger) *Syncer {
	return &Syncer{
		engine: engine,
		repo:   repo,
		bus:    b,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "credentials")),
	}
}

// Start runs the syncer until the context ends. It seeds all running
// sessions once, then follows filesystem changes and session startups. The
// watcher is rebuilt after transient failures.
func (s *Syncer) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	s.SyncAll(ctx)

	// New sessions get their credentials the moment they reach RUNNING.
	sub, err := s.bus.Subscribe(events.BuildSessionStatusWildcardSubject(), s.onStatusEvent)
	if err != nil {
		s.log.Error("failed to subscribe to session status", zap.Error(err))
	} else {
		defer func() { _ = sub.Unsubscribe() }()
	}

	for {
		err := s.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("credential watcher stopped, restarting", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// watch follows the host directory until an error or cancellation.
func (s *Syncer) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.HostDir); err != nil {
		return err
	}
	s.log.Info("watching credential directory", zap.String("dir", s.cfg.HostDir))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !allowedFiles[filepath.Base(ev.Name)] {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-fire:
			timer = nil
			fire = nil
			s.SyncAll(ctx)
		}
	}
}

// SyncAll copies the credential files into every running session container.
func (s *Syncer) SyncAll(ctx context.Context) {
	sessions, err := s.repo.ListSessionsByStatus(ctx, v1.SessionStatusRunning)
	if err != nil {
		s.log.Error("failed to list running sessions", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		if sess.ContainerID == "" {
			continue
		}
		if err := s.SyncContainer(ctx, sess.ContainerID); err != nil {
			s.log.Warn("failed to sync credentials",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}

// SyncContainer copies every allowed credential file present on the host
// into the container's agent home and fixes ownership.
func (s *Syncer) SyncContainer(ctx context.Context, containerID string) error {
	destDir := s.destDir()

	if err := s.runInContainer(ctx, containerID, []string{"mkdir", "-p", destDir}); err != nil {
		return err
	}

	copied := false
	for name := range allowedFiles {
		src := filepath.Join(s.cfg.HostDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := s.engine.CopyToContainer(ctx, containerID, src, filepath.Join(destDir, name)); err != nil {
			return err
		}
		copied = true
	}
	if !copied {
		return nil
	}

	owner := s.cfg.AgentUser + ":" + s.cfg.AgentUser
	return s.runInContainer(ctx, containerID, []string{"chown", "-R", owner, destDir})
}

func (s *Syncer) destDir() string {
	if s.cfg.AgentUser == "root" {
		return "/root/.claude"
	}
	return "/home/" + s.cfg.AgentUser + "/.claude"
}

// runInContainer executes a short command and waits for it.
func (s *Syncer) runInContainer(ctx context.Context, containerID string, cmd []string) error {
	stream, err := s.engine.Exec(ctx, containerID, cmd)
	if err != nil {
		return err
	}
	defer stream.Close()

	deadline := time.Now().Add(30 * time.Second)
	for {
		status := s.engine.ExecStatus(stream.ExecID)
		if status.Known && !status.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// onStatusEvent syncs a session's container when it reaches RUNNING. The
// payload arrives typed from the in-memory bus and as decoded JSON from
// NATS, so both shapes are handled.
func (s *Syncer) onStatusEvent(ctx context.Context, ev *bus.Event) error {
	if ev.Type != events.SessionStatusChanged {
		return nil
	}

	var sessionID, status string
	switch data := ev.Data.(type) {
	case *events.StatusPayload:
		sessionID, status = data.SessionID, data.Status
	case map[string]interface{}:
		sessionID, _ = data["session_id"].(string)
		status, _ = data["status"].(string)
	default:
		return nil
	}
	if status != string(v1.SessionStatusRunning) || sessionID == "" {
		return nil
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || sess.ContainerID == "" {
		return nil
	}
	if err := s.SyncContainer(ctx, sess.ContainerID); err != nil {
		s.log.Warn("failed to sync credentials to new session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}
