// Package reconcile aligns the three views of the world that can drift
// apart across crashes: session rows, the engine's containers, and recorded
// agent runs. It runs once at startup and then on a fixed interval.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/agent"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/session"
	"github.com/dockhand/dockhand/internal/session/store"
)

// defaultInterval is the pause between periodic passes.
const defaultInterval = 5 * time.Minute

// Reconciler drives the periodic reconciliation passes.
type Reconciler struct {
	repo     *store.Repository
	engine   container.Engine
	svc      *session.Service
	runner   *agent.Runner
	log      *logger.Logger
	interval time.Duration
}

// New creates a Reconciler with the default interval.
func New(repo *store.Repository, engine container.Engine, svc *session.Service, runner *agent.Runner, log *logger.Logger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		engine:   engine,
		svc:      svc,
		runner:   runner,
		log:      log.WithFields(zap.String("component", "reconcile")),
		interval: defaultInterval,
	}
}

// Start runs one pass immediately and then loops until the context ends.
func (r *Reconciler) Start(ctx context.Context) {
	if err := r.Run(ctx); err != nil {
		r.log.Error("startup reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.log.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// Run performs one reconciliation pass: session statuses are synced to the
// observed container states, containers without a session row are removed,
// and recorded agent runs nobody is consuming are reconnected.
func (r *Reconciler) Run(ctx context.Context) error {
	containers, err := r.engine.ListSessionContainers(ctx)
	if err != nil {
		return err
	}
	bySession := make(map[string]container.SessionContainer, len(containers))
	for _, c := range containers {
		if c.SessionID != "" {
			bySession[c.SessionID] = c
		}
	}

	sessions, err := r.repo.ListSessions(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		known[sess.ID] = true

		// Provisioning in flight; nothing to compare yet.
		if sess.ContainerID == "" {
			continue
		}

		var state *container.State
		if c, ok := bySession[sess.ID]; ok {
			// The container was recreated under the session's name;
			// adopt the new id so start/stop and execs reach it.
			if c.ID != sess.ContainerID {
				if err := r.repo.UpdateSessionContainer(ctx, sess.ID, c.ID, c.Name); err != nil {
					r.log.Warn("failed to adopt recreated container",
						zap.String("session_id", sess.ID), zap.Error(err))
				} else {
					r.log.Info("adopted recreated container",
						zap.String("session_id", sess.ID),
						zap.String("container_id", c.ID))
					sess.ContainerID = c.ID
					sess.ContainerName = c.Name
				}
			}
			state, err = r.engine.InspectState(ctx, c.ID)
			if err != nil {
				r.log.Warn("failed to inspect session container",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
		} else {
			state = &container.State{Status: container.StatusNotFound}
		}

		if err := r.svc.SyncStatus(ctx, sess, state); err != nil {
			r.log.Warn("failed to sync session status",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	// Containers whose session row is gone are leftovers from an
	// incomplete delete.
	for sessionID, c := range bySession {
		if known[sessionID] {
			continue
		}
		r.log.Info("removing orphan session container",
			zap.String("container", c.Name), zap.String("session_id", sessionID))
		if err := r.engine.RemoveContainer(ctx, c.ID, true); err != nil {
			r.log.Warn("failed to remove orphan container",
				zap.String("container", c.Name), zap.Error(err))
		}
	}

	r.reconnectRuns(ctx, known)
	return nil
}

// reconnectRuns resumes or settles agent run rows that no live consumer
// owns. Each reconnection blocks until its agent finishes, so they run on
// their own goroutines.
func (r *Reconciler) reconnectRuns(ctx context.Context, knownSessions map[string]bool) {
	runs, err := r.repo.ListAgentRuns(ctx)
	if err != nil {
		r.log.Error("failed to list agent runs", zap.Error(err))
		return
	}
	for _, run := range runs {
		if !knownSessions[run.SessionID] {
			// The session row is gone; the cascade that should have
			// removed this row never ran.
			if err := r.repo.DeleteAgentRun(ctx, run.SessionID); err != nil {
				r.log.Warn("failed to delete orphan agent run",
					zap.String("session_id", run.SessionID), zap.Error(err))
			}
			continue
		}
		if r.runner.IsRunning(run.SessionID) {
			continue
		}

		run := run
		go func() {
			if err := r.runner.Reconnect(context.Background(), run); err != nil {
				r.log.Error("failed to reconnect agent run",
					zap.String("session_id", run.SessionID), zap.Error(err))
			}
		}()
	}
}
