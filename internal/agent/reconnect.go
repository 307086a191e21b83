package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/pkg/claude"
)

// Reconnect resumes supervision of an agent run recorded by a previous
// process. Exec ids do not survive restarts, so liveness is re-established
// by finding the agent process inside the container. Three outcomes:
//
//   - the process is still running: resume consuming its output file and
//     block until it exits, exactly like a freshly launched turn;
//   - the process finished while the service was down: replay the output
//     file and clear the row;
//   - the container itself is gone or stopped: record the failure and
//     clear the row.
func (r *Runner) Reconnect(ctx context.Context, run *models.AgentRun) error {
	sessionID := run.SessionID
	log := r.log.WithSessionID(sessionID)

	// The reconcile loop can race a turn this process is already driving.
	if r.registry.isActive(sessionID) {
		return nil
	}

	state, err := r.engine.InspectState(ctx, run.ContainerID)
	if err != nil || state.Status != container.StatusRunning {
		log.Info("agent run's container is gone, recording failure")
		// One salvage attempt; the file usually died with the container,
		// but a stopped-not-removed one may still yield it.
		if err := r.CatchUp(ctx, sessionID, run.ContainerID, run.OutputFile); err != nil {
			log.Debug("output file unreadable from dead container", zap.Error(err))
		}
		r.recordLostRun(ctx, sessionID)
		return r.clearRun(ctx, sessionID)
	}

	pid, err := r.engine.FindProcess(ctx, run.ContainerID, r.cfg.Binary)
	if err != nil {
		return fmt.Errorf("failed to probe for agent process: %w", err)
	}
	if pid == 0 {
		// Finished while the service was down; the file holds everything.
		log.Info("agent finished while service was down, replaying output")
		if err := r.CatchUp(ctx, sessionID, run.ContainerID, run.OutputFile); err != nil {
			log.Warn("failed to replay agent output", zap.Error(err))
		}
		return r.clearRun(ctx, sessionID)
	}

	active := &activeRun{
		sessionID:   sessionID,
		containerID: run.ContainerID,
		pid:         pid,
	}
	if !r.registry.acquire(active) {
		return nil
	}
	defer r.registry.release(sessionID)

	if err := r.repo.UpdateAgentRunPID(ctx, sessionID, pid); err != nil {
		log.Warn("failed to store rediscovered pid", zap.Error(err))
	}
	_ = r.notifier.AgentRunning(ctx, sessionID, true)
	log.Info("reconnected to running agent", zap.Int("pid", pid))

	maxSeq, err := r.repo.MaxSeq(ctx, sessionID)
	if err != nil {
		return err
	}
	proc := r.newLineProcessor(sessionID, maxSeq+1)

	// The exec that launched this run died with the previous process;
	// liveness is now the pid, and the exit code is unknowable.
	isDone := func(pollCtx context.Context) (bool, int, bool) {
		current, err := r.engine.FindProcess(pollCtx, run.ContainerID, r.cfg.Binary)
		if err != nil {
			return false, 0, false
		}
		return current == 0, 0, false
	}

	r.consume(ctx, proc, run.ContainerID, run.OutputFile, isDone)
	if err := r.clearRun(ctx, sessionID); err != nil {
		return err
	}
	log.Info("reconnected agent turn finished")
	return nil
}

func (r *Runner) clearRun(ctx context.Context, sessionID string) error {
	if err := r.repo.DeleteAgentRun(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete agent run row: %w", err)
	}
	_ = r.notifier.AgentRunning(ctx, sessionID, false)
	return nil
}

// recordLostRun appends a failure record for a run whose container died
// while the service was down, after any still-readable output has been
// replayed.
func (r *Runner) recordLostRun(ctx context.Context, sessionID string) {
	maxSeq, err := r.repo.MaxSeq(ctx, sessionID)
	if err != nil {
		return
	}
	content, err := json.Marshal(map[string]interface{}{
		"type":    claude.MessageTypeSystem,
		"subtype": "error",
		"error":   "Container stopped unexpectedly while the agent was running",
	})
	if err != nil {
		return
	}
	proc := r.newLineProcessor(sessionID, maxSeq+1)
	proc.persist(ctx, uuid.New().String(), claude.MessageTypeSystem, content)
}
