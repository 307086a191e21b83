package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/pkg/claude"
)

// Interrupt delivers SIGINT to the session's running agent. The agent
// handles it like a terminal Ctrl-C: it stops the current work, emits a
// final result record, and exits 130. The transcript is marked so clients
// can render the cut.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) error {
	log := r.log.WithSessionID(sessionID)

	containerID, pid, err := r.locateRun(ctx, sessionID)
	if err != nil {
		return err
	}

	state, err := r.engine.InspectState(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect session container: %w", err)
	}
	if state.Status != container.StatusRunning {
		// Nothing left to signal; the row is stale.
		if err := r.repo.DeleteAgentRun(ctx, sessionID); err != nil && !errors.Is(err, store.ErrRunNotFound) {
			log.Warn("failed to clear stale agent run row", zap.Error(err))
		}
		return fmt.Errorf("%w: %s", ErrNoRunningAgent, sessionID)
	}

	if pid > 0 {
		err = r.engine.SignalProcess(ctx, containerID, pid, "INT")
	} else {
		// pid discovery may not have completed; fall back to signalling
		// every process matching the agent binary.
		err = r.engine.SignalProcessesByPattern(ctx, containerID, r.cfg.Binary, "INT")
	}
	if err != nil {
		return fmt.Errorf("failed to signal agent: %w", err)
	}
	log.Info("interrupt delivered", zap.Int("pid", pid))

	r.markLastMessageInterrupted(ctx, sessionID)
	r.appendInterruptMarker(ctx, sessionID)
	return nil
}

// locateRun resolves the container and pid of the session's active run,
// from the in-memory registry first and the persisted row second.
func (r *Runner) locateRun(ctx context.Context, sessionID string) (string, int, error) {
	if run, ok := r.registry.get(sessionID); ok {
		return run.containerID, run.pid, nil
	}
	row, err := r.repo.GetAgentRun(ctx, sessionID)
	if errors.Is(err, store.ErrRunNotFound) {
		return "", 0, fmt.Errorf("%w: %s", ErrNoRunningAgent, sessionID)
	}
	if err != nil {
		return "", 0, err
	}
	return row.ContainerID, row.PID, nil
}

// markLastMessageInterrupted flags the most recent non-user message so the
// transcript shows where the turn was cut short.
func (r *Runner) markLastMessageInterrupted(ctx context.Context, sessionID string) {
	log := r.log.WithSessionID(sessionID)

	msg, err := r.repo.LatestNonUserMessage(ctx, sessionID)
	if errors.Is(err, store.ErrMessageNotFound) {
		return
	}
	if err != nil {
		log.Warn("failed to load message for interrupt marking", zap.Error(err))
		return
	}

	var content map[string]interface{}
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		log.Warn("failed to decode message for interrupt marking", zap.Error(err))
		return
	}
	content["interrupted"] = true
	updated, err := json.Marshal(content)
	if err != nil {
		return
	}
	if err := r.repo.UpdateMessageContent(ctx, sessionID, msg.ID, updated); err != nil {
		log.Warn("failed to mark message interrupted", zap.Error(err))
		return
	}
	_ = r.notifier.MessageUpdated(ctx, &events.MessagePayload{
		SessionID: sessionID,
		MessageID: msg.ID,
		Seq:       msg.Seq,
		Type:      msg.Type,
		Content:   updated,
	})
}

// appendInterruptMarker records the interrupt itself as a user message, in
// transcript order after whatever the agent produced so far.
func (r *Runner) appendInterruptMarker(ctx context.Context, sessionID string) {
	log := r.log.WithSessionID(sessionID)

	maxSeq, err := r.repo.MaxSeq(ctx, sessionID)
	if err != nil {
		log.Warn("failed to allocate interrupt marker sequence", zap.Error(err))
		return
	}
	content, err := json.Marshal(map[string]string{
		"type":    claude.MessageTypeUser,
		"subtype": "interrupt",
	})
	if err != nil {
		return
	}
	proc := r.newLineProcessor(sessionID, maxSeq+1)
	proc.persist(ctx, uuid.New().String(), claude.MessageTypeUser, content)
}
