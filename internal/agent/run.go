package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/pkg/claude"
)

// Run executes one agent turn for the session: persists the user message,
// launches the agent CLI inside the container with output redirected to a
// file, consumes that file live, and blocks until the agent exits and all
// output has been persisted. Callers invoke it on its own goroutine.
func (r *Runner) Run(ctx context.Context, sessionID, containerID, prompt string) error {
	log := r.log.WithSessionID(sessionID)

	run := &activeRun{sessionID: sessionID, containerID: containerID}
	if !r.registry.acquire(run) {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRunning, sessionID)
	}
	defer r.registry.release(sessionID)

	// A persisted row without an in-memory entry is either a live turn
	// from this process (conflict) or a leftover from a dead one (stale).
	if stale, err := r.repo.GetAgentRun(ctx, sessionID); err == nil {
		status := r.engine.ExecStatus(stale.ExecID)
		if status.Known && status.Running {
			return fmt.Errorf("%w: %s", ErrAgentAlreadyRunning, sessionID)
		}
		if err := r.repo.DeleteAgentRun(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to clear stale agent run: %w", err)
		}
		log.Info("cleared stale agent run row")
	} else if !errors.Is(err, store.ErrRunNotFound) {
		return fmt.Errorf("failed to check agent run: %w", err)
	}

	state, err := r.engine.InspectState(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect session container: %w", err)
	}
	if state.Status != container.StatusRunning {
		return fmt.Errorf("%w: %s", ErrContainerNotRunning, sessionID)
	}

	maxSeq, err := r.repo.MaxSeq(ctx, sessionID)
	if err != nil {
		return err
	}
	firstTurn := maxSeq < 0

	userSeq := maxSeq + 1
	if err := r.persistUserMessage(ctx, sessionID, prompt, userSeq); err != nil {
		return err
	}

	outputFile := r.outputFilePath(sessionID)
	args := r.buildAgentArgs(sessionID, prompt, firstTurn)

	stream, err := r.engine.ExecToFile(ctx, containerID, args, outputFile)
	if err != nil {
		return fmt.Errorf("failed to launch agent: %w", err)
	}
	run.execID = stream.ExecID

	if err := r.repo.UpsertAgentRun(ctx, &models.AgentRun{
		SessionID:   sessionID,
		ContainerID: containerID,
		ExecID:      stream.ExecID,
		OutputFile:  outputFile,
		LastSeq:     userSeq,
	}); err != nil {
		stream.Close()
		return fmt.Errorf("failed to record agent run: %w", err)
	}

	_ = r.notifier.AgentRunning(ctx, sessionID, true)
	defer func() {
		if err := r.repo.DeleteAgentRun(context.Background(), sessionID); err != nil {
			log.Warn("failed to delete agent run row", zap.Error(err))
		}
		_ = r.notifier.AgentRunning(context.Background(), sessionID, false)
	}()

	// Shell-level errors (a failed redirect, a missing binary) are the
	// only bytes this stream ever carries.
	startupErr := collectAsync(stream)

	go r.discoverPID(ctx, sessionID, containerID)

	if err := r.awaitOutputFile(ctx, containerID, outputFile, startupErr); err != nil {
		return err
	}

	proc := r.newLineProcessor(sessionID, userSeq+1)
	isDone := func(pollCtx context.Context) (bool, int, bool) {
		status := r.engine.ExecStatus(stream.ExecID)
		if !status.Known {
			return true, 0, false
		}
		if status.Running {
			return false, 0, false
		}
		return true, status.ExitCode, true
	}

	exitCode, exitKnown := r.consume(ctx, proc, containerID, outputFile, isDone)
	r.reportAbnormalExit(ctx, proc, containerID, exitCode, exitKnown)
	log.Info("agent turn finished",
		zap.Int("exit_code", exitCode), zap.Bool("exit_known", exitKnown))
	return nil
}

// persistUserMessage stores the prompt as the turn's first message.
func (r *Runner) persistUserMessage(ctx context.Context, sessionID, prompt string, seq int64) error {
	content, err := json.Marshal(map[string]string{
		"type":    claude.MessageTypeUser,
		"content": prompt,
	})
	if err != nil {
		return err
	}
	proc := r.newLineProcessor(sessionID, seq)
	if !proc.persist(ctx, uuid.New().String(), claude.MessageTypeUser, content) {
		return fmt.Errorf("failed to persist user message for session %s", sessionID)
	}
	return nil
}

// buildAgentArgs assembles the agent CLI invocation. The first turn names
// the session id so the transcript inside the container is keyed by it;
// later turns resume that conversation.
func (r *Runner) buildAgentArgs(sessionID, prompt string, firstTurn bool) []string {
	args := []string{r.cfg.Binary, "-p", prompt}
	if firstTurn {
		args = append(args, "--session-id", sessionID)
	} else {
		args = append(args, "--resume", sessionID)
	}
	args = append(args,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--append-system-prompt", systemPromptSuffix,
	)
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	return args
}

// discoverPID polls for the agent process and stores its pid for targeted
// interrupt delivery. Discovery failing is not fatal; interrupt falls back
// to pattern signalling.
func (r *Runner) discoverPID(ctx context.Context, sessionID, containerID string) {
	for i := 0; i < pidDiscoveryAttempts; i++ {
		pid, err := r.engine.FindProcess(ctx, containerID, r.cfg.Binary)
		if err == nil && pid > 0 {
			r.registry.setPID(sessionID, pid)
			if err := r.repo.UpdateAgentRunPID(ctx, sessionID, pid); err != nil {
				r.log.WithSessionID(sessionID).Warn("failed to store agent pid", zap.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pidDiscoveryInterval):
		}
	}
}

// awaitOutputFile waits for the redirected output file to appear. Bytes on
// the launch stream mean the redirect itself failed.
func (r *Runner) awaitOutputFile(ctx context.Context, containerID, outputFile string, startupErr *asyncBuffer) error {
	deadline := time.Now().Add(outputFileWait)
	for {
		if msg := startupErr.String(); msg != "" {
			return fmt.Errorf("%w: %s", ErrAgentStartup, strings.TrimSpace(msg))
		}
		exists, err := r.engine.FileExists(ctx, containerID, outputFile)
		if err == nil && exists {
			return nil
		}
		if time.Now().After(deadline) {
			if msg := startupErr.String(); msg != "" {
				return fmt.Errorf("%w: %s", ErrAgentStartup, strings.TrimSpace(msg))
			}
			return fmt.Errorf("%w: output file %s never appeared", ErrAgentStartup, outputFile)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(outputFilePollInterval):
		}
	}
}

// reportAbnormalExit appends a synthetic system/error message when the
// agent exited abnormally. An interrupt (130) is an expected outcome, not
// an error.
func (r *Runner) reportAbnormalExit(ctx context.Context, proc *lineProcessor, containerID string, exitCode int, exitKnown bool) {
	if !exitKnown || exitCode == 0 || exitCode == container.ExitCodeInterrupt {
		return
	}

	state, err := r.engine.InspectState(ctx, containerID)
	if err == nil && state.Status != container.StatusRunning {
		// The container itself died under the agent.
		message := "Container stopped unexpectedly"
		if state.OOMKilled || exitCode == container.ExitCodeKilled {
			message = "Container killed due to out of memory"
		}
		logs, _ := r.engine.Logs(ctx, containerID, containerFailureLogLines)
		r.persistErrorMessage(ctx, proc, message, exitCode, logs)
		return
	}

	logs, _ := r.engine.Logs(ctx, containerID, agentFailureLogLines)
	message := fmt.Sprintf("Claude process exited unexpectedly: %s",
		container.DescribeExitCode(exitCode))
	r.persistErrorMessage(ctx, proc, message, exitCode, logs)
}

func (r *Runner) persistErrorMessage(ctx context.Context, proc *lineProcessor, message string, exitCode int, logs string) {
	content, err := json.Marshal(map[string]interface{}{
		"type":      claude.MessageTypeSystem,
		"subtype":   "error",
		"error":     message,
		"exit_code": exitCode,
		"logs":      logs,
	})
	if err != nil {
		return
	}
	proc.persist(ctx, uuid.New().String(), claude.MessageTypeSystem, content)
}

// asyncBuffer drains a stream in the background and exposes what arrived
// so far.
type asyncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func collectAsync(stream *container.ExecStream) *asyncBuffer {
	b := &asyncBuffer{}
	go func() {
		chunk := make([]byte, 4096)
		for {
			n, err := stream.Output.Read(chunk)
			if n > 0 {
				b.mu.Lock()
				b.buf.Write(chunk[:n])
				b.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return b
}

func (b *asyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
