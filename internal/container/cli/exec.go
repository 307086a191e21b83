package cli

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/container"
)

// startExec launches an engine exec child process with the given output
// wiring, registers it with the tracker, and reaps it in the background.
func (e *Engine) startExec(ctx context.Context, cmd *exec.Cmd, output io.ReadCloser, pw *io.PipeWriter) (*container.ExecStream, error) {
	execID := uuid.New().String()
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}
	e.tracker.Register(execID)

	go func() {
		err := cmd.Wait()
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			exitCode = -1
		}
		e.tracker.Finish(execID, exitCode)
		pw.Close()
	}()

	return &container.ExecStream{ExecID: execID, Output: output}, nil
}

// Exec runs cmd inside the container with stdout and stderr merged into a
// single stream.
func (e *Engine) Exec(ctx context.Context, containerID string, cmdArgs []string) (*container.ExecStream, error) {
	args := append([]string{"exec", containerID}, cmdArgs...)
	cmd := e.command(ctx, args...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	e.log.Debug("starting exec",
		zap.String("container_id", containerID),
		zap.String("cmd", strings.Join(cmdArgs, " ")))
	return e.startExec(ctx, cmd, pr, pw)
}

// ExecToFile runs cmdArgs under a shell with line-buffered output redirected
// into outputFile inside the container. The returned stream carries only
// shell-level errors such as a failed redirect; agent output never crosses
// it, so a disconnected consumer cannot block the process through pipe
// back-pressure.
func (e *Engine) ExecToFile(ctx context.Context, containerID string, cmdArgs []string, outputFile string) (*container.ExecStream, error) {
	quoted := make([]string, 0, len(cmdArgs))
	for _, a := range cmdArgs {
		quoted = append(quoted, shellQuote(a))
	}
	shellCmd := fmt.Sprintf("stdbuf -oL %s > %s 2>&1",
		strings.Join(quoted, " "), shellQuote(outputFile))

	args := []string{"exec", containerID, "sh", "-c", shellCmd}
	cmd := e.command(ctx, args...)

	pr, pw := io.Pipe()
	cmd.Stdout = io.Discard
	cmd.Stderr = pw

	e.log.Info("starting exec with file output",
		zap.String("container_id", containerID),
		zap.String("output_file", outputFile))
	return e.startExec(ctx, cmd, pr, pw)
}

// TailFile streams lines of path appended after startLine (0-based).
func (e *Engine) TailFile(ctx context.Context, containerID, path string, startLine int) (*container.ExecStream, error) {
	// tail line numbering is 1-based; +1 skips the already-consumed lines.
	fromLine := strconv.Itoa(startLine + 1)
	args := []string{"exec", containerID, "tail", "-n", "+" + fromLine, "-f", path}
	cmd := e.command(ctx, args...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = io.Discard

	stream, err := e.startExec(ctx, cmd, pr, pw)
	if err != nil {
		return nil, err
	}
	// tail -f never exits on its own; closing the stream must take the
	// exec child down or every turn leaks one.
	stream.Stop = func() { _ = cmd.Process.Kill() }
	return stream, nil
}

// ReadFile returns the full content of a file inside the container.
func (e *Engine) ReadFile(ctx context.Context, containerID, path string) (string, error) {
	cmd := e.command(ctx, "exec", containerID, "cat", path)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to read %s from container: %w", path, err)
	}
	return string(out), nil
}

// FileExists reports whether path names a regular file inside the container.
func (e *Engine) FileExists(ctx context.Context, containerID, path string) (bool, error) {
	cmd := e.command(ctx, "exec", containerID, "test", "-f", path)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to check file %s in container: %w", path, err)
}

// FindProcess returns the pid of the first process whose command line
// contains pattern, or 0 when no process matches.
func (e *Engine) FindProcess(ctx context.Context, containerID, pattern string) (int, error) {
	cmd := e.command(ctx, "exec", containerID, "pgrep", "-f", "--", pattern)
	out, err := cmd.Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to find process in container: %w", err)
	}
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0])
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, fmt.Errorf("unexpected pgrep output %q: %w", first, err)
	}
	return pid, nil
}

// SignalProcess delivers a signal to a single pid inside the container.
func (e *Engine) SignalProcess(ctx context.Context, containerID string, pid int, signal string) error {
	if _, err := e.run(ctx, "exec", containerID, "kill", "-"+signal, strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}

// SignalProcessesByPattern delivers a signal to every process matching
// pattern. Used as the fallback when no pid is known.
func (e *Engine) SignalProcessesByPattern(ctx context.Context, containerID, pattern, signal string) error {
	if _, err := e.run(ctx, "exec", containerID, "pkill", "-"+signal, "-f", "--", pattern); err != nil {
		return fmt.Errorf("failed to signal processes matching %q: %w", pattern, err)
	}
	return nil
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// it survives the sh -c boundary verbatim.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
