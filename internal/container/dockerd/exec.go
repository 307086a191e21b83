package dockerd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dockhand/dockhand/internal/container"
)

// execStatusPollInterval paces the exec-inspect loop that translates the
// API's pull-based exec state into tracker updates.
const execStatusPollInterval = 500 * time.Millisecond

// startExec creates and attaches an exec, demultiplexes its hijacked stream
// into a pipe, and polls exec-inspect until exit to feed the tracker.
func (e *Engine) startExec(ctx context.Context, containerID string, cmd []string) (*container.ExecStream, error) {
	resp, err := e.cli.ContainerExecCreate(ctx, containerID, containertypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}
	execID := resp.ID

	attach, err := e.cli.ContainerExecAttach(ctx, execID, containertypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	e.tracker.Register(execID)

	pr, pw := io.Pipe()
	go func() {
		// The hijacked stream multiplexes stdout and stderr with 8-byte
		// frame headers; stdcopy merges both into the pipe.
		_, _ = stdcopy.StdCopy(pw, pw, attach.Reader)
		attach.Close()
		pw.Close()
	}()

	go e.watchExec(execID)

	return &container.ExecStream{ExecID: execID, Output: pr}, nil
}

// watchExec polls exec-inspect until the process exits, then records the
// exit code with the tracker. The background context keeps the watch alive
// beyond the caller's request scope.
func (e *Engine) watchExec(execID string) {
	ctx := context.Background()
	for {
		time.Sleep(execStatusPollInterval)
		inspect, err := e.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			e.tracker.Finish(execID, -1)
			return
		}
		if !inspect.Running {
			e.tracker.Finish(execID, inspect.ExitCode)
			return
		}
	}
}

// Exec runs cmd inside the container with stdout and stderr merged into a
// single stream.
func (e *Engine) Exec(ctx context.Context, containerID string, cmd []string) (*container.ExecStream, error) {
	return e.startExec(ctx, containerID, cmd)
}

// ExecToFile runs cmd under a shell with line-buffered output redirected
// into outputFile inside the container. The returned stream carries only
// shell-level errors.
func (e *Engine) ExecToFile(ctx context.Context, containerID string, cmd []string, outputFile string) (*container.ExecStream, error) {
	quoted := make([]string, 0, len(cmd))
	for _, a := range cmd {
		quoted = append(quoted, shellQuote(a))
	}
	shellCmd := fmt.Sprintf("stdbuf -oL %s > %s 2>&1",
		strings.Join(quoted, " "), shellQuote(outputFile))
	return e.startExec(ctx, containerID, []string{"sh", "-c", shellCmd})
}

// TailFile streams lines of path appended after startLine (0-based).
func (e *Engine) TailFile(ctx context.Context, containerID, path string, startLine int) (*container.ExecStream, error) {
	fromLine := strconv.Itoa(startLine + 1)
	tailCmd := []string{"tail", "-n", "+" + fromLine, "-f", path}
	stream, err := e.startExec(ctx, containerID, tailCmd)
	if err != nil {
		return nil, err
	}
	// The engine API has no exec-kill, so the never-ending tail is taken
	// down from inside the container; its exec then finishes normally.
	stream.Stop = func() {
		_, _, _ = e.runExec(context.Background(), containerID,
			[]string{"pkill", "-f", "--", strings.Join(tailCmd, " ")})
	}
	return stream, nil
}

// ReadFile returns the full content of a file inside the container.
func (e *Engine) ReadFile(ctx context.Context, containerID, path string) (string, error) {
	out, exitCode, err := e.runExec(ctx, containerID, []string{"cat", path})
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("failed to read %s from container: exit code %d", path, exitCode)
	}
	return out, nil
}

// FileExists reports whether path names a regular file inside the container.
func (e *Engine) FileExists(ctx context.Context, containerID, path string) (bool, error) {
	_, exitCode, err := e.runExec(ctx, containerID, []string{"test", "-f", path})
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

// FindProcess returns the pid of the first process whose command line
// contains pattern, or 0 when no process matches.
func (e *Engine) FindProcess(ctx context.Context, containerID, pattern string) (int, error) {
	out, exitCode, err := e.runExec(ctx, containerID, []string{"pgrep", "-f", "--", pattern})
	if err != nil {
		return 0, err
	}
	if exitCode != 0 {
		return 0, nil
	}
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, fmt.Errorf("unexpected pgrep output %q: %w", first, err)
	}
	return pid, nil
}

// SignalProcess delivers a signal to a single pid inside the container.
func (e *Engine) SignalProcess(ctx context.Context, containerID string, pid int, signal string) error {
	_, exitCode, err := e.runExec(ctx, containerID, []string{"kill", "-" + signal, strconv.Itoa(pid)})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to signal pid %d: exit code %d", pid, exitCode)
	}
	return nil
}

// SignalProcessesByPattern delivers a signal to every process matching
// pattern.
func (e *Engine) SignalProcessesByPattern(ctx context.Context, containerID, pattern, signal string) error {
	_, exitCode, err := e.runExec(ctx, containerID, []string{"pkill", "-" + signal, "-f", "--", pattern})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to signal processes matching %q: exit code %d", pattern, exitCode)
	}
	return nil
}

// runExec runs a short command to completion and returns its merged output
// and exit code.
func (e *Engine) runExec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	stream, err := e.startExec(ctx, containerID, cmd)
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	out, err := io.ReadAll(stream.Output)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read exec output: %w", err)
	}

	// The stream closing precedes the tracker update by up to one poll
	// interval; wait for the final status.
	deadline := time.Now().Add(10 * time.Second)
	for {
		status := e.tracker.Status(stream.ExecID)
		if status.Known && !status.Running {
			return string(out), status.ExitCode, nil
		}
		if time.Now().After(deadline) {
			return string(out), 0, fmt.Errorf("timed out waiting for exec status")
		}
		time.Sleep(execStatusPollInterval / 5)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
