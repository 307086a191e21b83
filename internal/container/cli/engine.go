// Package cli implements the container engine contract by driving a
// podman-class CLI binary as a child process. It is the default provider;
// the dockerd package covers hosts that expose the Docker API instead.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
)

// Paths whose existence marks the service itself as containerized. In that
// mode the engine is reached through a mounted unix socket instead of the
// host binary's default endpoint.
var containerMarkerFiles = []string{"/run/.containerenv", "/.dockerenv"}

const defaultSocketHost = "unix:///run/podman/podman.sock"

// Engine drives the engine binary through child processes.
type Engine struct {
	cfg     config.EngineConfig
	log     *logger.Logger
	tracker *container.ExecTracker
	namer   container.Namer

	// containerHost is the CONTAINER_HOST value applied to every
	// invocation, "" when the default endpoint is fine.
	containerHost string

	pullMu    sync.Mutex
	lastPulls map[string]time.Time
}

// New creates a CLI engine for the configured binary.
func New(cfg config.EngineConfig, log *logger.Logger) *Engine {
	host := os.Getenv("CONTAINER_HOST")
	if host == "" && runningInContainer() {
		host = defaultSocketHost
	}
	return &Engine{
		cfg:           cfg,
		log:           log.WithFields(zap.String("component", "engine-cli")),
		tracker:       container.NewExecTracker(),
		namer:         container.Namer{Namespace: cfg.Namespace},
		containerHost: host,
		lastPulls:     make(map[string]time.Time),
	}
}

func runningInContainer() bool {
	for _, marker := range containerMarkerFiles {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
}

// Tracker exposes the exec tracker for status probes.
func (e *Engine) Tracker() *container.ExecTracker { return e.tracker }

// command builds an exec.Cmd for the engine binary with sudo wrapping and
// CONTAINER_HOST propagation applied.
func (e *Engine) command(ctx context.Context, args ...string) *exec.Cmd {
	name, argv := e.buildArgv(args)
	cmd := exec.CommandContext(ctx, name, argv...)
	if e.containerHost != "" {
		cmd.Env = append(os.Environ(), "CONTAINER_HOST="+e.containerHost)
	}
	return cmd
}

// buildArgv resolves the binary and argument list, prepending sudo with
// --preserve-env=CONTAINER_HOST when configured.
func (e *Engine) buildArgv(args []string) (string, []string) {
	if e.cfg.Sudo {
		sudoArgs := []string{"--preserve-env=CONTAINER_HOST", e.cfg.Binary}
		return "sudo", append(sudoArgs, args...)
	}
	return e.cfg.Binary, args
}

// run executes an engine command and returns trimmed stdout. Engine errors
// include stderr so callers can surface them verbatim.
func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	cmd := e.command(ctx, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isBinaryMissing(err) {
			return "", fmt.Errorf("%w: %s", container.ErrEngineUnavailable, e.cfg.Binary)
		}
		return "", fmt.Errorf("%s %s: %w: %s",
			e.cfg.Binary, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func isBinaryMissing(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr)
}

// EnsureContainer creates the named container or adopts an existing one,
// starting it when stopped.
func (e *Engine) EnsureContainer(ctx context.Context, spec container.ContainerSpec) (string, error) {
	if err := e.PullImage(ctx, spec.Image); err != nil && err != container.ErrPullThrottled {
		// The image may already be local; creation below decides.
		e.log.Warn("image pull failed, trying local image",
			zap.String("image", spec.Image), zap.Error(err))
	}

	args := []string{"create", "--name", spec.Name}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}
	for _, bind := range spec.Binds {
		args = append(args, "--volume", bind)
	}
	for _, dev := range spec.Devices {
		args = append(args, "--device", dev)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	id, err := e.run(ctx, args...)
	if err == nil {
		if startErr := e.StartContainer(ctx, id); startErr != nil {
			return "", startErr
		}
		return id, nil
	}
	if !isNameConflict(err) {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	// Adopt the existing container with this name.
	existingID, inspectErr := e.run(ctx, "inspect", "--format", "{{.Id}}", spec.Name)
	if inspectErr != nil {
		return "", fmt.Errorf("container name %s in use but not inspectable: %w", spec.Name, inspectErr)
	}
	state, stateErr := e.InspectState(ctx, existingID)
	if stateErr != nil {
		return "", stateErr
	}
	if state.Status != container.StatusRunning {
		if startErr := e.StartContainer(ctx, existingID); startErr != nil {
			return "", startErr
		}
	}
	return existingID, nil
}

func isNameConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "Conflict")
}

// StartContainer starts a created or stopped container.
func (e *Engine) StartContainer(ctx context.Context, containerID string) error {
	if _, err := e.run(ctx, "start", containerID); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// StopContainer stops a container with the given grace period. Stopping an
// already-stopped container is not an error.
func (e *Engine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	_, err := e.run(ctx, "stop", "--time", fmt.Sprintf("%d", seconds), containerID)
	if err != nil {
		if isNotFound(err) || strings.Contains(err.Error(), "is not running") {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container; with force it kills and removes in
// one step.
func (e *Engine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, containerID)
	if _, err := e.run(ctx, args...); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such object") ||
		strings.Contains(msg, "not found")
}

// inspectState is the subset of the engine's inspect output the adapter
// consumes. Both podman and docker render these fields.
type inspectState struct {
	State struct {
		Status     string `json:"Status"`
		Running    bool   `json:"Running"`
		ExitCode   int    `json:"ExitCode"`
		OOMKilled  bool   `json:"OOMKilled"`
		Error      string `json:"Error"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
	} `json:"State"`
}

// InspectState returns the normalized state of a container. A missing
// container yields StatusNotFound, not an error.
func (e *Engine) InspectState(ctx context.Context, containerID string) (*container.State, error) {
	out, err := e.run(ctx, "inspect", "--type", "container", containerID)
	if err != nil {
		if isNotFound(err) {
			return &container.State{Status: container.StatusNotFound}, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	var parsed []inspectState
	if err := json.Unmarshal([]byte(out), &parsed); err != nil || len(parsed) == 0 {
		return nil, fmt.Errorf("failed to parse inspect output for %s: %w", containerID, err)
	}

	raw := parsed[0].State
	state := &container.State{
		ExitCode:  raw.ExitCode,
		OOMKilled: raw.OOMKilled,
		Error:     raw.Error,
	}
	if raw.Running || strings.EqualFold(raw.Status, "running") {
		state.Status = container.StatusRunning
	} else {
		state.Status = container.StatusStopped
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.StartedAt); err == nil {
		state.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.FinishedAt); err == nil {
		state.FinishedAt = t
	}
	return state, nil
}

// Logs returns up to tail lines of container output, "" when the engine
// cannot provide them.
func (e *Engine) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	cmd := e.command(ctx, "logs", "--tail", fmt.Sprintf("%d", tail), containerID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return string(out), nil
}

// ListSessionContainers lists every container carrying the session name
// prefix, running or stopped.
func (e *Engine) ListSessionContainers(ctx context.Context) ([]container.SessionContainer, error) {
	out, err := e.run(ctx, "ps", "--all",
		"--filter", "name="+e.namer.SessionContainerPrefix(),
		"--format", "{{.ID}}\t{{.Names}}\t{{.Status}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list session containers: %w", err)
	}

	var result []container.SessionContainer
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		name := strings.TrimPrefix(parts[1], "/")
		sessionID := e.namer.SessionIDFromContainerName(name)
		if sessionID == "" {
			continue
		}
		result = append(result, container.SessionContainer{
			ID:        parts[0],
			Name:      name,
			SessionID: sessionID,
			Running:   statusIsRunning(parts[2]),
		})
	}
	return result, nil
}

// statusIsRunning tolerates both the machine state ("running") and the
// human-readable status column ("Up 3 minutes").
func statusIsRunning(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "running" || strings.HasPrefix(s, "up")
}

// CreateVolume creates a named volume; an existing volume is reused.
func (e *Engine) CreateVolume(ctx context.Context, name string) error {
	if _, err := e.run(ctx, "volume", "create", name); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume removes a named volume. A missing volume is not an error.
func (e *Engine) RemoveVolume(ctx context.Context, name string, force bool) error {
	args := []string{"volume", "rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, name)
	if _, err := e.run(ctx, args...); err != nil {
		if isNotFound(err) || strings.Contains(err.Error(), "no such volume") {
			return nil
		}
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// VolumeExists reports whether a named volume exists.
func (e *Engine) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := e.run(ctx, "volume", "inspect", name)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) || strings.Contains(err.Error(), "no such volume") {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect volume %s: %w", name, err)
}

// CopyToContainer copies a host file into the container.
func (e *Engine) CopyToContainer(ctx context.Context, containerID, srcPath, dstPath string) error {
	if _, err := e.run(ctx, "cp", srcPath, containerID+":"+dstPath); err != nil {
		return fmt.Errorf("failed to copy %s into container: %w", srcPath, err)
	}
	return nil
}

// PullImage pulls an image, at most once per image per configured interval.
// With pulls disabled it is a no-op.
func (e *Engine) PullImage(ctx context.Context, image string) error {
	if e.cfg.DisablePull {
		return nil
	}
	e.pullMu.Lock()
	if last, ok := e.lastPulls[image]; ok && time.Since(last) < e.cfg.PullInterval() {
		e.pullMu.Unlock()
		return container.ErrPullThrottled
	}
	e.lastPulls[image] = time.Now()
	e.pullMu.Unlock()

	e.log.Info("pulling image", zap.String("image", image))
	if _, err := e.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// ExecStatus reports the tracked state of an exec started by this process.
func (e *Engine) ExecStatus(execID string) container.ExecStatus {
	return e.tracker.Status(execID)
}

// Close releases engine resources. The CLI adapter holds none beyond its
// child processes, which exit with their contexts.
func (e *Engine) Close() error { return nil }
