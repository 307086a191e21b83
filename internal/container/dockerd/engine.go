// Package dockerd implements the container engine contract on top of the
// Docker Engine API. It is the secondary provider for hosts that expose a
// dockerd socket instead of a podman-class CLI.
package dockerd

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
)

// Engine drives dockerd through the Docker API client.
type Engine struct {
	cli     *client.Client
	cfg     config.EngineConfig
	log     *logger.Logger
	tracker *container.ExecTracker
	namer   container.Namer

	pullMu    sync.Mutex
	lastPulls map[string]time.Time
}

// New creates a dockerd engine for the configured host.
func New(cfg config.EngineConfig, log *logger.Logger) (*Engine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if host := os.Getenv("CONTAINER_HOST"); host != "" {
		// A mounted socket overrides the configured host when the service
		// itself runs in a container.
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Engine{
		cli:       cli,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "engine-dockerd")),
		tracker:   container.NewExecTracker(),
		namer:     container.Namer{Namespace: cfg.Namespace},
		lastPulls: make(map[string]time.Time),
	}, nil
}

// EnsureContainer creates the named container or adopts an existing one,
// starting it when stopped.
func (e *Engine) EnsureContainer(ctx context.Context, spec container.ContainerSpec) (string, error) {
	if err := e.PullImage(ctx, spec.Image); err != nil && err != container.ErrPullThrottled {
		e.log.Warn("image pull failed, trying local image",
			zap.String("image", spec.Image), zap.Error(err))
	}

	cfg := &containertypes.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &containertypes.HostConfig{
		Binds: spec.Binds,
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = containertypes.NetworkMode(spec.Network)
	}
	for _, dev := range spec.Devices {
		hostCfg.Devices = append(hostCfg.Devices, containertypes.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err == nil {
		if startErr := e.StartContainer(ctx, resp.ID); startErr != nil {
			return "", startErr
		}
		return resp.ID, nil
	}
	if !strings.Contains(err.Error(), "is already in use") && !strings.Contains(err.Error(), "Conflict") {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	inspect, inspectErr := e.cli.ContainerInspect(ctx, spec.Name)
	if inspectErr != nil {
		return "", fmt.Errorf("container name %s in use but not inspectable: %w", spec.Name, inspectErr)
	}
	if inspect.State == nil || !inspect.State.Running {
		if startErr := e.StartContainer(ctx, inspect.ID); startErr != nil {
			return "", startErr
		}
	}
	return inspect.ID, nil
}

// StartContainer starts a created or stopped container.
func (e *Engine) StartContainer(ctx context.Context, containerID string) error {
	if err := e.cli.ContainerStart(ctx, containerID, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// StopContainer stops a container; stopping an already-stopped container is
// not an error.
func (e *Engine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := e.cli.ContainerStop(ctx, containerID, containertypes.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container; with force it kills and removes in
// one step.
func (e *Engine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := e.cli.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// InspectState returns the normalized state of a container. A missing
// container yields StatusNotFound, not an error.
func (e *Engine) InspectState(ctx context.Context, containerID string) (*container.State, error) {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &container.State{Status: container.StatusNotFound}, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	state := &container.State{Status: container.StatusStopped}
	if inspect.State != nil {
		if inspect.State.Running {
			state.Status = container.StatusRunning
		}
		state.ExitCode = inspect.State.ExitCode
		state.OOMKilled = inspect.State.OOMKilled
		state.Error = inspect.State.Error
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			state.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			state.FinishedAt = t
		}
	}
	return state, nil
}

// Logs returns up to tail lines of container output.
func (e *Engine) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	reader, err := e.cli.ContainerLogs(ctx, containerID, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	demuxInto(&buf, reader)
	return buf.String(), nil
}

// demuxInto unwraps the engine's stream multiplexing, interleaving stdout
// and stderr into one writer.
func demuxInto(w io.Writer, r io.Reader) {
	_, _ = stdcopy.StdCopy(w, w, r)
}

// ListSessionContainers lists every container carrying the session name
// prefix, running or stopped.
func (e *Engine) ListSessionContainers(ctx context.Context) ([]container.SessionContainer, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", e.namer.SessionContainerPrefix())

	containers, err := e.cli.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list session containers: %w", err)
	}

	var result []container.SessionContainer
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		sessionID := e.namer.SessionIDFromContainerName(name)
		if sessionID == "" {
			continue
		}
		result = append(result, container.SessionContainer{
			ID:        ctr.ID,
			Name:      name,
			SessionID: sessionID,
			Running:   strings.EqualFold(ctr.State, "running") || strings.HasPrefix(ctr.Status, "Up"),
		})
	}
	return result, nil
}

// CreateVolume creates a named volume; creation is idempotent on name.
func (e *Engine) CreateVolume(ctx context.Context, name string) error {
	_, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume removes a named volume. A missing volume is not an error.
func (e *Engine) RemoveVolume(ctx context.Context, name string, force bool) error {
	err := e.cli.VolumeRemove(ctx, name, force)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// VolumeExists reports whether a named volume exists.
func (e *Engine) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := e.cli.VolumeInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect volume %s: %w", name, err)
}

// CopyToContainer copies a host file into the container as a single-entry
// tar stream, preserving the file name under the destination directory.
func (e *Engine) CopyToContainer(ctx context.Context, containerID, srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", srcPath, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(dstPath),
		Mode: 0o600,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}

	dstDir := filepath.Dir(dstPath)
	err = e.cli.CopyToContainer(ctx, containerID, dstDir, &buf, containertypes.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy %s into container: %w", srcPath, err)
	}
	return nil
}

// PullImage pulls an image, at most once per image per configured interval.
func (e *Engine) PullImage(ctx context.Context, imageName string) error {
	if e.cfg.DisablePull {
		return nil
	}
	e.pullMu.Lock()
	if last, ok := e.lastPulls[imageName]; ok && time.Since(last) < e.cfg.PullInterval() {
		e.pullMu.Unlock()
		return container.ErrPullThrottled
	}
	e.lastPulls[imageName] = time.Now()
	e.pullMu.Unlock()

	e.log.Info("pulling image", zap.String("image", imageName))
	reader, err := e.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// ExecStatus reports the tracked state of an exec started by this process.
func (e *Engine) ExecStatus(execID string) container.ExecStatus {
	return e.tracker.Status(execID)
}

// Close closes the API client.
func (e *Engine) Close() error {
	return e.cli.Close()
}
