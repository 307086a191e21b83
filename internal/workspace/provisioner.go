// Package workspace provisions per-session git workspaces: an isolated
// volume holding the cloned repository and the session's working branch,
// accelerated by a shared volume of bare mirrors used as clone references.
package workspace

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
)

const (
	workspaceMount = "/workspace"
	cacheMount     = "/cache"

	// workerTTL keeps the ephemeral clone container alive long enough for
	// the git steps; the container is force-removed well before this.
	workerTTL = "1800"

	execPollInterval = 200 * time.Millisecond
	execTimeout      = 10 * time.Minute
)

// Provisioner creates and destroys session workspaces through the engine.
type Provisioner struct {
	engine container.Engine
	cfg    config.WorkspaceConfig
	namer  container.Namer
	log    *logger.Logger
}

// New creates a Provisioner.
func New(engine container.Engine, cfg config.WorkspaceConfig, namespace string, log *logger.Logger) *Provisioner {
	return &Provisioner{
		engine: engine,
		cfg:    cfg,
		namer:  container.Namer{Namespace: namespace},
		log:    log.WithFields(zap.String("component", "workspace")),
	}
}

// Result describes a provisioned workspace.
type Result struct {
	VolumeName    string
	SessionBranch string
	RepoDir       string
}

// Provision creates the session's workspace volume and clones the
// repository into it on a fresh session branch. Cache failures degrade to
// an uncached clone; they never fail provisioning.
func (p *Provisioner) Provision(ctx context.Context, sessionID, repoURL, branch string) (*Result, error) {
	log := p.log.WithSessionID(sessionID)

	useCache := p.cfg.UseReferenceClones
	if useCache {
		if err := p.updateMirror(ctx, sessionID, repoURL); err != nil {
			log.Warn("mirror update failed, cloning without reference", zap.Error(err))
			useCache = false
		}
	}

	volumeName := p.namer.WorkspaceVolumeName(sessionID)
	if err := p.engine.CreateVolume(ctx, volumeName); err != nil {
		return nil, fmt.Errorf("failed to create workspace volume: %w", err)
	}

	workerName := p.namer.Namespace + "-clone-" + sessionID
	binds := []string{volumeName + ":" + workspaceMount}
	if useCache {
		binds = append(binds, p.cfg.CacheVolume+":"+cacheMount+":ro")
	}
	workerID, err := p.startWorker(ctx, workerName, binds)
	if err != nil {
		return nil, err
	}
	defer p.removeWorkerAsync(workerID)

	repoName := repoNameFromURL(repoURL)
	cloneURL := injectToken(repoURL, p.cfg.GitToken)

	cloneArgs := []string{"git", "clone", "--branch", branch, "--single-branch"}
	if useCache {
		// --dissociate copies the borrowed objects so the workspace stays
		// self-contained once the cache volume is unmounted.
		cloneArgs = append(cloneArgs, "--reference", mirrorPath(repoURL), "--dissociate")
	}
	cloneArgs = append(cloneArgs, cloneURL, repoName)

	if err := p.execInWorker(ctx, workerID, workspaceMount, cloneArgs); err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", redactToken(repoURL), err)
	}

	repoDir := workspaceMount + "/" + repoName

	// Strip any embedded token from the persisted remote.
	if p.cfg.GitToken != "" {
		setURL := []string{"git", "remote", "set-url", "origin", repoURL}
		if err := p.execInWorker(ctx, workerID, repoDir, setURL); err != nil {
			return nil, fmt.Errorf("failed to rewrite remote url: %w", err)
		}
	}

	sessionBranch := p.cfg.BranchPrefix + sessionID
	checkout := []string{"git", "checkout", "-b", sessionBranch}
	if err := p.execInWorker(ctx, workerID, repoDir, checkout); err != nil {
		return nil, fmt.Errorf("failed to create session branch: %w", err)
	}

	log.Info("workspace provisioned",
		zap.String("volume", volumeName),
		zap.String("branch", sessionBranch),
		zap.Bool("used_cache", useCache))

	return &Result{
		VolumeName:    volumeName,
		SessionBranch: sessionBranch,
		RepoDir:       repoDir,
	}, nil
}

// Delete removes a session's workspace volume. The volume may be gone
// already; only genuine engine failures are returned.
func (p *Provisioner) Delete(ctx context.Context, sessionID string) error {
	volumeName := p.namer.WorkspaceVolumeName(sessionID)
	if err := p.engine.RemoveVolume(ctx, volumeName, true); err != nil {
		return fmt.Errorf("failed to remove workspace volume: %w", err)
	}
	return nil
}

// updateMirror creates or refreshes the bare mirror for repoURL inside the
// shared cache volume.
func (p *Provisioner) updateMirror(ctx context.Context, sessionID, repoURL string) error {
	if err := p.engine.CreateVolume(ctx, p.cfg.CacheVolume); err != nil {
		return fmt.Errorf("failed to ensure cache volume: %w", err)
	}

	workerName := p.namer.Namespace + "-mirror-" + sessionID
	binds := []string{p.cfg.CacheVolume + ":" + cacheMount}
	workerID, err := p.startWorker(ctx, workerName, binds)
	if err != nil {
		return err
	}
	defer p.removeWorkerAsync(workerID)

	mirror := mirrorPath(repoURL)
	cloneURL := injectToken(repoURL, p.cfg.GitToken)

	exists, err := p.engine.FileExists(ctx, workerID, mirror+"/HEAD")
	if err != nil {
		return fmt.Errorf("failed to probe mirror: %w", err)
	}
	if exists {
		fetch := []string{"git", "--git-dir", mirror, "fetch", "--all", "--prune"}
		if err := p.execInWorker(ctx, workerID, cacheMount, fetch); err != nil {
			return fmt.Errorf("failed to refresh mirror: %w", err)
		}
		return nil
	}
	clone := []string{"git", "clone", "--bare", cloneURL, mirror}
	if err := p.execInWorker(ctx, workerID, cacheMount, clone); err != nil {
		return fmt.Errorf("failed to create mirror: %w", err)
	}
	return nil
}

// startWorker launches an ephemeral container that idles until its git
// steps are executed.
func (p *Provisioner) startWorker(ctx context.Context, name string, binds []string) (string, error) {
	id, err := p.engine.EnsureContainer(ctx, container.ContainerSpec{
		Name:    name,
		Image:   p.cfg.WorkerImage,
		Binds:   binds,
		Command: []string{"sleep", workerTTL},
	})
	if err != nil {
		return "", fmt.Errorf("failed to start workspace worker: %w", err)
	}
	return id, nil
}

// removeWorkerAsync tears a worker down in the background with force; the
// worker is throwaway and failures are only logged.
func (p *Provisioner) removeWorkerAsync(containerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.engine.RemoveContainer(ctx, containerID, true); err != nil {
			p.log.Warn("failed to remove workspace worker",
				zap.String("container_id", containerID), zap.Error(err))
		}
	}()
}

// execInWorker runs a git command inside the worker and waits for it to
// finish, surfacing its merged output on failure.
func (p *Provisioner) execInWorker(ctx context.Context, containerID, dir string, cmd []string) error {
	full := []string{"sh", "-c", "cd " + dir + " && " + strings.Join(cmd, " ")}
	stream, err := p.engine.Exec(ctx, containerID, full)
	if err != nil {
		return err
	}
	defer stream.Close()

	out, readErr := io.ReadAll(stream.Output)
	if readErr != nil {
		return fmt.Errorf("failed to read worker output: %w", readErr)
	}

	deadline := time.Now().Add(execTimeout)
	for {
		status := p.engine.ExecStatus(stream.ExecID)
		if status.Known && !status.Running {
			if status.ExitCode != 0 {
				return fmt.Errorf("%s: exit code %d: %s",
					cmd[0], status.ExitCode, redactToken(strings.TrimSpace(string(out))))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", cmd[0])
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}
