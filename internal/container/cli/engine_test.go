package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
)

func newTestEngine(cfg config.EngineConfig) *Engine {
	return New(cfg, logger.Default())
}

func TestBuildArgvPlain(t *testing.T) {
	e := newTestEngine(config.EngineConfig{Binary: "podman", Namespace: "dockhand"})
	name, argv := e.buildArgv([]string{"ps", "--all"})
	assert.Equal(t, "podman", name)
	assert.Equal(t, []string{"ps", "--all"}, argv)
}

func TestBuildArgvSudoPreservesContainerHost(t *testing.T) {
	e := newTestEngine(config.EngineConfig{Binary: "podman", Namespace: "dockhand", Sudo: true})
	name, argv := e.buildArgv([]string{"ps"})
	assert.Equal(t, "sudo", name)
	assert.Equal(t, []string{"--preserve-env=CONTAINER_HOST", "podman", "ps"}, argv)
}

func TestStatusIsRunning(t *testing.T) {
	assert.True(t, statusIsRunning("running"))
	assert.True(t, statusIsRunning("Running"))
	assert.True(t, statusIsRunning("Up 3 minutes"))
	assert.True(t, statusIsRunning("Up About an hour"))
	assert.False(t, statusIsRunning("Exited (0) 2 hours ago"))
	assert.False(t, statusIsRunning("created"))
	assert.False(t, statusIsRunning(""))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, "'with space'", shellQuote("with space"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	// A prompt containing shell metacharacters must survive verbatim.
	assert.Equal(t, "'$(rm -rf /); `boom`'", shellQuote("$(rm -rf /); `boom`"))
}

func TestTailFileCloseKillsChild(t *testing.T) {
	// Stand in for the engine binary with a child that never exits, the
	// same shape as an exec'd tail -f.
	bin := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))

	e := newTestEngine(config.EngineConfig{Binary: bin, Namespace: "dockhand"})
	stream, err := e.TailFile(context.Background(), "c1", "/tmp/out.ndjson", 0)
	require.NoError(t, err)

	st := e.ExecStatus(stream.ExecID)
	require.True(t, st.Known)
	require.True(t, st.Running)

	require.NoError(t, stream.Close())

	require.Eventually(t, func() bool {
		return !e.ExecStatus(stream.ExecID).Running
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIsNameConflict(t *testing.T) {
	assert.True(t, isNameConflict(errors.New(`the container name "/x" is already in use`)))
	assert.True(t, isNameConflict(errors.New("Conflict. The container name is taken")))
	assert.False(t, isNameConflict(errors.New("no such container")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(errors.New("Error: no such container abc")))
	assert.True(t, isNotFound(errors.New("no such object: abc")))
	assert.True(t, isNotFound(errors.New("volume xyz not found")))
	assert.False(t, isNotFound(errors.New("permission denied")))
}
