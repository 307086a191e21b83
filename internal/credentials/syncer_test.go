package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container/containertest"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

func newSyncerEnv(t *testing.T) (*Syncer, *containertest.FakeEngine, *store.Repository, *bus.MemoryEventBus, string) {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	log := logger.Default()
	b := bus.NewMemoryEventBus(log)
	engine := containertest.New()
	dir := t.TempDir()

	cfg := config.CredentialsConfig{
		Enabled:   true,
		HostDir:   dir,
		AgentUser: "agent",
	}
	return NewSyncer(engine, repo, b, cfg, log), engine, repo, b, dir
}

func seedRunningSession(t *testing.T, repo *store.Repository, id, containerID string) {
	t.Helper()
	require.NoError(t, repo.CreateSession(context.Background(), &models.Session{
		ID:          id,
		Name:        "s",
		Status:      v1.SessionStatusRunning,
		ContainerID: containerID,
		ImageName:   "img",
	}))
}

func TestSyncContainerCopiesAllowedFiles(t *testing.T) {
	syncer, engine, _, _, dir := newSyncerEnv(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".credentials.json"), []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	require.NoError(t, syncer.SyncContainer(context.Background(), "c1"))

	copies := engine.Copies()
	require.Len(t, copies, 2)
	assert.Contains(t, copies, "c1:"+filepath.Join(dir, ".credentials.json")+":/home/agent/.claude/.credentials.json")
	assert.Contains(t, copies, "c1:"+filepath.Join(dir, "settings.json")+":/home/agent/.claude/settings.json")

	// mkdir before copying, chown after.
	cmds := engine.LastExecCmd()
	assert.Equal(t, []string{"chown", "-R", "agent:agent", "/home/agent/.claude"}, cmds)
}

func TestSyncContainerWithoutFilesSkipsChown(t *testing.T) {
	syncer, engine, _, _, _ := newSyncerEnv(t)

	require.NoError(t, syncer.SyncContainer(context.Background(), "c1"))

	assert.Empty(t, engine.Copies())
	assert.Equal(t, []string{"mkdir", "-p", "/home/agent/.claude"}, engine.LastExecCmd())
}

func TestSyncAllReachesOnlyRunningSessions(t *testing.T) {
	syncer, engine, repo, _, dir := newSyncerEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{}`), 0o600))

	seedRunningSession(t, repo, "s1", "c1")
	require.NoError(t, repo.CreateSession(context.Background(), &models.Session{
		ID: "s2", Name: "s", Status: v1.SessionStatusStopped, ContainerID: "c2", ImageName: "img",
	}))

	syncer.SyncAll(context.Background())

	copies := engine.Copies()
	require.Len(t, copies, 1)
	assert.Contains(t, copies[0], "c1:")
}

func TestRootAgentUserHome(t *testing.T) {
	syncer, _, _, _, _ := newSyncerEnv(t)
	syncer.cfg.AgentUser = "root"
	assert.Equal(t, "/root/.claude", syncer.destDir())
}

func TestStatusEventTriggersSync(t *testing.T) {
	syncer, engine, repo, _, dir := newSyncerEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{}`), 0o600))
	seedRunningSession(t, repo, "s1", "c1")

	ev := bus.NewEvent(events.SessionStatusChanged, "test", &events.StatusPayload{
		SessionID: "s1",
		Status:    string(v1.SessionStatusRunning),
	})
	require.NoError(t, syncer.onStatusEvent(context.Background(), ev))

	require.Len(t, engine.Copies(), 1)

	// Non-running transitions do nothing.
	stopped := bus.NewEvent(events.SessionStatusChanged, "test", &events.StatusPayload{
		SessionID: "s1",
		Status:    string(v1.SessionStatusStopped),
	})
	require.NoError(t, syncer.onStatusEvent(context.Background(), stopped))
	assert.Len(t, engine.Copies(), 1)
}

func TestWatcherDebouncesAndSyncs(t *testing.T) {
	syncer, engine, repo, _, dir := newSyncerEnv(t)
	seedRunningSession(t, repo, "s1", "c1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = syncer.watch(ctx) }()

	// Give the watcher a moment to arm before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"a":1}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"a":2}`), 0o600))

	require.Eventually(t, func() bool {
		return len(engine.Copies()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// The two writes coalesced into one sync.
	assert.Len(t, engine.Copies(), 1)
}
