package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container/containertest"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
)

type testEnv struct {
	runner *Runner
	repo   *store.Repository
	engine *containertest.FakeEngine
	bus    *bus.MemoryEventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	log := logger.Default()
	b := bus.NewMemoryEventBus(log)
	notifier := events.NewNotifier(b, "test")
	engine := containertest.New()

	cfg := config.AgentConfig{
		Image:   "test-agent:latest",
		WorkDir: "/workspace",
		Binary:  "/usr/bin/claude",
	}

	return &testEnv{
		runner: NewRunner(engine, repo, notifier, cfg, log),
		repo:   repo,
		engine: engine,
		bus:    b,
	}
}

// createSession seeds a session row so message inserts have a parent.
func (env *testEnv) createSession(t *testing.T, sessionID string) {
	t.Helper()
	err := env.repo.CreateSession(context.Background(), &models.Session{
		ID:        sessionID,
		Name:      "test session",
		ImageName: "test-agent:latest",
	})
	require.NoError(t, err)
}

// collectMessages subscribes to the session's message subject and records
// every event. The memory bus dispatches synchronously, so assertions can
// read the sink directly.
func (env *testEnv) collectMessages(t *testing.T, sessionID string) *eventSink {
	t.Helper()
	sink := &eventSink{}
	_, err := env.bus.Subscribe(events.BuildSessionMessagesSubject(sessionID), func(ctx context.Context, ev *bus.Event) error {
		sink.add(ev)
		return nil
	})
	require.NoError(t, err)
	return sink
}

func (env *testEnv) collectAgentEvents(t *testing.T, sessionID string) *eventSink {
	t.Helper()
	sink := &eventSink{}
	_, err := env.bus.Subscribe(events.BuildSessionAgentSubject(sessionID), func(ctx context.Context, ev *bus.Event) error {
		sink.add(ev)
		return nil
	})
	require.NoError(t, err)
	return sink
}

type eventSink struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (s *eventSink) add(ev *bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []*bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*bus.Event(nil), s.events...)
}

func (s *eventSink) ofType(eventType string) []*bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bus.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
