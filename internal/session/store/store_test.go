package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/session/models"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewWithDB(db, db)
	require.NoError(t, err)
	return repo
}

func mustCreateSession(t *testing.T, repo *Repository, name string) *models.Session {
	t.Helper()
	s := &models.Session{Name: name, ImageName: "dockhand-agent:latest"}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	return s
}

func TestCreateSessionFillsDefaults(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	s := mustCreateSession(t, repo, "demo")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, v1.SessionStatusCreating, s.Status)
	assert.False(t, s.CreatedAt.IsZero())

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, v1.SessionStatusCreating, got.Status)
}

func TestGetSessionNotFound(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateSessionStatusUnknownID(t *testing.T) {
	repo := newRepo(t)

	err := repo.UpdateSessionStatus(context.Background(), "missing", v1.SessionStatusRunning, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateSessionStatusAndError(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	require.NoError(t, repo.UpdateSessionStatus(ctx, s.ID, v1.SessionStatusError, "container exited"))

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusError, got.Status)
	assert.Equal(t, "container exited", got.ErrorMessage)
}

func TestListSessionsByStatus(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a := mustCreateSession(t, repo, "a")
	mustCreateSession(t, repo, "b")
	require.NoError(t, repo.UpdateSessionStatus(ctx, a.ID, v1.SessionStatusRunning, ""))

	running, err := repo.ListSessionsByStatus(ctx, v1.SessionStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)
}

func TestSearchSessions(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	mustCreateSession(t, repo, "fix login bug")
	mustCreateSession(t, repo, "add search endpoint")

	got, err := repo.SearchSessions(ctx, "login")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fix login bug", got[0].Name)

	// SQLite LIKE ignores ASCII case.
	got, err = repo.SearchSessions(ctx, "LOGIN")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = repo.SearchSessions(ctx, "nomatch")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateMessageDuplicateID(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	m := &models.Message{ID: "msg_1", SessionID: s.ID, Seq: 0, Type: "assistant"}
	require.NoError(t, repo.CreateMessage(ctx, m))

	replay := &models.Message{ID: "msg_1", SessionID: s.ID, Seq: 1, Type: "assistant"}
	err := repo.CreateMessage(ctx, replay)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestCreateMessageDuplicateSeq(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: "msg_1", SessionID: s.ID, Seq: 3}))

	err := repo.CreateMessage(ctx, &models.Message{ID: "msg_2", SessionID: s.ID, Seq: 3})
	assert.ErrorIs(t, err, ErrDuplicateSeq)
}

func TestMessageIDUniqueAcrossSessions(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s1 := mustCreateSession(t, repo, "one")
	s2 := mustCreateSession(t, repo, "two")

	require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: "msg_1", SessionID: s1.ID, Seq: 0}))

	err := repo.CreateMessage(ctx, &models.Message{ID: "msg_1", SessionID: s2.ID, Seq: 0})
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestListMessagesAfterSeqAndLimit(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	for i := int64(0); i < 5; i++ {
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{
			ID:        "msg_" + string(rune('a'+i)),
			SessionID: s.ID,
			Seq:       i,
			Type:      "assistant",
			Content:   json.RawMessage(`{"n":1}`),
		}))
	}

	all, err := repo.ListMessages(ctx, s.ID, -1, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, int64(i), m.Seq)
	}

	tail, err := repo.ListMessages(ctx, s.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].Seq)

	page, err := repo.ListMessages(ctx, s.ID, -1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(0), page[0].Seq)
	assert.Equal(t, int64(1), page[1].Seq)
}

func TestMaxSeq(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	max, err := repo.MaxSeq(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), max)

	require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: "msg_1", SessionID: s.ID, Seq: 7}))

	max, err = repo.MaxSeq(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), max)
}

func TestAgentRunUpsertReplaces(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	require.NoError(t, repo.UpsertAgentRun(ctx, &models.AgentRun{
		SessionID:  s.ID,
		PID:        100,
		OutputFile: "/workspace/.dockhand/out-1.ndjson",
		LastSeq:    4,
	}))
	require.NoError(t, repo.UpsertAgentRun(ctx, &models.AgentRun{
		SessionID:  s.ID,
		PID:        200,
		OutputFile: "/workspace/.dockhand/out-2.ndjson",
		LastSeq:    -1,
	}))

	run, err := repo.GetAgentRun(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, run.PID)
	assert.Equal(t, "/workspace/.dockhand/out-2.ndjson", run.OutputFile)
	assert.Equal(t, int64(-1), run.LastSeq)

	runs, err := repo.ListAgentRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestAgentRunUpdates(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	require.NoError(t, repo.UpsertAgentRun(ctx, &models.AgentRun{SessionID: s.ID, LastSeq: -1}))
	require.NoError(t, repo.UpdateAgentRunPID(ctx, s.ID, 4242))
	require.NoError(t, repo.UpdateAgentRunSeq(ctx, s.ID, 12))

	run, err := repo.GetAgentRun(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 4242, run.PID)
	assert.Equal(t, int64(12), run.LastSeq)
}

func TestGetAgentRunNotFound(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.GetAgentRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestDeleteAgentRunIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	require.NoError(t, repo.UpsertAgentRun(ctx, &models.AgentRun{SessionID: s.ID}))
	require.NoError(t, repo.DeleteAgentRun(ctx, s.ID))
	require.NoError(t, repo.DeleteAgentRun(ctx, s.ID))

	_, err := repo.GetAgentRun(ctx, s.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestDeleteSessionCascades(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	s := mustCreateSession(t, repo, "demo")

	require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: "msg_1", SessionID: s.ID, Seq: 0}))
	require.NoError(t, repo.UpsertAgentRun(ctx, &models.AgentRun{SessionID: s.ID}))

	require.NoError(t, repo.DeleteSession(ctx, s.ID))

	_, err := repo.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	count, err := repo.CountMessages(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = repo.GetAgentRun(ctx, s.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
