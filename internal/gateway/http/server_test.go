package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/agent"
	"github.com/dockhand/dockhand/internal/auth"
	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/container/containertest"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/session"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/internal/subscriptions"
	"github.com/dockhand/dockhand/internal/workspace"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"

	"github.com/dockhand/dockhand/internal/events/bus"
)

type apiEnv struct {
	server   *Server
	engine   *containertest.FakeEngine
	repo     *store.Repository
	notifier *events.Notifier
	cfg      *config.Config
}

func newAPIEnv(t *testing.T) *apiEnv {
	return newAPIEnvWithAuth(t, false)
}

func newAPIEnvWithAuth(t *testing.T, authEnabled bool) *apiEnv {
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

	cfg := &config.Config{}
	cfg.Engine.Namespace = "dockhand"
	cfg.Agent.Image = "test-agent:latest"
	cfg.Agent.WorkDir = "/workspace"
	cfg.Agent.Binary = "/usr/bin/claude"
	cfg.Workspace.WorkerImage = "alpine/git:latest"
	cfg.Auth.Enabled = authEnabled
	cfg.Auth.Secret = "hunter2"
	cfg.Auth.IdleTimeout = 30 * 24 * 3600
	cfg.Auth.RotationInterval = 24 * 3600
	cfg.Auth.ActivityThrottle = 300
	cfg.Auth.MaxLifetime = 90 * 24 * 3600

	provisioner := workspace.New(engine, cfg.Workspace, cfg.Engine.Namespace, log)
	runner := agent.NewRunner(engine, repo, notifier, cfg.Agent, log)
	svc := session.NewService(repo, engine, provisioner, runner, notifier, cfg, log)
	subs := subscriptions.NewManager(b, log)

	authStore, err := auth.NewStore(db, db)
	require.NoError(t, err)
	authSvc := auth.NewService(authStore, cfg.Auth, log)

	return &apiEnv{
		server:   NewServer(svc, subs, authSvc, cfg, log),
		engine:   engine,
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (env *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	return w
}

func (env *apiEnv) createRunningSession(t *testing.T) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/sessions", v1.CreateSessionRequest{Name: "demo"})
	require.Equal(t, http.StatusCreated, w.Code)

	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
		var got v1.Session
		if json.Unmarshal(resp.Body.Bytes(), &got) != nil {
			return false
		}
		return got.Status == v1.SessionStatusRunning
	}, 5*time.Second, 20*time.Millisecond)
	return sess.ID
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAndGetSession(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "demo", sess.Name)
	assert.Equal(t, "test-agent:latest", sess.ImageName)
}

func TestCreateSessionRequiresName(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, v1.ErrCodeNotFound, resp.Code)
}

func TestListSessions(t *testing.T) {
	env := newAPIEnv(t)
	env.createRunningSession(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []v1.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1)
}

func TestListSessionsWithQuery(t *testing.T) {
	env := newAPIEnv(t)
	env.createRunningSession(t)

	list := func(q string) []v1.Session {
		w := env.do(t, http.MethodGet, "/api/v1/sessions?q="+q, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Sessions []v1.Session `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp.Sessions
	}

	assert.Len(t, list("dem"), 1)
	assert.Empty(t, list("nomatch"))
}

func TestSyncSessionReconcilesStoppedContainer(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	sess, err := env.repo.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ContainerID)
	env.engine.SetState(sess.ContainerID, &container.State{Status: container.StatusStopped})

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, v1.SessionStatusStopped, got.Status)
}

func TestRenameSession(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	name := "renamed"
	w := env.do(t, http.MethodPatch, "/api/v1/sessions/"+id, v1.UpdateSessionRequest{Name: &name})
	require.Equal(t, http.StatusOK, w.Code)

	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "renamed", sess.Name)
}

func TestDeleteSession(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	w := env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopAndStartSession(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/stop", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, v1.SessionStatusStopped, sess.Status)

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestRunAgentRequiresRunningSession(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)
	env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/stop", nil)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/agent",
		v1.RunAgentRequest{Prompt: "hello"})
	require.Equal(t, http.StatusPreconditionFailed, w.Code)

	var resp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, v1.ErrCodePrecondition, resp.Code)
}

func TestRunAgentAccepted(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/agent",
		v1.RunAgentRequest{Prompt: "hello"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Let the background turn finish so cleanup does not race the test DB.
	require.Eventually(t, func() bool {
		env.engine.FinishExecs(0)
		_, err := env.repo.GetAgentRun(context.Background(), id)
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInterruptWithoutAgent(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/agent/interrupt", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestListMessages(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp v1.ListMessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}

func TestListMessagesClampsOversizedLimit(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	for i := 0; i < maxMessagePageSize+1; i++ {
		require.NoError(t, env.repo.CreateMessage(context.Background(), &models.Message{
			ID:        fmt.Sprintf("msg_%04d", i),
			SessionID: id,
			Seq:       int64(i),
			Type:      "assistant",
		}))
	}

	w := env.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/sessions/%s/messages?limit=%d", id, maxMessagePageSize*10), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp v1.ListMessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, maxMessagePageSize)
}

func TestListMessagesRejectsBadQuery(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages?after_seq=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthEnforcedWhenEnabled(t *testing.T) {
	env := newAPIEnvWithAuth(t, true)

	w := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	login := env.do(t, http.MethodPost, "/api/v1/auth/login",
		v1.LoginRequest{UserID: "alice", Secret: "hunter2"})
	require.Equal(t, http.StatusOK, login.Code)

	var resp v1.LoginResponse
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusStreamDeliversEvents(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createRunningSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id+"/events/status", nil)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		env.server.Router().ServeHTTP(rec, req)
		close(done)
	}()

	// Let the subscription attach before publishing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, env.notifier.StatusChanged(context.Background(), &events.StatusPayload{
		SessionID: id,
		Status:    string(v1.SessionStatusStopped),
	}))

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: "+events.SessionStatusChanged)
	assert.Contains(t, body, id)
}
