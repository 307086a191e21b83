package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/pkg/claude"
)

const resultLine = `{"type":"result","subtype":"success","uuid":"res-1","result":"done"}`

func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusRunning})
	env.engine.SetFile("/tmp/dockhand-agent-s1.jsonl", assistantLine+"\n"+resultLine+"\n")

	agentSink := env.collectAgentEvents(t, "s1")

	done := make(chan error, 1)
	go func() {
		done <- env.runner.Run(context.Background(), "s1", "c1", "fix the bug")
	}()

	require.Eventually(t, func() bool {
		return env.engine.LastExecCmd() != nil
	}, 3*time.Second, 10*time.Millisecond)
	env.engine.FinishExecs(0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	msgs, err := env.repo.ListMessages(context.Background(), "s1", -1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// The prompt is the turn's first message.
	assert.Equal(t, int64(0), msgs[0].Seq)
	assert.Equal(t, claude.MessageTypeUser, msgs[0].Type)
	var user map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Content, &user))
	assert.Equal(t, "fix the bug", user["content"])

	assert.Equal(t, "msg_abc", msgs[1].ID)
	assert.Equal(t, claude.MessageTypeResult, msgs[2].Type)

	// First turn names the session id on the CLI.
	cmd := env.engine.LastExecCmd()
	assert.Contains(t, cmd, "--session-id")
	assert.Contains(t, cmd, "s1")
	assert.NotContains(t, cmd, "--resume")

	// The run row is cleared and the state fan-out bracketed the turn.
	_, err = env.repo.GetAgentRun(context.Background(), "s1")
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	states := agentSink.all()
	require.Len(t, states, 2)
	assert.True(t, states[0].Data.(*events.AgentRunningPayload).Running)
	assert.False(t, states[1].Data.(*events.AgentRunningPayload).Running)
}

func TestRunConflictsWithActiveTurn(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	require.True(t, env.runner.registry.acquire(&activeRun{sessionID: "s1"}))

	err := env.runner.Run(context.Background(), "s1", "c1", "second prompt")
	assert.ErrorIs(t, err, ErrAgentAlreadyRunning)
}

func TestRunRequiresRunningContainer(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusStopped})

	err := env.runner.Run(context.Background(), "s1", "c1", "prompt")
	assert.ErrorIs(t, err, ErrContainerNotRunning)

	count, err := env.repo.CountMessages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRunClearsStaleRow(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusRunning})
	env.engine.SetFile("/tmp/dockhand-agent-s1.jsonl", resultLine+"\n")

	// Row from a previous process; its exec id is unknown here.
	require.NoError(t, env.repo.UpsertAgentRun(context.Background(), &models.AgentRun{
		SessionID:   "s1",
		ContainerID: "c1",
		ExecID:      "stale-exec",
		OutputFile:  "/tmp/dockhand-agent-s1.jsonl",
	}))

	done := make(chan error, 1)
	go func() {
		done <- env.runner.Run(context.Background(), "s1", "c1", "prompt")
	}()

	require.Eventually(t, func() bool {
		return env.engine.LastExecCmd() != nil
	}, 3*time.Second, 10*time.Millisecond)
	env.engine.FinishExecs(0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestRunReportsOOM(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusRunning})
	env.engine.SetFile("/tmp/dockhand-agent-s1.jsonl", assistantLine+"\n")
	env.engine.SetLogs("last container output")

	done := make(chan error, 1)
	go func() {
		done <- env.runner.Run(context.Background(), "s1", "c1", "prompt")
	}()

	require.Eventually(t, func() bool {
		return env.engine.LastExecCmd() != nil
	}, 3*time.Second, 10*time.Millisecond)
	env.engine.SetState("c1", &container.State{Status: container.StatusStopped, OOMKilled: true, ExitCode: 137})
	env.engine.FinishExecs(container.ExitCodeKilled)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	msgs, err := env.repo.ListMessages(context.Background(), "s1", -1, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, claude.MessageTypeSystem, last.Type)

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(last.Content, &content))
	assert.Equal(t, "error", content["subtype"])
	assert.Contains(t, content["error"], "out of memory")
	assert.Equal(t, "last container output", content["logs"])
}

func TestRunInterruptExitIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusRunning})
	env.engine.SetFile("/tmp/dockhand-agent-s1.jsonl", resultLine+"\n")

	done := make(chan error, 1)
	go func() {
		done <- env.runner.Run(context.Background(), "s1", "c1", "prompt")
	}()

	require.Eventually(t, func() bool {
		return env.engine.LastExecCmd() != nil
	}, 3*time.Second, 10*time.Millisecond)
	env.engine.FinishExecs(container.ExitCodeInterrupt)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	msgs, err := env.repo.ListMessages(context.Background(), "s1", -1, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		var content map[string]interface{}
		require.NoError(t, json.Unmarshal(m.Content, &content))
		assert.NotEqual(t, "error", content["subtype"])
	}
}

func TestBuildAgentArgs(t *testing.T) {
	env := newTestEnv(t)

	first := env.runner.buildAgentArgs("s1", "hello", true)
	assert.Equal(t, "/usr/bin/claude", first[0])
	assert.Contains(t, first, "--session-id")
	assert.Contains(t, first, "--include-partial-messages")
	assert.NotContains(t, first, "--resume")
	assert.NotContains(t, first, "--model")

	resumed := env.runner.buildAgentArgs("s1", "hello", false)
	assert.Contains(t, resumed, "--resume")
	assert.NotContains(t, resumed, "--session-id")

	env.runner.cfg.Model = "claude-sonnet-4-5"
	withModel := env.runner.buildAgentArgs("s1", "hello", true)
	assert.Contains(t, withModel, "--model")
	assert.Contains(t, withModel, "claude-sonnet-4-5")
}

func TestDescribeRunNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.repo.GetAgentRun(context.Background(), "absent")
	assert.True(t, errors.Is(err, store.ErrRunNotFound))
}
