package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/container"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/pkg/claude"
)

func TestInterruptWithoutRun(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")

	err := env.runner.Interrupt(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoRunningAgent)
}

func TestInterruptSignalsByPID(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusRunning})

	// An assistant message mid-turn plus the run row from a live turn.
	proc := env.runner.newLineProcessor("s1", 0)
	require.True(t, proc.processLine(context.Background(), assistantLine))
	require.NoError(t, env.repo.UpsertAgentRun(context.Background(), &models.AgentRun{
		SessionID:   "s1",
		ContainerID: "c1",
		PID:         42,
		OutputFile:  "/tmp/dockhand-agent-s1.jsonl",
	}))

	sink := env.collectMessages(t, "s1")
	require.NoError(t, env.runner.Interrupt(context.Background(), "s1"))

	assert.Equal(t, []string{"pid:42:INT"}, env.engine.SentSignals())

	// The last agent message is flagged and the interrupt itself lands in
	// the transcript.
	msg, err := env.repo.GetMessage(context.Background(), "s1", "msg_abc")
	require.NoError(t, err)
	var content map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Content, &content))
	assert.Equal(t, true, content["interrupted"])

	msgs, err := env.repo.ListMessages(context.Background(), "s1", -1, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, claude.MessageTypeUser, last.Type)
	var marker map[string]string
	require.NoError(t, json.Unmarshal(last.Content, &marker))
	assert.Equal(t, "interrupt", marker["subtype"])

	updated := sink.ofType(events.MessageUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "msg_abc", updated[0].Data.(*events.MessagePayload).MessageID)
}

func TestInterruptFallsBackToPattern(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusRunning})

	// pid discovery never completed for this run.
	require.NoError(t, env.repo.UpsertAgentRun(context.Background(), &models.AgentRun{
		SessionID:   "s1",
		ContainerID: "c1",
		OutputFile:  "/tmp/dockhand-agent-s1.jsonl",
	}))

	require.NoError(t, env.runner.Interrupt(context.Background(), "s1"))
	assert.Equal(t, []string{"pattern:/usr/bin/claude:INT"}, env.engine.SentSignals())
}

func TestInterruptClearsStaleRowWhenContainerStopped(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "s1")
	env.engine.SetState("c1", &container.State{Status: container.StatusStopped})

	require.NoError(t, env.repo.UpsertAgentRun(context.Background(), &models.AgentRun{
		SessionID:   "s1",
		ContainerID: "c1",
		PID:         42,
	}))

	err := env.runner.Interrupt(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoRunningAgent)
	assert.Empty(t, env.engine.SentSignals())

	_, err = env.repo.GetAgentRun(context.Background(), "s1")
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}
