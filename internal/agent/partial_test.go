package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/pkg/claude"
)

func streamEvent(t *testing.T, raw string) *claude.StreamEvent {
	t.Helper()
	var ev claude.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return &ev
}

func TestAccumulatorEmitsGrowingTextSnapshots(t *testing.T) {
	env := newTestEnv(t)
	sink := env.collectMessages(t, "s1")
	acc := newAccumulator("s1", env.runner.notifier)
	ctx := context.Background()

	acc.handle(ctx, streamEvent(t, `{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-5"}}`))
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`))
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`))

	partials := sink.ofType(events.MessagePartial)
	require.Len(t, partials, 2)

	// Every snapshot is a full assistant-shaped message, not a delta.
	last := partials[len(partials)-1].Data.(*events.MessagePayload)
	assert.Equal(t, "msg_1", last.MessageID)
	assert.Equal(t, int64(-1), last.Seq)

	var snapshot struct {
		Type    string `json:"type"`
		Message struct {
			ID      string `json:"id"`
			Model   string `json:"model"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(last.Content, &snapshot))
	assert.Equal(t, claude.MessageTypeAssistant, snapshot.Type)
	assert.Equal(t, "msg_1", snapshot.Message.ID)
	require.Len(t, snapshot.Message.Content, 1)
	assert.Equal(t, "Hello", snapshot.Message.Content[0].Text)
}

func TestAccumulatorToolUseInput(t *testing.T) {
	env := newTestEnv(t)
	sink := env.collectMessages(t, "s1")
	acc := newAccumulator("s1", env.runner.notifier)
	ctx := context.Background()

	acc.handle(ctx, streamEvent(t, `{"type":"message_start","message":{"id":"msg_2","model":"claude-sonnet-4-5"}}`))
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"Bash"}}`))
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`))

	partials := sink.ofType(events.MessagePartial)
	require.NotEmpty(t, partials)
	last := partials[len(partials)-1].Data.(*events.MessagePayload)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(last.Content, &snapshot))
	content := snapshot["message"].(map[string]interface{})["content"].([]interface{})
	block := content[0].(map[string]interface{})
	assert.Equal(t, "Bash", block["name"])
	// The fragment is not yet valid JSON and is surfaced raw.
	input := block["input"].(map[string]interface{})
	assert.Equal(t, `{"command":`, input["_partial"])

	// Once the input parses, it is embedded as an object.
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`))
	partials = sink.ofType(events.MessagePartial)
	last = partials[len(partials)-1].Data.(*events.MessagePayload)
	require.NoError(t, json.Unmarshal(last.Content, &snapshot))
	content = snapshot["message"].(map[string]interface{})["content"].([]interface{})
	block = content[0].(map[string]interface{})
	input = block["input"].(map[string]interface{})
	assert.Equal(t, "ls", input["command"])
}

func TestAccumulatorSkipsEmptySnapshots(t *testing.T) {
	env := newTestEnv(t)
	sink := env.collectMessages(t, "s1")
	acc := newAccumulator("s1", env.runner.notifier)
	ctx := context.Background()

	acc.handle(ctx, streamEvent(t, `{"type":"message_start","message":{"id":"msg_3","model":"claude-sonnet-4-5"}}`))
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))

	// No text yet, nothing worth showing.
	assert.Empty(t, sink.ofType(events.MessagePartial))
}

func TestAccumulatorClearsOnMessageStop(t *testing.T) {
	env := newTestEnv(t)
	acc := newAccumulator("s1", env.runner.notifier)
	ctx := context.Background()

	acc.handle(ctx, streamEvent(t, `{"type":"message_start","message":{"id":"msg_4","model":"claude-sonnet-4-5"}}`))
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`))
	require.NotNil(t, acc.current)

	acc.handle(ctx, streamEvent(t, `{"type":"message_stop"}`))
	assert.Nil(t, acc.current)
}

func TestAccumulatorToleratesMissingBlockStart(t *testing.T) {
	env := newTestEnv(t)
	sink := env.collectMessages(t, "s1")
	acc := newAccumulator("s1", env.runner.notifier)
	ctx := context.Background()

	acc.handle(ctx, streamEvent(t, `{"type":"message_start","message":{"id":"msg_5","model":"claude-sonnet-4-5"}}`))
	// Delta for index 2 without any block_start events.
	acc.handle(ctx, streamEvent(t, `{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":"tail"}}`))

	partials := sink.ofType(events.MessagePartial)
	require.NotEmpty(t, partials)
}
