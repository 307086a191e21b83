// Package claude provides types for the Claude Code CLI stream-json protocol.
// The CLI emits newline-delimited JSON on stdout; each line is a CLIMessage
// envelope discriminated by its type field. With partial message streaming
// enabled the CLI additionally emits stream_event envelopes wrapping the
// Anthropic streaming API events (message_start, content_block_delta, ...).
package claude

import "encoding/json"

// Message types emitted by the CLI.
const (
	// MessageTypeSystem is emitted once per invocation with session info,
	// and reused for subtyped status records.
	MessageTypeSystem = "system"
	// MessageTypeAssistant carries a fully-formed assistant message.
	MessageTypeAssistant = "assistant"
	// MessageTypeUser echoes user input and tool results.
	MessageTypeUser = "user"
	// MessageTypeResult is the final record of an invocation.
	MessageTypeResult = "result"
	// MessageTypeStreamEvent wraps an incremental streaming event.
	MessageTypeStreamEvent = "stream_event"
)

// CLIMessage is one NDJSON line from the CLI output stream.
// The type field determines which other fields are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// UUID is the CLI-assigned identifier present on most non-assistant
	// records. Assistant records are identified by Message.ID instead.
	UUID string `json:"uuid,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// Message carries the nested API message for assistant and user records.
	Message *APIMessage `json:"message,omitempty"`

	// Event is the nested streaming event for stream_event records.
	Event json.RawMessage `json:"event,omitempty"`

	// Result fields. Result is a string for error results and an object
	// otherwise, so it stays raw.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
}

// APIMessage is the nested message object inside assistant and user records.
type APIMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// Text blocks.
	Text string `json:"text,omitempty"`

	// Thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// Tool use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token accounting from the API.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Streaming event types nested inside stream_event records.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// Delta types inside content_block_delta events.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
)

// ContentBlock types.
const (
	BlockTypeText    = "text"
	BlockTypeToolUse = "tool_use"
)

// StreamEvent is the nested event object of a stream_event record.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Message      *StreamTarget `json:"message,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
}

// StreamTarget identifies the message a stream event belongs to.
// Only message_start carries it.
type StreamTarget struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
	Role  string `json:"role,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// Delta is the incremental payload of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ParseEvent decodes the nested streaming event of a stream_event record.
func (m *CLIMessage) ParseEvent() (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ResultString returns the result field when it is a plain string
// (the shape used for error results), or "" otherwise.
func (m *CLIMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}
