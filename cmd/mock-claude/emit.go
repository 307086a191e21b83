package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand/dockhand/pkg/claude"
)

// emitter writes stream-json records one per line, matching the envelopes
// the real CLI produces.
type emitter struct {
	enc       *json.Encoder
	sessionID string
	model     string
	partials  bool
	delay     time.Duration
	started   time.Time
	numTurns  int
	msgSeq    int
}

func newEmitter(w io.Writer, opts options) *emitter {
	return &emitter{
		enc:       json.NewEncoder(w),
		sessionID: opts.sessionID,
		model:     opts.model,
		partials:  opts.partials,
		delay:     60 * time.Millisecond,
		started:   time.Now(),
	}
}

func (e *emitter) nextMessageID() string {
	e.msgSeq++
	sid := e.sessionID
	if len(sid) > 8 {
		sid = sid[:8]
	}
	return fmt.Sprintf("msg_mock_%s_%04d", sid, e.msgSeq)
}

// pause sleeps unless the context ends first. Returns false on interrupt.
func (e *emitter) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = e.delay
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// systemInit emits the init record that opens every invocation.
func (e *emitter) systemInit() {
	_ = e.enc.Encode(claude.CLIMessage{
		Type:      claude.MessageTypeSystem,
		Subtype:   "init",
		UUID:      uuid.New().String(),
		SessionID: e.sessionID,
	})
}

// assistantText emits one assistant text message. With partial streaming
// enabled the text first goes out as stream_event deltas chunked by word,
// the way the API streams it, then as the complete assistant record.
func (e *emitter) assistantText(ctx context.Context, text string) bool {
	msgID := e.nextMessageID()
	if e.partials {
		if !e.streamTextEvents(ctx, msgID, text) {
			return false
		}
	}
	e.assistantBlocks(msgID, []claude.ContentBlock{
		{Type: claude.BlockTypeText, Text: text},
	})
	return true
}

// assistantThinking emits an assistant message holding a thinking block.
func (e *emitter) assistantThinking(thought string) {
	e.assistantBlocks(e.nextMessageID(), []claude.ContentBlock{
		{Type: "thinking", Thinking: thought},
	})
}

func (e *emitter) assistantBlocks(msgID string, blocks []claude.ContentBlock) {
	e.numTurns++
	_ = e.enc.Encode(claude.CLIMessage{
		Type:      claude.MessageTypeAssistant,
		SessionID: e.sessionID,
		Message: &claude.APIMessage{
			ID:      msgID,
			Role:    "assistant",
			Model:   e.model,
			Content: blocks,
			Usage:   &claude.Usage{InputTokens: 1200, OutputTokens: 350},
		},
	})
}

// toolUse emits a tool_use assistant message and the matching tool_result
// user message.
func (e *emitter) toolUse(ctx context.Context, name string, input map[string]any, result string) bool {
	toolID := "toolu_mock_" + uuid.New().String()[:8]
	rawInput, _ := json.Marshal(input)
	e.assistantBlocks(e.nextMessageID(), []claude.ContentBlock{
		{Type: claude.BlockTypeToolUse, ID: toolID, Name: name, Input: rawInput},
	})

	if !e.pause(ctx, 0) {
		return false
	}

	rawResult, _ := json.Marshal(result)
	_ = e.enc.Encode(claude.CLIMessage{
		Type:      claude.MessageTypeUser,
		UUID:      uuid.New().String(),
		SessionID: e.sessionID,
		Message: &claude.APIMessage{
			Role: "user",
			Content: []claude.ContentBlock{
				{Type: "tool_result", ToolUseID: toolID, Content: rawResult},
			},
		},
	})
	return true
}

// streamTextEvents emits the stream_event sequence for one text message:
// message_start, content_block_start, word-chunked text deltas,
// content_block_stop, message_stop.
func (e *emitter) streamTextEvents(ctx context.Context, msgID, text string) bool {
	e.streamEvent(claude.StreamEvent{
		Type: claude.EventMessageStart,
		Message: &claude.StreamTarget{
			ID:    msgID,
			Model: e.model,
			Role:  "assistant",
			Usage: &claude.Usage{InputTokens: 1200},
		},
	})
	e.streamEvent(claude.StreamEvent{
		Type:         claude.EventContentBlockStart,
		Index:        0,
		ContentBlock: &claude.ContentBlock{Type: claude.BlockTypeText},
	})

	for _, chunk := range chunkWords(text, 5) {
		if !e.pause(ctx, e.delay/2) {
			return false
		}
		e.streamEvent(claude.StreamEvent{
			Type:  claude.EventContentBlockDelta,
			Index: 0,
			Delta: &claude.Delta{Type: claude.DeltaTypeText, Text: chunk},
		})
	}

	e.streamEvent(claude.StreamEvent{Type: claude.EventContentBlockStop, Index: 0})
	e.streamEvent(claude.StreamEvent{Type: claude.EventMessageStop})
	return true
}

func (e *emitter) streamEvent(ev claude.StreamEvent) {
	raw, _ := json.Marshal(ev)
	_ = e.enc.Encode(claude.CLIMessage{
		Type:      claude.MessageTypeStreamEvent,
		UUID:      uuid.New().String(),
		SessionID: e.sessionID,
		Event:     raw,
	})
}

// successResult closes the invocation with a success result record.
func (e *emitter) successResult(summary string) {
	raw, _ := json.Marshal(map[string]any{"summary": summary})
	_ = e.enc.Encode(claude.CLIMessage{
		Type:       claude.MessageTypeResult,
		Subtype:    "success",
		UUID:       uuid.New().String(),
		SessionID:  e.sessionID,
		Result:     raw,
		DurationMS: time.Since(e.started).Milliseconds(),
		NumTurns:   e.numTurns,
		CostUSD:    0.0042,
	})
}

// errorResult closes the invocation with an error result. The result field
// is a plain string for errors, matching the real CLI.
func (e *emitter) errorResult(subtype, message string) {
	raw, _ := json.Marshal(message)
	_ = e.enc.Encode(claude.CLIMessage{
		Type:       claude.MessageTypeResult,
		Subtype:    subtype,
		UUID:       uuid.New().String(),
		SessionID:  e.sessionID,
		Result:     raw,
		IsError:    true,
		DurationMS: time.Since(e.started).Milliseconds(),
		NumTurns:   e.numTurns,
	})
}

// chunkWords splits text into chunks of at most n words, keeping the
// original spacing boundaries close enough for display purposes.
func chunkWords(text string, n int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(words); i += n {
		end := i + n
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
