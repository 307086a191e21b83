package agent

import (
	"context"
	"encoding/json"

	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/pkg/claude"
)

// accumulator reconstructs the in-progress assistant message from stream
// events. At most one partial exists per session at a time, keyed by the
// model-assigned message id; its snapshots are fanned out with Seq -1 and
// never persisted. The final assistant record arrives as a regular message
// with the same id, which is how clients replace the partial in place.
type accumulator struct {
	sessionID string
	notifier  *events.Notifier
	current   *partialMessage
}

type partialMessage struct {
	messageID string
	model     string
	blocks    []partialBlock
}

type partialBlock struct {
	blockType string
	toolUseID string
	toolName  string
	text      string
	// inputJSON accumulates tool_use input fragments; it is often not
	// valid JSON until the block stops.
	inputJSON string
}

func newAccumulator(sessionID string, notifier *events.Notifier) *accumulator {
	return &accumulator{sessionID: sessionID, notifier: notifier}
}

// handle applies one stream event and emits a snapshot when the partial
// has displayable content.
func (a *accumulator) handle(ctx context.Context, ev *claude.StreamEvent) {
	switch ev.Type {
	case claude.EventMessageStart:
		if ev.Message == nil {
			return
		}
		a.current = &partialMessage{
			messageID: ev.Message.ID,
			model:     ev.Message.Model,
		}

	case claude.EventContentBlockStart:
		if a.current == nil || ev.ContentBlock == nil {
			return
		}
		a.extendTo(ev.Index)
		block := &a.current.blocks[ev.Index]
		block.blockType = ev.ContentBlock.Type
		switch ev.ContentBlock.Type {
		case claude.BlockTypeText:
			block.text = ev.ContentBlock.Text
		case claude.BlockTypeToolUse:
			block.toolUseID = ev.ContentBlock.ID
			block.toolName = ev.ContentBlock.Name
		}
		a.emit(ctx)

	case claude.EventContentBlockDelta:
		if a.current == nil || ev.Delta == nil {
			return
		}
		a.extendTo(ev.Index)
		block := &a.current.blocks[ev.Index]
		switch ev.Delta.Type {
		case claude.DeltaTypeText:
			block.text += ev.Delta.Text
		case claude.DeltaTypeInputJSON:
			block.inputJSON += ev.Delta.PartialJSON
		}
		a.emit(ctx)

	case claude.EventContentBlockStop:
		if a.current == nil {
			return
		}
		a.emit(ctx)

	case claude.EventMessageStop:
		// The final assistant message follows as a non-stream record and
		// is persisted under the same id; the partial has served its
		// purpose.
		a.current = nil
	}
}

// extendTo grows the block list so index is addressable. Events can arrive
// for indexes the start event of which was lost.
func (a *accumulator) extendTo(index int) {
	for len(a.current.blocks) <= index {
		a.current.blocks = append(a.current.blocks, partialBlock{})
	}
}

// displayable reports whether the partial carries anything worth showing:
// non-empty text or a named tool call.
func (a *accumulator) displayable() bool {
	if a.current == nil {
		return false
	}
	for _, b := range a.current.blocks {
		if b.text != "" {
			return true
		}
		if b.blockType == claude.BlockTypeToolUse && b.toolName != "" {
			return true
		}
	}
	return false
}

// emit publishes the current snapshot as an assistant-shaped message with
// Seq -1.
func (a *accumulator) emit(ctx context.Context) {
	if !a.displayable() {
		return
	}

	blocks := make([]map[string]interface{}, 0, len(a.current.blocks))
	for _, b := range a.current.blocks {
		switch b.blockType {
		case claude.BlockTypeText:
			blocks = append(blocks, map[string]interface{}{
				"type": claude.BlockTypeText,
				"text": b.text,
			})
		case claude.BlockTypeToolUse:
			entry := map[string]interface{}{
				"type": claude.BlockTypeToolUse,
				"id":   b.toolUseID,
				"name": b.toolName,
			}
			// Tool input streams as JSON fragments; until they parse,
			// surface the raw accumulator so the UI can render progress.
			var input map[string]interface{}
			if b.inputJSON != "" && json.Unmarshal([]byte(b.inputJSON), &input) == nil {
				entry["input"] = input
			} else {
				entry["input"] = map[string]interface{}{"_partial": b.inputJSON}
			}
			blocks = append(blocks, entry)
		default:
			// Skip blocks whose start event has not arrived yet.
		}
	}

	snapshot := map[string]interface{}{
		"type": claude.MessageTypeAssistant,
		"message": map[string]interface{}{
			"id":      a.current.messageID,
			"model":   a.current.model,
			"content": blocks,
		},
	}
	content, err := json.Marshal(snapshot)
	if err != nil {
		return
	}

	_ = a.notifier.MessagePartial(ctx, &events.MessagePayload{
		SessionID: a.sessionID,
		MessageID: a.current.messageID,
		Type:      claude.MessageTypeAssistant,
		Content:   content,
	})
}
