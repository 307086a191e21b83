package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/session/models"
	"github.com/dockhand/dockhand/internal/session/store"
	"github.com/dockhand/dockhand/pkg/claude"
)

// errorIDNamespace scopes the deterministic ids of synthetic parse-error
// messages so replaying the same broken line never persists it twice.
var errorIDNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("dockhand-agent-error"))

// lineProcessor turns raw output lines into persisted messages. It is owned
// by exactly one consumer at a time (the live runner or a catch-up), which
// is what keeps sequence allocation race-free.
type lineProcessor struct {
	runner    *Runner
	sessionID string
	acc       *accumulator
	// nextSeq is the sequence the next persisted message will receive.
	nextSeq int64
}

func (r *Runner) newLineProcessor(sessionID string, nextSeq int64) *lineProcessor {
	return &lineProcessor{
		runner:    r,
		sessionID: sessionID,
		acc:       newAccumulator(sessionID, r.notifier),
		nextSeq:   nextSeq,
	}
}

// processLine handles one complete output line. It returns true when a
// message was persisted (the caller then advances the run's last-seq).
func (p *lineProcessor) processLine(ctx context.Context, line string) bool {
	log := p.runner.log.WithSessionID(p.sessionID)

	var msg claude.CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("skipping unparseable agent output line",
			zap.Int("length", len(line)), zap.Error(err))
		return false
	}

	// Stream events drive the live partial view and are never stored.
	if msg.Type == claude.MessageTypeStreamEvent {
		ev, err := msg.ParseEvent()
		if err != nil {
			log.Warn("skipping malformed stream event", zap.Error(err))
			return false
		}
		p.acc.handle(ctx, ev)
		return false
	}

	msgType := normalizeMessageType(msg.Type)
	messageID := deriveMessageID(&msg)
	return p.persist(ctx, messageID, msgType, json.RawMessage(line))
}

// processBrokenLine persists a synthetic error record for a line that did
// not parse during catch-up. Its id is derived from the line content, so a
// repeated catch-up is idempotent.
func (p *lineProcessor) processBrokenLine(ctx context.Context, line string) bool {
	content, err := json.Marshal(map[string]interface{}{
		"type":    claude.MessageTypeSystem,
		"subtype": "error",
		"error":   "unparseable agent output",
		"line":    line,
	})
	if err != nil {
		return false
	}
	id := uuid.NewSHA1(errorIDNamespace, []byte(p.sessionID+":error:"+line)).String()
	return p.persist(ctx, id, claude.MessageTypeSystem, content)
}

// persist writes a message at the next sequence and publishes it. A
// duplicate message id is an idempotent replay and is skipped; a claimed
// sequence is retried once with the following number.
func (p *lineProcessor) persist(ctx context.Context, messageID, msgType string, content json.RawMessage) bool {
	log := p.runner.log.WithSessionID(p.sessionID)

	for attempt := 0; attempt < 2; attempt++ {
		m := &models.Message{
			ID:        messageID,
			SessionID: p.sessionID,
			Seq:       p.nextSeq,
			Type:      msgType,
			Content:   content,
		}
		err := p.runner.repo.CreateMessage(ctx, m)
		if err == nil {
			p.nextSeq++
			_ = p.runner.notifier.MessageAdded(ctx, &events.MessagePayload{
				SessionID: p.sessionID,
				MessageID: messageID,
				Seq:       m.Seq,
				Type:      msgType,
				Content:   content,
			})
			return true
		}
		if errors.Is(err, store.ErrDuplicateMessage) {
			return false
		}
		if errors.Is(err, store.ErrDuplicateSeq) {
			p.nextSeq++
			continue
		}
		log.Error("failed to persist message", zap.Error(err))
		return false
	}

	// Two consecutive sequence collisions leave a gap relative to the
	// output file; loud so operators notice.
	log.Error("dropping message after repeated sequence collisions",
		zap.String("message_id", messageID), zap.Int64("seq", p.nextSeq))
	return false
}

// normalizeMessageType maps unknown record types to system, preserving the
// four persisted types.
func normalizeMessageType(t string) string {
	switch t {
	case claude.MessageTypeUser, claude.MessageTypeAssistant,
		claude.MessageTypeSystem, claude.MessageTypeResult:
		return t
	default:
		return claude.MessageTypeSystem
	}
}

// deriveMessageID picks the stable identifier for a record: the model-
// assigned message id for assistant records (shared with their streamed
// partials), the CLI-assigned uuid when present, otherwise a fresh one.
func deriveMessageID(msg *claude.CLIMessage) string {
	if msg.Type == claude.MessageTypeAssistant && msg.Message != nil && msg.Message.ID != "" {
		return msg.Message.ID
	}
	if msg.UUID != "" {
		return msg.UUID
	}
	return uuid.New().String()
}
