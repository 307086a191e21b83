// Package subscriptions turns bus subjects into per-consumer event streams
// for the gateway: each subscriber gets its own buffered FIFO channel, so a
// slow client never blocks publishing or other subscribers.
package subscriptions

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/events"
	"github.com/dockhand/dockhand/internal/events/bus"
)

// defaultBufferSize is how many undelivered events a single subscriber may
// accumulate before new ones are dropped.
const defaultBufferSize = 256

// Manager creates event streams over the bus.
type Manager struct {
	bus        bus.EventBus
	log        *logger.Logger
	bufferSize int
}

// NewManager creates a Manager.
func NewManager(b bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		bus:        b,
		log:        log.WithFields(zap.String("component", "subscriptions")),
		bufferSize: defaultBufferSize,
	}
}

// SessionStatus streams lifecycle events of one session, or of all sessions
// when sessionID is empty.
func (m *Manager) SessionStatus(ctx context.Context, sessionID string) (*Stream, error) {
	if sessionID == "" {
		return m.subscribe(ctx, events.BuildSessionStatusWildcardSubject())
	}
	return m.subscribe(ctx, events.BuildSessionStatusSubject(sessionID))
}

// SessionMessages streams transcript events (added, updated, and partial
// snapshots) of one session, or of all sessions when sessionID is empty.
func (m *Manager) SessionMessages(ctx context.Context, sessionID string) (*Stream, error) {
	if sessionID == "" {
		return m.subscribe(ctx, events.BuildSessionMessagesWildcardSubject())
	}
	return m.subscribe(ctx, events.BuildSessionMessagesSubject(sessionID))
}

// SessionAgent streams agent running-state events of one session, or of all
// sessions when sessionID is empty.
func (m *Manager) SessionAgent(ctx context.Context, sessionID string) (*Stream, error) {
	if sessionID == "" {
		return m.subscribe(ctx, events.BuildSessionAgentWildcardSubject())
	}
	return m.subscribe(ctx, events.BuildSessionAgentSubject(sessionID))
}

func (m *Manager) subscribe(ctx context.Context, subject string) (*Stream, error) {
	s := &Stream{
		subject: subject,
		events:  make(chan *bus.Event, m.bufferSize),
		log:     m.log,
	}
	sub, err := m.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
		s.deliver(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.sub = sub

	// The stream dies with the consumer's context.
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s, nil
}

// Stream is one subscriber's view of a subject. Events arrive in publish
// order; when the consumer falls more than the buffer size behind, newer
// events are dropped and counted.
type Stream struct {
	subject string
	log     *logger.Logger
	sub     bus.Subscription

	mu      sync.Mutex
	closed  bool
	dropped int
	events  chan *bus.Event
}

// Events is the stream's delivery channel. It is closed when the stream is
// closed, so consumers can range over it.
func (s *Stream) Events() <-chan *bus.Event {
	return s.events
}

// Dropped reports how many events were discarded because the consumer fell
// behind.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes from the bus and closes the delivery channel. It is
// idempotent and safe to call concurrently with delivery.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	// Delivery checks the closed flag under the same lock before sending,
	// so nothing can send after this point.
	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
}

func (s *Stream) deliver(ev *bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.log.Warn("subscriber falling behind, dropping events",
				zap.String("subject", s.subject),
				zap.Int("dropped", s.dropped))
		}
	}
}
