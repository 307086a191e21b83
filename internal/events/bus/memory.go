package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
)

// MemoryEventBus dispatches in-process. Publish runs every matching handler
// on the caller's goroutine before returning, so a caller that persists a
// row and then publishes knows all subscribers saw the event in order.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
	log    *logger.Logger
}

type memorySub struct {
	bus     *MemoryEventBus
	subject string
	// pattern is nil for exact subjects and a compiled matcher when the
	// subject carries * or > wildcards.
	pattern *regexp.Regexp
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs: make(map[string][]*memorySub),
		log:  log,
	}
}

// Publish delivers the event to every active subscription whose pattern
// matches the subject. Handler errors are logged, not returned; one failing
// subscriber must not starve the others.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	// Snapshot matches under the read lock so handlers can subscribe or
	// unsubscribe without deadlocking.
	var targets []*memorySub
	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if sub.isActive() && subjectMatches(subject, pattern, sub.pattern) {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.log.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySub{
		bus:     b,
		subject: subject,
		pattern: compileSubjectPattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subs = make(map[string][]*memorySub)
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySub) IsValid() bool {
	return s.isActive()
}

func (s *memorySub) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func subjectMatches(subject, pattern string, re *regexp.Regexp) bool {
	if re == nil {
		return subject == pattern
	}
	return re.MatchString(subject)
}

// compileSubjectPattern turns a NATS-style pattern into a regexp. Exact
// subjects return nil and compare by string equality.
func compileSubjectPattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
