package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Delivery is synchronous: a Publish call runs every matching
// handler before returning, so subscribers observe task lifecycle events in
// the order the broker emitted them.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	groups map[string]*queueRing
	logger *logger.Logger
	closed bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memSub),
		groups: make(map[string]*queueRing),
		logger: log,
	}
}

// memSub is one registered handler, plain or queue-grouped.
type memSub struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil when the subject has no wildcards
	handler EventHandler
	queue   string // empty for plain subscriptions
	mu      sync.Mutex
	active  bool
}

// queueRing hands each delivery to one member of a queue group, rotating
// through the active members.
type queueRing struct {
	mu      sync.Mutex
	members []*memSub
	next    int
}

// Subscribe registers a handler for a subject pattern. NATS-style wildcards
// are honored: "*" matches one token, ">" matches the rest of the subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memSub{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	b.logger.Info("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe registers a handler in a queue group. Each published event
// reaches exactly one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memSub{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	key := queue + ":" + subject
	ring, ok := b.groups[key]
	if !ok {
		ring = &queueRing{}
		b.groups[key] = ring
	}
	ring.members = append(ring.members, sub)

	b.logger.Info("Queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Publish delivers an event to every matching subscriber. Plain subscribers
// each get the event; a queue group gets it once, routed to one member.
// Handler errors are logged and do not fail the publish.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	seenGroups := make(map[string]bool)

	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if !sub.isActive() {
				continue
			}
			if !matches(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				key := sub.queue + ":" + pattern
				if !seenGroups[key] {
					seenGroups[key] = true
					b.deliverToGroup(ctx, key, subject, event)
				}
				continue
			}

			if err := sub.handler(ctx, event); err != nil {
				b.logger.Error("Event handler error",
					zap.String("subject", subject),
					zap.Error(err))
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Request publishes an event and waits for a single reply. The reply subject
// is carried inside the event data under "_reply", mirroring how NATS inboxes
// work, so responders behave the same against either bus.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	replyCh := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case replyCh <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	switch data := event.Data.(type) {
	case map[string]interface{}:
		if data == nil {
			data = make(map[string]interface{})
		}
		data["_reply"] = replySubject
		event.Data = data
	case nil:
		event.Data = map[string]interface{}{"_reply": replySubject}
	default:
		// Struct payloads get wrapped so the reply subject travels with them.
		event.Data = map[string]interface{}{
			"data":   data,
			"_reply": replySubject,
		}
	}

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subs = make(map[string][]*memSub)
	b.groups = make(map[string]*queueRing)

	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) deliverToGroup(ctx context.Context, key, subject string, event *Event) {
	ring, ok := b.groups[key]
	if !ok {
		return
	}

	ring.mu.Lock()
	defer ring.mu.Unlock()

	if len(ring.members) == 0 {
		return
	}

	start := ring.next
	for i := 0; i < len(ring.members); i++ {
		idx := (start + i) % len(ring.members)
		sub := ring.members[idx]
		if !sub.isActive() {
			continue
		}
		ring.next = (idx + 1) % len(ring.members)
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Queue event handler error",
				zap.String("subject", subject),
				zap.String("queue", key),
				zap.Error(err))
		}
		return
	}
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memSub) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subs[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		key := s.queue + ":" + s.subject
		if ring, ok := s.bus.groups[key]; ok {
			ring.mu.Lock()
			for i, member := range ring.members {
				if member == s {
					ring.members = append(ring.members[:i], ring.members[i+1:]...)
					break
				}
			}
			ring.mu.Unlock()
		}
	}

	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memSub) IsValid() bool {
	return s.isActive()
}

func (s *memSub) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memSub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// matches reports whether a concrete subject matches a subscription pattern.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern into an anchored regexp, or
// nil when the pattern is a literal subject.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	// QuoteMeta escapes "*" but leaves ">" alone, hence the two keys.
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
