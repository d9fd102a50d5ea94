package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
)

const defaultSubscriberBuffer = 64

// EventBus fans handled envelopes out to in-process subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	log    *zap.Logger
}

type Subscription struct {
	C    <-chan *envelope.Envelope
	ch   chan *envelope.Envelope
	bus  *EventBus
	once sync.Once
}

func NewEventBus(buffer int, logger *zap.Logger) *EventBus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &EventBus{subs: make(map[*Subscription]struct{}), buffer: buffer, log: obslog.Or(logger)}
}

func (b *EventBus) Subscribe() *Subscription {
	ch := make(chan *envelope.Envelope, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	if closed {
		s.Close()
	}
	return s
}

// Close ends every subscription; later subscriptions start closed.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.Close()
	}
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

func (b *EventBus) Publish(env *envelope.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dropped := 0
	for s := range b.subs {
		select {
		case s.ch <- env:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.Warn("event_bus_dropped", zap.String("type", env.Type), zap.Int("subscribers", dropped))
	}
}

// Len reports the number of live subscriptions.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
