package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/park285/mc-authbridge/internal/clock"
)

type memEntry struct {
	e         Entry
	expiresAt time.Time
}

// Memory is a process-local Cache. Only correct for a single instance.
type Memory struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]memEntry
	waiters map[string]map[chan struct{}]struct{}
}

var _ Cache = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clk:     clk,
		entries: make(map[string]memEntry),
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

func (m *Memory) Put(_ context.Context, key string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{e: e, expiresAt: m.clk.Now().Add(ttl)}
	for ch := range m.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) TakeIfPresent(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	me, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	delete(m.entries, key)
	if !m.clk.Now().Before(me.expiresAt) {
		return Entry{}, false, nil
	}
	return me.e, true, nil
}

func (m *Memory) Sweep(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	n := 0
	for k, me := range m.entries {
		if !now.Before(me.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len reports stored entries, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) notify(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	set := m.waiters[key]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		m.waiters[key] = set
	}
	set[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.waiters[key], ch)
		if len(m.waiters[key]) == 0 {
			delete(m.waiters, key)
		}
		m.mu.Unlock()
	}
}
