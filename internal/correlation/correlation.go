// Package correlation bridges asynchronous game replies back to a waiting
// HTTP request. Entries are keyed by playerId_playerUuid, consumed at most
// once and expire after a fixed TTL even when nobody reads them.
package correlation

import (
	"context"
	"errors"
	"time"
)

// Entry is the reply payload recorded for a player.
type Entry struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Cache interface {
	Put(ctx context.Context, key string, e Entry, ttl time.Duration) error
	// TakeIfPresent atomically reads and deletes key.
	TakeIfPresent(ctx context.Context, key string) (Entry, bool, error)
	// Sweep drops expired entries and reports how many it removed.
	Sweep(ctx context.Context) (int, error)
}

// notifier is implemented by caches that can wake waiters on Put.
type notifier interface {
	notify(key string) (<-chan struct{}, func())
}

var ErrTimeout = errors.New("correlation wait timed out")

// WaitFor polls c for key every poll until an entry appears, timeout elapses
// or ctx is cancelled. It returns ErrTimeout at the bound, never earlier, and
// ctx.Err() on cancellation.
func WaitFor(ctx context.Context, c Cache, key string, timeout, poll time.Duration) (Entry, error) {
	if poll <= 0 {
		poll = time.Second
	}
	if e, ok, err := c.TakeIfPresent(ctx, key); err != nil || ok {
		return e, err
	}

	var wake <-chan struct{}
	if n, ok := c.(notifier); ok {
		ch, release := n.notify(key)
		defer release()
		wake = ch
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-deadline.C:
			// Last look so a reply landing on the boundary is not lost.
			if e, ok, err := c.TakeIfPresent(context.WithoutCancel(ctx), key); err != nil || ok {
				return e, err
			}
			return Entry{}, ErrTimeout
		case <-wake:
			wake = nil
		case <-ticker.C:
		}
		e, ok, err := c.TakeIfPresent(ctx, key)
		if err != nil {
			return Entry{}, err
		}
		if ok {
			return e, nil
		}
	}
}
