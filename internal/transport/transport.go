// Package transport carries envelopes between the web and game sides. Every
// carrier implements the same Transport contract so callers can pick one by
// configuration and fall back to another.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/park285/mc-authbridge/internal/envelope"
)

// Handler processes one inbound payload. A nil return acknowledges it; carriers
// with redelivery leave the payload unacknowledged on error.
type Handler func(ctx context.Context, raw []byte) error

type Sender interface {
	Name() string
	Send(ctx context.Context, env *envelope.Envelope) error
}

type Receiver interface {
	// Consume delivers inbound payloads to h until ctx is done or the
	// transport is closed. It returns nil on Close.
	Consume(ctx context.Context, h Handler) error
}

type Transport interface {
	Sender
	Receiver
	// Close stops intake, waits for in-flight handler calls (bounded by ctx)
	// and releases connections the transport owns.
	Close(ctx context.Context) error
}

var (
	ErrClosed         = errors.New("transport closed")
	ErrNoSubscribers  = errors.New("no subscribers received the message")
	ErrNotConnected   = errors.New("transport not connected")
	ErrPollInProgress = errors.New("poll already in progress")
	ErrSendOnly       = errors.New("transport is send-only")
)

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// waitGroupTimeout waits for wg or ctx, whichever comes first.
func waitGroupTimeout(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
