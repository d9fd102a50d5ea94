package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
)

// Result reports which carrier accepted an envelope.
type Result struct {
	Transport string
	FellBack  bool
	Attempts  int
}

// Fallback sends through the primary carrier with retries, then tries the
// secondary once. The secondary is optional.
type Fallback struct {
	primary   Sender
	secondary Sender
	attempts  int
	log       *zap.Logger
}

func NewFallback(primary, secondary Sender, attempts int, logger *zap.Logger) *Fallback {
	if attempts <= 0 {
		attempts = 1
	}
	return &Fallback{primary: primary, secondary: secondary, attempts: attempts, log: obslog.Or(logger)}
}

func (f *Fallback) Send(ctx context.Context, env *envelope.Envelope) (Result, error) {
	res := Result{Transport: f.primary.Name()}
	var primaryErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		res.Attempts++
		primaryErr = f.primary.Send(ctx, env)
		if primaryErr == nil {
			return res, nil
		}
		if errors.Is(primaryErr, ErrClosed) || ctx.Err() != nil || attempt == f.attempts {
			break
		}
		if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
			break
		}
	}

	if f.secondary == nil || ctx.Err() != nil {
		return res, fmt.Errorf("send %s via %s: %w", env.Type, f.primary.Name(), primaryErr)
	}
	f.log.Warn("dispatch_fallback",
		zap.String("type", env.Type),
		zap.String("primary", f.primary.Name()),
		zap.String("secondary", f.secondary.Name()),
		zap.Error(primaryErr))

	res.Transport = f.secondary.Name()
	res.FellBack = true
	res.Attempts++
	if err := f.secondary.Send(ctx, env); err != nil {
		return res, fmt.Errorf("send %s: primary %s: %v; secondary %s: %w", env.Type, f.primary.Name(), primaryErr, f.secondary.Name(), err)
	}
	return res, nil
}

// Names lists the configured carriers, primary first.
func (f *Fallback) Names() []string {
	if f.secondary == nil {
		return []string{f.primary.Name()}
	}
	return []string{f.primary.Name(), f.secondary.Name()}
}
