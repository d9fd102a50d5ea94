// Package router parses inbound payloads into envelopes and fans them out to
// the handlers registered for their type.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/metrics"
	"github.com/park285/mc-authbridge/internal/obslog"
)

type Handler func(ctx context.Context, env *envelope.Envelope) error

type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	defaults map[string]Handler
	bus      *EventBus
	metrics  metrics.Recorder
	log      *zap.Logger
}

// New returns a router that re-publishes handled envelopes on bus (optional),
// with credential fields stripped.
func New(bus *EventBus, rec metrics.Recorder, logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string][]Handler),
		defaults: make(map[string]Handler),
		bus:      bus,
		metrics:  metrics.Or(rec),
		log:      obslog.Or(logger),
	}
}

// Handle appends h to the handlers for typ.
func (r *Router) Handle(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = append(r.handlers[typ], h)
}

// Default sets the fallback for typ, used only while no Handle registration exists.
func (r *Router) Default(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[typ] = h
}

func (r *Router) lookup(typ string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if hs := r.handlers[typ]; len(hs) > 0 {
		out := make([]Handler, len(hs))
		copy(out, hs)
		return out
	}
	if d, ok := r.defaults[typ]; ok {
		return []Handler{d}
	}
	return nil
}

// Dispatch is a transport.Handler. Malformed payloads and unknown types are
// logged and reported as handled so they are not redelivered. Handler
// failures are joined and returned after every handler ran.
func (r *Router) Dispatch(ctx context.Context, raw []byte) error {
	env, err := envelope.Parse(raw)
	if err != nil {
		r.metrics.RecordInbound("", "malformed")
		r.log.Warn("router_malformed", zap.Int("bytes", len(raw)), zap.Error(err))
		return nil
	}
	return r.Route(ctx, env)
}

// Route runs the handlers for an already parsed envelope.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) error {
	hs := r.lookup(env.Type)
	if len(hs) == 0 {
		r.metrics.RecordInbound(env.Type, "unknown")
		r.log.Warn("router_unknown_type", zap.String("type", env.Type), zap.String("id", env.ID))
		return nil
	}

	var errs []error
	for i, h := range hs {
		if err := r.run(ctx, h, env); err != nil {
			r.log.Error("router_handler_failed",
				zap.String("type", env.Type),
				zap.String("id", env.ID),
				zap.Int("handler", i),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(env.Redacted())
	}
	if len(errs) > 0 {
		r.metrics.RecordInbound(env.Type, "error")
		return errors.Join(errs...)
	}
	r.metrics.RecordInbound(env.Type, "ok")
	return nil
}

func (r *Router) run(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, env)
}
