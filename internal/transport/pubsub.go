package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
)

type PubSubOptions struct {
	Outbound string
	Inbound  string
	// RequireSubscriber turns a publish nobody received into ErrNoSubscribers
	// so the caller can fall back to another carrier.
	RequireSubscriber bool
	Logger            *zap.Logger
}

// PubSub is a fire-and-forget carrier on Redis PUBLISH/SUBSCRIBE. Publishing
// and subscribing use separate clients so a blocked subscription never holds
// up request-path publishes. Messages whose handler fails are lost.
type PubSub struct {
	pub  *redis.Client
	sub  *redis.Client
	opts PubSubOptions
	log  *zap.Logger

	mu       sync.Mutex
	active   *redis.PubSub
	inflight sync.WaitGroup

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

var _ Transport = (*PubSub)(nil)

// NewPubSub opens its own publisher and subscriber clients from ro.
func NewPubSub(ro *redis.Options, opts PubSubOptions) *PubSub {
	pubOpts := *ro
	subOpts := *ro
	return &PubSub{
		pub:    redis.NewClient(&pubOpts),
		sub:    redis.NewClient(&subOpts),
		opts:   opts,
		log:    obslog.Or(opts.Logger).With(zap.String("transport", "pubsub")),
		stopCh: make(chan struct{}),
	}
}

func (p *PubSub) Name() string { return "pubsub" }

func (p *PubSub) Send(ctx context.Context, env *envelope.Envelope) error {
	if p.isStopping() {
		return ErrClosed
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	n, err := p.pub.Publish(ctx, p.opts.Outbound, raw).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.opts.Outbound, err)
	}
	if n == 0 && p.opts.RequireSubscriber {
		return ErrNoSubscribers
	}
	return nil
}

// Consume subscribes to the inbound channel and runs h for each message as it
// arrives. Handler errors are logged; there is no redelivery.
func (p *PubSub) Consume(ctx context.Context, h Handler) error {
	if p.isStopping() {
		return ErrClosed
	}
	ps := p.sub.Subscribe(ctx, p.opts.Inbound)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", p.opts.Inbound, err)
	}
	p.mu.Lock()
	p.active = ps
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active = nil
		p.mu.Unlock()
		_ = ps.Close()
	}()
	p.log.Info("pubsub_subscribed", zap.String("channel", p.opts.Inbound))

	hctx := context.WithoutCancel(ctx)
	ch := ps.Channel()
	for {
		select {
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				if p.isStopping() {
					return nil
				}
				return errors.New("subscription channel closed")
			}
			payload := []byte(msg.Payload)
			p.inflight.Add(1)
			go func() {
				defer p.inflight.Done()
				defer func() {
					if rec := recover(); rec != nil {
						p.log.Error("pubsub_handler_panic", zap.Any("panic", rec))
					}
				}()
				if err := h(hctx, payload); err != nil {
					p.log.Warn("pubsub_message_lost", zap.Error(err), zap.Int("bytes", len(payload)))
				}
			}()
		}
	}
}

// Close stops intake, waits for in-flight handlers and closes both clients.
func (p *PubSub) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	if p.active != nil {
		_ = p.active.Close()
	}
	p.mu.Unlock()
	err := waitGroupTimeout(ctx, p.inflight.Wait)
	p.closeOnce.Do(func() {
		_ = p.sub.Close()
		_ = p.pub.Close()
	})
	return err
}

func (p *PubSub) isStopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}
