package router

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/mc-authbridge/internal/envelope"
)

const otpResponse = `{"type":"mc_otp_response","source":"game","timestamp":"2026-03-01T10:00:00Z","data":{"mcid":"Steve","uuid":"u1","success":true,"message":"ok"}}`

func TestMalformedAndUnknownAreDropped(t *testing.T) {
	bus := NewEventBus(4, nil)
	sub := bus.Subscribe()
	defer sub.Close()
	r := New(bus, nil, nil)

	for _, raw := range []string{"{oops", `{"type":"mc_future_thing","data":{}}`} {
		if err := r.Dispatch(context.Background(), []byte(raw)); err != nil {
			t.Fatalf("Dispatch(%q) = %v, want nil", raw, err)
		}
	}
	select {
	case env := <-sub.C:
		t.Fatalf("unhandled envelope must not be published: %+v", env)
	default:
	}
}

func TestAllHandlersRunDespiteFailures(t *testing.T) {
	r := New(nil, nil, nil)
	var calls atomic.Int32
	r.Handle(envelope.TypeOTPResponse, func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		return errors.New("first failed")
	})
	r.Handle(envelope.TypeOTPResponse, func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		panic("second exploded")
	})
	r.Handle(envelope.TypeOTPResponse, func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		return nil
	})

	err := r.Dispatch(context.Background(), []byte(otpResponse))
	if err == nil || !strings.Contains(err.Error(), "first failed") || !strings.Contains(err.Error(), "second exploded") {
		t.Fatalf("expected joined errors, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDefaultOnlyWithoutRegistration(t *testing.T) {
	r := New(nil, nil, nil)
	var def, reg atomic.Int32
	r.Default(envelope.TypeOTPResponse, func(context.Context, *envelope.Envelope) error { def.Add(1); return nil })

	_ = r.Dispatch(context.Background(), []byte(otpResponse))
	r.Handle(envelope.TypeOTPResponse, func(context.Context, *envelope.Envelope) error { reg.Add(1); return nil })
	_ = r.Dispatch(context.Background(), []byte(otpResponse))

	if def.Load() != 1 || reg.Load() != 1 {
		t.Fatalf("default=%d registered=%d", def.Load(), reg.Load())
	}
}

func TestHandledEnvelopesArePublished(t *testing.T) {
	bus := NewEventBus(4, nil)
	sub := bus.Subscribe()
	r := New(bus, nil, nil)
	r.Handle(envelope.TypeOTPResponse, func(context.Context, *envelope.Envelope) error { return errors.New("boom") })

	_ = r.Dispatch(context.Background(), []byte(otpResponse))
	select {
	case env := <-sub.C:
		if env.Type != envelope.TypeOTPResponse {
			t.Fatalf("got %s", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a published event")
	}

	sub.Close()
	sub.Close()
	if bus.Len() != 0 {
		t.Fatalf("subscription not removed")
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(1, nil)
	sub := bus.Subscribe()
	defer sub.Close()
	env := &envelope.Envelope{Type: "x"}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(env)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if len(sub.C) != 1 {
		t.Fatalf("buffered = %d, want 1", len(sub.C))
	}
}

func TestPublishedAuthTokenHasNoCredential(t *testing.T) {
	bus := NewEventBus(4, nil)
	sub := bus.Subscribe()
	defer sub.Close()
	r := New(bus, nil, nil)
	r.Handle(envelope.TypeAuthToken, func(_ context.Context, env *envelope.Envelope) error {
		var d envelope.AuthTokenData
		if err := env.Decode(&d); err != nil || d.AuthToken != "secret" {
			t.Errorf("handler should see the token: %+v %v", d, err)
		}
		return nil
	})

	raw := `{"type":"auth_token","source":"game","data":{"mcid":"Steve","uuid":"u1","authToken":"secret","expiresAt":1}}`
	if err := r.Dispatch(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case env := <-sub.C:
		if strings.Contains(string(env.Data), "secret") {
			t.Fatalf("token leaked to bus: %s", env.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("envelope not published")
	}
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewEventBus(1, nil)
	sub := bus.Subscribe()
	bus.Close()
	if _, ok := <-sub.C; ok {
		t.Fatal("subscription should be closed")
	}
	sub.Close()

	late := bus.Subscribe()
	if _, ok := <-late.C; ok {
		t.Fatal("subscription after Close should start closed")
	}
	if bus.Len() != 0 {
		t.Fatalf("Len = %d", bus.Len())
	}
}
