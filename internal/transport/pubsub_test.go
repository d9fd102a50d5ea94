package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/mc-authbridge/internal/envelope"
)

func newTestPubSub(t *testing.T, require bool) (*PubSub, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	p := NewPubSub(&redis.Options{Addr: mr.Addr()}, PubSubOptions{
		Outbound:          "web_to_mc",
		Inbound:           "mc_to_web",
		RequireSubscriber: require,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p, mr
}

func waitForSubscriber(t *testing.T, mr *miniredis.Miniredis, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.PubSubNumSub(channel)[channel] > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no subscriber on %s", channel)
}

func TestPubSubSendWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	env, _ := envelope.New(envelope.TypeAuthConfirm, envelope.SourceWeb, envelope.AuthConfirmData{PlayerName: "Steve"})

	strict, _ := newTestPubSub(t, true)
	if err := strict.Send(ctx, env); !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected ErrNoSubscribers, got %v", err)
	}

	lax, _ := newTestPubSub(t, false)
	if err := lax.Send(ctx, env); err != nil {
		t.Fatalf("fire-and-forget publish should succeed, got %v", err)
	}
}

func TestPubSubConsumeDeliversMessages(t *testing.T) {
	p, mr := newTestPubSub(t, false)
	got := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- p.Consume(context.Background(), func(_ context.Context, raw []byte) error {
			got <- string(raw)
			if string(raw) == "bad" {
				return errors.New("lost")
			}
			return nil
		})
	}()
	waitForSubscriber(t, mr, "mc_to_web")

	mr.Publish("mc_to_web", "bad")
	mr.Publish("mc_to_web", `{"type":"mc_web_server_info"}`)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case raw := <-got:
			seen[raw] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
	if !seen["bad"] || !seen[`{"type":"mc_web_server_info"}`] {
		t.Fatalf("unexpected deliveries %v", seen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Consume did not return after Close")
	}
}

func TestPubSubPublishReachesSubscriber(t *testing.T) {
	p, _ := newTestPubSub(t, true)
	// A second bridge instance listening on the game-side channel.
	peer := NewPubSub(&redis.Options{Addr: p.pub.Options().Addr}, PubSubOptions{Outbound: "mc_to_web", Inbound: "web_to_mc"})
	defer func() { _ = peer.Close(context.Background()) }()

	got := make(chan string, 1)
	go func() {
		_ = peer.Consume(context.Background(), func(_ context.Context, raw []byte) error {
			got <- string(raw)
			return nil
		})
	}()

	env, _ := envelope.New(envelope.TypeOTP, envelope.SourceWeb, envelope.OTPData{PlayerName: "Steve", OTP: "111111"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := p.Send(context.Background(), env)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoSubscribers) || time.Now().After(deadline) {
			t.Fatalf("Send: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case raw := <-got:
		parsed, err := envelope.Parse([]byte(raw))
		if err != nil || parsed.ID != env.ID {
			t.Fatalf("unexpected payload %s (%v)", raw, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not receive")
	}
}
