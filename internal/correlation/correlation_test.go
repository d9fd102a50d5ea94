package correlation

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/mc-authbridge/internal/clock"
)

func TestMemoryTakeIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	if err := m.Put(ctx, "Steve_u1", Entry{Success: true, Message: "ok"}, 30*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, ok, err := m.TakeIfPresent(ctx, "Steve_u1")
	if err != nil || !ok || !e.Success {
		t.Fatalf("first take: %+v ok=%v err=%v", e, ok, err)
	}
	if _, ok, _ := m.TakeIfPresent(ctx, "Steve_u1"); ok {
		t.Fatalf("second take should miss")
	}
}

func TestMemoryEntriesExpire(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	_ = m.Put(ctx, "a", Entry{Success: true}, 30*time.Second)
	_ = m.Put(ctx, "b", Entry{Success: true}, 30*time.Second)

	clk.Advance(30 * time.Second)
	if _, ok, _ := m.TakeIfPresent(ctx, "a"); ok {
		t.Fatalf("expired entry must not be returned")
	}
	n, err := m.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep removed %d (%v), want 1", n, err)
	}
	if m.Len() != 0 {
		t.Fatalf("cache should be empty, len=%d", m.Len())
	}
}

func TestWaitForSeesEarlierEntry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	_ = m.Put(ctx, "Steve_u1", Entry{Success: true, Message: "ok"}, 30*time.Second)

	e, err := WaitFor(ctx, m, "Steve_u1", time.Second, 10*time.Millisecond)
	if err != nil || !e.Success || e.Message != "ok" {
		t.Fatalf("WaitFor: %+v %v", e, err)
	}
}

func TestWaitForWakesOnPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = m.Put(ctx, "k", Entry{Success: false, Message: "denied"}, 30*time.Second)
	}()
	start := time.Now()
	// Poll interval far above the put delay: the notifier must wake the waiter.
	e, err := WaitFor(ctx, m, "k", 5*time.Second, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if e.Success || e.Message != "denied" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("waiter was not woken early")
	}
}

func TestWaitForTimesOutAtBound(t *testing.T) {
	m := NewMemory(nil)
	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err := WaitFor(context.Background(), m, "nobody", timeout, 20*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < timeout {
		t.Fatalf("timed out early after %s", elapsed)
	}
}

func TestWaitForCancelled(t *testing.T) {
	m := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := WaitFor(ctx, m, "k", 5*time.Second, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	c := NewRedis(rdb, "")

	if err := c.Put(ctx, "Steve_u1", Entry{Success: true, Message: "ok"}, 30*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mr.Exists("mc:corr:Steve_u1") {
		t.Fatalf("expected prefixed key")
	}
	e, ok, err := c.TakeIfPresent(ctx, "Steve_u1")
	if err != nil || !ok || e.Message != "ok" {
		t.Fatalf("take: %+v ok=%v err=%v", e, ok, err)
	}
	if _, ok, _ := c.TakeIfPresent(ctx, "Steve_u1"); ok {
		t.Fatalf("second take should miss")
	}

	_ = c.Put(ctx, "late", Entry{Success: true}, 30*time.Second)
	mr.FastForward(31 * time.Second)
	if _, ok, _ := c.TakeIfPresent(ctx, "late"); ok {
		t.Fatalf("expired redis entry must not be returned")
	}

	_ = c.Put(ctx, "w", Entry{Success: true}, 30*time.Second)
	if _, err := WaitFor(ctx, c, "w", time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitFor over redis: %v", err)
	}
}
