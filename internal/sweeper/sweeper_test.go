package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/correlation"
	"github.com/park285/mc-authbridge/internal/store"
	"github.com/park285/mc-authbridge/internal/transport"
)

var start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type sweepCounts struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *sweepCounts) RecordDispatch(string, string, bool, error) {}
func (c *sweepCounts) RecordInbound(string, string) {}
func (c *sweepCounts) RecordOTPIssued() {}
func (c *sweepCounts) RecordOTPVerify(string) {}
func (c *sweepCounts) RecordCorrelationWait(string, time.Duration) {}
func (c *sweepCounts) RecordHTTPStatus(string, int) {}
func (c *sweepCounts) RecordSweep(kind string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[string]int{}
	}
	c.n[kind] += n
}

func TestOnceRemovesExpiredState(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(start)

	s := store.NewMemory(clk)
	if _, err := s.UpsertToken(ctx, "Steve", "u1", "t1", start.Add(10*time.Minute)); err != nil {
		t.Fatalf("UpsertToken: %v", err)
	}
	if _, err := s.UpsertToken(ctx, "Alex", "u2", "t2", start.Add(10*time.Minute)); err != nil {
		t.Fatalf("UpsertToken: %v", err)
	}
	if _, err := s.Confirm(ctx, "Alex"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	corr := correlation.NewMemory(clk)
	if err := corr.Put(ctx, "Steve_u1", correlation.Entry{Success: true}, 30*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	counts := &sweepCounts{}
	sw := New(Options{Records: s, Correlation: corr, Clock: clk, Metrics: counts})

	rep, err := sw.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if rep.Records != 0 || rep.Correlation != 0 {
		t.Fatalf("nothing should be swept yet: %+v", rep)
	}

	clk.Advance(11 * time.Minute)
	rep, err = sw.Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if rep.Records != 1 || rep.Correlation != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, err := s.GetByPlayerID(ctx, "Steve"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired unconfirmed record should be gone, got %v", err)
	}
	if _, err := s.GetByPlayerID(ctx, "Alex"); err != nil {
		t.Fatalf("confirmed record must survive: %v", err)
	}
	if counts.n["records"] != 1 || counts.n["correlation"] != 1 {
		t.Fatalf("metrics %v", counts.n)
	}
}

func TestOnceRequeuesStaleDeliveries(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewMock(start)
	q := transport.NewQueue(rdb, transport.QueueOptions{
		Outbound:   "out",
		Inbound:    "in",
		Wait:       100 * time.Millisecond,
		Visibility: 30 * time.Second,
		Clock:      clk,
	})
	if _, err := mr.Lpush("in", `{"type":"auth_token"}`); err != nil {
		t.Fatalf("lpush: %v", err)
	}
	ds, err := q.Receive(context.Background())
	if err != nil || len(ds) != 1 {
		t.Fatalf("Receive: %v (%d)", err, len(ds))
	}

	sw := New(Options{Queue: q, Clock: clk})
	rep, err := sw.Once(context.Background())
	if err != nil || rep.Requeued != 0 {
		t.Fatalf("fresh delivery requeued: %+v %v", rep, err)
	}

	clk.Advance(31 * time.Second)
	rep, err = sw.Once(context.Background())
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if rep.Requeued != 1 {
		t.Fatalf("requeued = %d", rep.Requeued)
	}
	items, _ := mr.List("in")
	if len(items) != 1 {
		t.Fatalf("message should be pending again, got %v", items)
	}
}

type failingPurger struct{}

func (failingPurger) DeleteExpiredUnconfirmed(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestOnceKeepsGoingAfterFailure(t *testing.T) {
	clk := clock.NewMock(start)
	corr := correlation.NewMemory(clk)
	_ = corr.Put(context.Background(), "k", correlation.Entry{}, time.Second)
	clk.Advance(2 * time.Second)

	rep, err := New(Options{Records: failingPurger{}, Correlation: corr, Clock: clk}).Once(context.Background())
	if err == nil {
		t.Fatal("expected the purge error")
	}
	if rep.Correlation != 1 {
		t.Fatalf("correlation sweep should still run: %+v", rep)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(Options{Interval: 5 * time.Millisecond}).Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
