package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/park285/mc-authbridge/internal/clock"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clk clock.Clock) Store { return NewMemory(clk) })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	rec, _ := s.UpsertToken(ctx, "Steve", "u1", "abc", time.Now().Add(time.Minute))
	rec.Confirmed = true
	got, _ := s.GetByPlayerID(ctx, "Steve")
	if got.Confirmed {
		t.Fatalf("mutating a returned record must not change the store")
	}
}

func TestMemoryStoreConcurrentLinkOnlyOneWins(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	_, _ = s.UpsertToken(ctx, "Steve", "u1", "abc", time.Now().Add(time.Minute))
	_, _ = s.Confirm(ctx, "Steve")

	users := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if err := s.Link(ctx, "Steve", u); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one link should win, got %d", wins)
	}
}
