package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/domain"
)

type storeFactory func(t *testing.T, clk clock.Clock) Store

var suiteStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seedUsers(t *testing.T, s Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.CreateUser(context.Background(), &domain.WebUser{ID: id, Username: "user-" + id, Email: id + "@example.com", PasswordHash: "x"}); err != nil {
			t.Fatalf("CreateUser(%s): %v", id, err)
		}
	}
}

// runStoreSuite exercises the guarded transitions every backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("upsert overwrites token and keeps link state", func(t *testing.T) {
		clk := clock.NewMock(suiteStart)
		s := newStore(t, clk)
		ctx := context.Background()
		seedUsers(t, s, "A")

		if _, err := s.UpsertToken(ctx, "Steve", "u1", "abc", suiteStart.Add(10*time.Minute)); err != nil {
			t.Fatalf("UpsertToken#1: %v", err)
		}
		if _, err := s.Confirm(ctx, "Steve"); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if err := s.Link(ctx, "Steve", "A"); err != nil {
			t.Fatalf("Link: %v", err)
		}
		rec, err := s.UpsertToken(ctx, "Steve", "u2", "def", suiteStart.Add(20*time.Minute))
		if err != nil {
			t.Fatalf("UpsertToken#2: %v", err)
		}
		if rec.PlayerUUID != "u2" || rec.AuthToken != "def" || !rec.TokenExpiry.Equal(suiteStart.Add(20*time.Minute)) {
			t.Fatalf("second upsert should win: %+v", rec)
		}
		if !rec.Confirmed || !rec.LinkedTo("A") {
			t.Fatalf("upsert must keep confirmation and link: %+v", rec)
		}
		if _, err := s.GetByToken(ctx, "abc"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old token should be gone, got %v", err)
		}
		if got, err := s.GetByToken(ctx, "def"); err != nil || got.PlayerID != "Steve" {
			t.Fatalf("GetByToken: %+v %v", got, err)
		}
	})

	t.Run("otp set clear and consume are guarded", func(t *testing.T) {
		clk := clock.NewMock(suiteStart)
		s := newStore(t, clk)
		ctx := context.Background()
		if err := s.SetOTP(ctx, "ghost", "123456", suiteStart.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetOTP on missing record: %v", err)
		}
		_, _ = s.UpsertToken(ctx, "Steve", "u1", "abc", suiteStart.Add(10*time.Minute))

		if err := s.SetOTP(ctx, "Steve", "111111", suiteStart.Add(10*time.Minute)); err != nil {
			t.Fatalf("SetOTP: %v", err)
		}
		if err := s.SetOTP(ctx, "Steve", "222222", suiteStart.Add(10*time.Minute)); err != nil {
			t.Fatalf("SetOTP#2: %v", err)
		}
		if ok, _ := s.ClearOTP(ctx, "Steve", "111111"); ok {
			t.Fatalf("clearing a superseded code must not touch the new one")
		}
		if ok, _ := s.ConsumeOTP(ctx, "Steve", "222222", suiteStart.Add(11*time.Minute)); ok {
			t.Fatalf("expired code must not be consumed")
		}
		ok, err := s.ConsumeOTP(ctx, "Steve", "222222", suiteStart.Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("ConsumeOTP: ok=%v err=%v", ok, err)
		}
		rec, _ := s.GetByPlayerID(ctx, "Steve")
		if rec.OTP != nil || rec.OTPExpiry != nil {
			t.Fatalf("consumed code must be cleared: %+v", rec)
		}
		if ok, _ := s.ConsumeOTP(ctx, "Steve", "222222", suiteStart.Add(time.Minute)); ok {
			t.Fatalf("code must be single use")
		}
	})

	t.Run("confirm is compare and swap", func(t *testing.T) {
		s := newStore(t, clock.NewMock(suiteStart))
		ctx := context.Background()
		if _, err := s.Confirm(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Confirm missing: %v", err)
		}
		_, _ = s.UpsertToken(ctx, "Steve", "u1", "abc", suiteStart.Add(10*time.Minute))
		changed, err := s.Confirm(ctx, "Steve")
		if err != nil || !changed {
			t.Fatalf("first confirm: changed=%v err=%v", changed, err)
		}
		changed, err = s.Confirm(ctx, "Steve")
		if err != nil || changed {
			t.Fatalf("second confirm should be a no-op: changed=%v err=%v", changed, err)
		}
	})

	t.Run("link exclusivity", func(t *testing.T) {
		s := newStore(t, clock.NewMock(suiteStart))
		ctx := context.Background()
		seedUsers(t, s, "A", "B")
		_, _ = s.UpsertToken(ctx, "Steve", "u1", "abc", suiteStart.Add(10*time.Minute))
		_, _ = s.UpsertToken(ctx, "Alex", "u2", "xyz", suiteStart.Add(10*time.Minute))

		if err := s.Link(ctx, "Steve", "A"); !errors.Is(err, ErrNotConfirmed) {
			t.Fatalf("link before confirm: %v", err)
		}
		_, _ = s.Confirm(ctx, "Steve")
		if err := s.Link(ctx, "Steve", "A"); err != nil {
			t.Fatalf("Link A: %v", err)
		}
		if err := s.Link(ctx, "Steve", "A"); err != nil {
			t.Fatalf("re-link to A must be a no-op: %v", err)
		}
		if err := s.Link(ctx, "Steve", "B"); !errors.Is(err, ErrConflict) {
			t.Fatalf("link to B: %v", err)
		}
		_, _ = s.Confirm(ctx, "Alex")
		if err := s.Link(ctx, "Alex", "A"); !errors.Is(err, ErrConflict) {
			t.Fatalf("second confirmed player for A: %v", err)
		}
		got, err := ConfirmedFor(ctx, s, "A")
		if err != nil || got.PlayerID != "Steve" {
			t.Fatalf("ConfirmedFor: %+v %v", got, err)
		}
	})

	t.Run("reserve then confirm", func(t *testing.T) {
		s := newStore(t, clock.NewMock(suiteStart))
		ctx := context.Background()
		seedUsers(t, s, "A", "B")
		_, _ = s.UpsertToken(ctx, "Steve", "u1", "abc", suiteStart.Add(10*time.Minute))
		_, _ = s.UpsertToken(ctx, "Alex", "u2", "xyz", suiteStart.Add(10*time.Minute))

		if err := s.Reserve(ctx, "Steve", "A"); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := s.Reserve(ctx, "Steve", "A"); err != nil {
			t.Fatalf("re-reserve same user: %v", err)
		}
		if err := s.Reserve(ctx, "Steve", "B"); !errors.Is(err, ErrConflict) {
			t.Fatalf("reserve by B: %v", err)
		}
		pending, err := PendingFor(ctx, s, "A")
		if err != nil || pending.PlayerID != "Steve" {
			t.Fatalf("PendingFor: %+v %v", pending, err)
		}

		// A second pending reservation for A is allowed; only one may confirm.
		if err := s.Reserve(ctx, "Alex", "A"); err != nil {
			t.Fatalf("Reserve Alex: %v", err)
		}
		if _, err := s.Confirm(ctx, "Steve"); err != nil {
			t.Fatalf("Confirm Steve: %v", err)
		}
		if _, err := s.Confirm(ctx, "Alex"); !errors.Is(err, ErrConflict) {
			t.Fatalf("Confirm Alex should conflict, got %v", err)
		}
		if err := s.Reserve(ctx, "Steve", "A"); !errors.Is(err, ErrAlreadyConfirmed) {
			t.Fatalf("reserve confirmed record: %v", err)
		}
	})

	t.Run("sweep deletes only expired unconfirmed", func(t *testing.T) {
		s := newStore(t, clock.NewMock(suiteStart))
		ctx := context.Background()
		_, _ = s.UpsertToken(ctx, "old", "u1", "t1", suiteStart.Add(time.Minute))
		_, _ = s.UpsertToken(ctx, "fresh", "u2", "t2", suiteStart.Add(time.Hour))
		_, _ = s.UpsertToken(ctx, "kept", "u3", "t3", suiteStart.Add(time.Minute))
		_, _ = s.Confirm(ctx, "kept")

		n, err := s.DeleteExpiredUnconfirmed(ctx, suiteStart.Add(2*time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("deleted %d (%v), want 1", n, err)
		}
		if _, err := s.GetByPlayerID(ctx, "old"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old should be gone: %v", err)
		}
		for _, id := range []string{"fresh", "kept"} {
			if _, err := s.GetByPlayerID(ctx, id); err != nil {
				t.Fatalf("%s should survive: %v", id, err)
			}
		}
	})

	t.Run("web users", func(t *testing.T) {
		s := newStore(t, clock.NewMock(suiteStart))
		ctx := context.Background()
		seedUsers(t, s, "A")
		dup := &domain.WebUser{ID: "B", Username: "USER-A", Email: "other@example.com", PasswordHash: "x"}
		if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicateUser) {
			t.Fatalf("duplicate username: %v", err)
		}
		u, err := s.GetUser(ctx, "A")
		if err != nil || u.Username != "user-A" {
			t.Fatalf("GetUser: %+v %v", u, err)
		}
		if _, err := s.GetUserByUsername(ctx, "USER-a"); err != nil {
			t.Fatalf("GetUserByUsername: %v", err)
		}
		if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing user: %v", err)
		}
	})
}
