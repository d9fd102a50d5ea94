// Package otp issues and verifies the six-digit codes a player relays
// through the game client.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/apperr"
	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/obslog"
	"github.com/park285/mc-authbridge/internal/store"
)

const codeDigits = 6

type Result string

const (
	Success  Result = "success"
	Mismatch Result = "mismatch"
	Expired  Result = "expired"
	NotSet   Result = "not_set"
)

type Options struct {
	TTL      time.Duration
	Cooldown time.Duration
	Limiter  Limiter
	Clock    clock.Clock
	Logger   *zap.Logger
}

type Manager struct {
	players  store.PlayerStore
	ttl      time.Duration
	cooldown time.Duration
	limiter  Limiter
	clk      clock.Clock
	log      *zap.Logger
}

func NewManager(players store.PlayerStore, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewMemoryLimiter(5, 15*time.Minute)
	}
	return &Manager{
		players:  players,
		ttl:      opts.TTL,
		cooldown: opts.Cooldown,
		limiter:  opts.Limiter,
		clk:      opts.Clock,
		log:      obslog.Or(opts.Logger),
	}
}

// Generate returns a uniformly random zero-padded six-digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// Issue passes the cooldown and the sliding window through the limiter, then
// stores a fresh code in place of any previous one. Limit violations are
// *apperr.Error values of kind rate_limited carrying the wait.
func (m *Manager) Issue(ctx context.Context, rec *domain.PlayerAuthRecord) (string, time.Time, error) {
	now := m.clk.Now()
	ok, wait, err := m.limiter.Allow(ctx, rec.PlayerID, now, m.cooldown)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		m.log.Info("otp_rate_limited", zap.String("player", rec.PlayerID), zap.Duration("retry_after", wait))
		return "", time.Time{}, apperr.RateLimited(retryMessage(wait), wait)
	}

	code, err := Generate()
	if err != nil {
		return "", time.Time{}, err
	}
	expiry := now.Add(m.ttl)
	if err := m.players.SetOTP(ctx, rec.PlayerID, code, expiry); err != nil {
		return "", time.Time{}, err
	}
	return code, expiry, nil
}

// Verify checks candidate against the record's pending code. A mismatch or an
// expired code clears the stored code so it cannot be guessed at again.
func (m *Manager) Verify(ctx context.Context, rec *domain.PlayerAuthRecord, candidate string) (Result, error) {
	if rec.OTP == nil || rec.OTPExpiry == nil {
		return NotSet, nil
	}
	stored := *rec.OTP
	now := m.clk.Now()
	if !now.Before(*rec.OTPExpiry) {
		if _, err := m.players.ClearOTP(ctx, rec.PlayerID, stored); err != nil {
			return Expired, err
		}
		return Expired, nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) != 1 {
		if _, err := m.players.ClearOTP(ctx, rec.PlayerID, stored); err != nil {
			return Mismatch, err
		}
		m.log.Info("otp_mismatch", zap.String("player", rec.PlayerID))
		return Mismatch, nil
	}
	ok, err := m.players.ConsumeOTP(ctx, rec.PlayerID, stored, now)
	if err != nil {
		return NotSet, err
	}
	if !ok {
		// Consumed or replaced since rec was read.
		return NotSet, nil
	}
	return Success, nil
}

func retryMessage(wait time.Duration) string {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("too many codes requested, try again in %d seconds", secs)
}
