// Package authtoken manages the player bearer token and the signed session
// tokens derived from it.
package authtoken

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/obslog"
	"github.com/park285/mc-authbridge/internal/store"
)

var (
	ErrTokenNotFound = errors.New("auth token not found")
	ErrTokenExpired  = errors.New("auth token expired")
	ErrTokenInvalid  = errors.New("auth token invalid")
)

// Manager stores and validates the opaque player tokens the game side mints. A token is valid until
// its expiry or until a newer token is stored for the same player.
type Manager struct {
	players store.PlayerStore
	clk     clock.Clock
	ttl     time.Duration
	log     *zap.Logger
}

func NewManager(players store.PlayerStore, clk clock.Clock, ttl time.Duration, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{players: players, clk: clk, ttl: ttl, log: obslog.Or(logger)}
}

// Accept stores a token minted by the game side. A zero expiry gets the
// default TTL.
func (m *Manager) Accept(ctx context.Context, playerID, playerUUID, token string, expiry time.Time) (*domain.PlayerAuthRecord, error) {
	playerID, token = strings.TrimSpace(playerID), strings.TrimSpace(token)
	if playerID == "" || token == "" {
		return nil, ErrTokenInvalid
	}
	if expiry.IsZero() {
		expiry = m.clk.Now().Add(m.ttl)
	}
	rec, err := m.players.UpsertToken(ctx, playerID, playerUUID, token, expiry)
	if err != nil {
		return nil, err
	}
	m.log.Info("auth_token_stored",
		zap.String("player", playerID),
		zap.Time("expires_at", expiry),
		zap.Bool("confirmed", rec.Confirmed))
	return rec, nil
}

// Validate resolves token to its record. Expired tokens are never revived.
func (m *Manager) Validate(ctx context.Context, token string) (*domain.PlayerAuthRecord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenNotFound
	}
	rec, err := m.players.GetByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if !rec.TokenValid(m.clk.Now()) {
		return nil, ErrTokenExpired
	}
	return rec, nil
}
