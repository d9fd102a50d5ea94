// Package bridge holds the handlers for envelopes arriving from the game side.
package bridge

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/authtoken"
	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/correlation"
	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
	"github.com/park285/mc-authbridge/internal/router"
)

type Inbound struct {
	tokens  *authtoken.Manager
	corr    correlation.Cache
	corrTTL time.Duration
	clk     clock.Clock
	log     *zap.Logger
}

func New(tokens *authtoken.Manager, corr correlation.Cache, corrTTL time.Duration, clk clock.Clock, logger *zap.Logger) *Inbound {
	if clk == nil {
		clk = clock.New()
	}
	if corrTTL <= 0 {
		corrTTL = 30 * time.Second
	}
	return &Inbound{tokens: tokens, corr: corr, corrTTL: corrTTL, clk: clk, log: obslog.Or(logger)}
}

// Register wires the inbound handlers. Informational types are defaults so
// another consumer can take them over with Handle.
func (b *Inbound) Register(r *router.Router) {
	r.Handle(envelope.TypeAuthToken, b.AuthToken)
	r.Handle(envelope.TypeOTPResponse, b.OTPResponse)
	for _, t := range []string{envelope.TypeWebAuthResponse, envelope.TypePlayerStatus, envelope.TypeServerInfo} {
		r.Default(t, b.Informational)
	}
}

// AuthToken upserts the token the game side minted. Re-delivery of the same
// message leaves the record with the same fields. Payload problems are
// logged and swallowed since redelivery cannot fix them.
func (b *Inbound) AuthToken(ctx context.Context, env *envelope.Envelope) error {
	var d envelope.AuthTokenData
	if err := env.Decode(&d); err != nil {
		b.log.Warn("auth_token_bad_payload", zap.String("id", env.ID), zap.Error(err))
		return nil
	}
	rec, err := b.tokens.Accept(ctx, d.MCID, d.UUID, d.AuthToken, d.ExpiresAt.Time)
	if errors.Is(err, authtoken.ErrTokenInvalid) {
		b.log.Warn("auth_token_rejected", zap.String("id", env.ID), zap.String("player", d.MCID))
		return nil
	}
	if err != nil {
		return err
	}
	b.log.Info("auth_token_received",
		zap.String("player", rec.PlayerID),
		zap.String("action", d.Action),
		zap.String("state", string(rec.State(b.clk.Now()))))
	return nil
}

// OTPResponse records the game side's answer for the request waiting on
// this player.
func (b *Inbound) OTPResponse(ctx context.Context, env *envelope.Envelope) error {
	var d envelope.OTPResponseData
	if err := env.Decode(&d); err != nil {
		b.log.Warn("otp_response_bad_payload", zap.String("id", env.ID), zap.Error(err))
		return nil
	}
	if d.MCID == "" {
		b.log.Warn("otp_response_missing_player", zap.String("id", env.ID))
		return nil
	}
	ts := d.Timestamp.Time
	if ts.IsZero() {
		ts = b.clk.Now()
	}
	key := domain.CorrelationKey(d.MCID, d.UUID)
	if err := b.corr.Put(ctx, key, correlation.Entry{Success: d.Success, Message: d.Message, Timestamp: ts}, b.corrTTL); err != nil {
		return err
	}
	b.log.Info("otp_response_received", zap.String("player", d.MCID), zap.Bool("success", d.Success))
	return nil
}

func (b *Inbound) Informational(_ context.Context, env *envelope.Envelope) error {
	b.log.Info("game_event",
		zap.String("type", env.Type),
		zap.String("id", env.ID),
		zap.Int("bytes", len(env.Data)))
	return nil
}
