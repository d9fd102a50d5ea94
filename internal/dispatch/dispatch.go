// Package dispatch turns web-side intents into outbound envelopes and hands
// them to the configured carriers.
package dispatch

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/metrics"
	"github.com/park285/mc-authbridge/internal/obslog"
	"github.com/park285/mc-authbridge/internal/transport"
)

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrUnknownRequest = errors.New("unknown request type")
	ErrMissingPlayer  = errors.New("player name is required")
)

// Sender is satisfied by *transport.Fallback.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) (transport.Result, error)
}

type Dispatcher struct {
	out     Sender
	metrics metrics.Recorder
	log     *zap.Logger
}

func New(out Sender, rec metrics.Recorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{out: out, metrics: metrics.Or(rec), log: obslog.Or(logger)}
}

// AuthConfirm tells the game side the player finished web confirmation.
func (d *Dispatcher) AuthConfirm(ctx context.Context, rec *domain.PlayerAuthRecord) (transport.Result, error) {
	return d.send(ctx, envelope.TypeAuthConfirm, rec.PlayerID, envelope.AuthConfirmData{
		PlayerName: rec.PlayerID,
		PlayerUUID: rec.PlayerUUID,
	})
}

func (d *Dispatcher) AccountLink(ctx context.Context, rec *domain.PlayerAuthRecord, webUserID string) (transport.Result, error) {
	return d.send(ctx, envelope.TypeAccountLink, rec.PlayerID, envelope.AccountLinkData{
		PlayerName: rec.PlayerID,
		PlayerUUID: rec.PlayerUUID,
		WebUserID:  webUserID,
	})
}

// OTP asks the game side to show code to the player in chat.
func (d *Dispatcher) OTP(ctx context.Context, rec *domain.PlayerAuthRecord, code string) (transport.Result, error) {
	return d.send(ctx, envelope.TypeOTP, rec.PlayerID, envelope.OTPData{
		PlayerName: rec.PlayerID,
		PlayerUUID: rec.PlayerUUID,
		OTP:        code,
	})
}

func (d *Dispatcher) Command(ctx context.Context, commandType, playerName string, data map[string]any) (transport.Result, error) {
	if !envelope.KnownCommand(commandType) {
		return transport.Result{}, ErrUnknownCommand
	}
	if strings.TrimSpace(playerName) == "" {
		return transport.Result{}, ErrMissingPlayer
	}
	return d.send(ctx, envelope.TypeCommand, playerName, envelope.CommandData{
		CommandType: commandType,
		PlayerName:  playerName,
		Data:        data,
	})
}

// PlayerRequest asks the game side for status or the player list. The
// answer arrives asynchronously as an inbound envelope.
func (d *Dispatcher) PlayerRequest(ctx context.Context, requestType, playerName string, data map[string]any) (transport.Result, error) {
	if !envelope.KnownRequest(requestType) {
		return transport.Result{}, ErrUnknownRequest
	}
	return d.send(ctx, envelope.TypePlayerRequest, playerName, envelope.PlayerRequestData{
		RequestType: requestType,
		PlayerName:  playerName,
		Data:        data,
	})
}

func (d *Dispatcher) send(ctx context.Context, typ, player string, data any) (transport.Result, error) {
	env, err := envelope.New(typ, envelope.SourceWeb, data)
	if err != nil {
		return transport.Result{}, err
	}
	res, err := d.out.Send(ctx, env)
	d.metrics.RecordDispatch(typ, res.Transport, res.FellBack, err)
	if err != nil {
		d.log.Error("dispatch_failed",
			zap.String("type", typ),
			zap.String("player", player),
			zap.Int("attempts", res.Attempts),
			zap.Error(err))
		return res, err
	}
	d.log.Info("dispatch_sent",
		zap.String("type", typ),
		zap.String("player", player),
		zap.String("id", env.ID),
		zap.String("transport", res.Transport),
		zap.Bool("fell_back", res.FellBack))
	return res, nil
}
