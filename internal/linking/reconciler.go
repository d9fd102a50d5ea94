// Package linking moves player records through token-issued, confirmed and
// linked, and runs the web flows that drive those transitions.
package linking

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/obslog"
	"github.com/park285/mc-authbridge/internal/store"
)

var (
	ErrPlayerTaken = errors.New("player is linked to another web user")
	ErrUserTaken   = errors.New("web user already holds a confirmed player")
)

// Reconciler applies link transitions through the store's guarded updates.
// Callers pass the record they last read; it is only used for fast paths
// and error classification, never as the source of truth.
type Reconciler struct {
	players store.PlayerStore
	clk     clock.Clock
	log     *zap.Logger
}

func NewReconciler(players store.PlayerStore, clk clock.Clock, logger *zap.Logger) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{players: players, clk: clk, log: obslog.Or(logger)}
}

func (r *Reconciler) State(rec *domain.PlayerAuthRecord) domain.LinkState {
	return rec.State(r.clk.Now())
}

// Confirm marks the record confirmed. changed is false when it already was.
func (r *Reconciler) Confirm(ctx context.Context, rec *domain.PlayerAuthRecord) (bool, error) {
	changed, err := r.players.Confirm(ctx, rec.PlayerID)
	if errors.Is(err, store.ErrConflict) {
		return false, ErrUserTaken
	}
	if err != nil {
		return false, err
	}
	if changed {
		r.log.Info("link_confirmed", zap.String("player", rec.PlayerID))
	}
	return changed, nil
}

// Reserve points an unconfirmed record at webUserID. A web user that
// already holds a confirmed player cannot reserve another one.
func (r *Reconciler) Reserve(ctx context.Context, rec *domain.PlayerAuthRecord, webUserID string) error {
	holder, err := store.ConfirmedFor(ctx, r.players, webUserID)
	switch {
	case err == nil && holder.PlayerID != rec.PlayerID:
		return ErrUserTaken
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	err = r.players.Reserve(ctx, rec.PlayerID, webUserID)
	if errors.Is(err, store.ErrConflict) {
		return ErrPlayerTaken
	}
	if err != nil {
		return err
	}
	r.log.Info("link_reserved", zap.String("player", rec.PlayerID), zap.String("web_user", webUserID))
	return nil
}

// Link attaches a confirmed record to webUserID. Re-linking the same pair
// is a no-op reported as changed=false.
func (r *Reconciler) Link(ctx context.Context, rec *domain.PlayerAuthRecord, webUserID string) (bool, error) {
	if rec.Confirmed && rec.LinkedTo(webUserID) {
		return false, nil
	}
	if rec.WebUserID != nil && *rec.WebUserID != webUserID {
		return false, ErrPlayerTaken
	}
	err := r.players.Link(ctx, rec.PlayerID, webUserID)
	if errors.Is(err, store.ErrConflict) {
		return false, r.classifyConflict(ctx, rec.PlayerID, webUserID)
	}
	if err != nil {
		return false, err
	}
	r.log.Info("link_linked", zap.String("player", rec.PlayerID), zap.String("web_user", webUserID))
	return true, nil
}

func (r *Reconciler) classifyConflict(ctx context.Context, playerID, webUserID string) error {
	cur, err := r.players.GetByPlayerID(ctx, playerID)
	if err != nil {
		return err
	}
	if cur.WebUserID != nil && *cur.WebUserID != webUserID {
		return ErrPlayerTaken
	}
	return ErrUserTaken
}
