// Package store persists player auth records and web users. Every mutation
// is a guarded update so concurrent writers (poller-driven handlers and HTTP
// requests) cannot both win a transition.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/park285/mc-authbridge/internal/domain"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("record is linked to another web user")
	ErrNotConfirmed     = errors.New("record is not confirmed")
	ErrAlreadyConfirmed = errors.New("record is already confirmed")
	ErrDuplicateUser    = errors.New("username or email already taken")
)

type PlayerStore interface {
	// UpsertToken creates the record or overwrites its uuid, token and expiry.
	// Confirmation, link and pending code are kept.
	UpsertToken(ctx context.Context, playerID, playerUUID, token string, expiry time.Time) (*domain.PlayerAuthRecord, error)
	GetByPlayerID(ctx context.Context, playerID string) (*domain.PlayerAuthRecord, error)
	GetByToken(ctx context.Context, token string) (*domain.PlayerAuthRecord, error)
	// ListByWebUser returns every record referencing webUserID, newest first.
	ListByWebUser(ctx context.Context, webUserID string) ([]*domain.PlayerAuthRecord, error)

	// SetOTP replaces any pending code.
	SetOTP(ctx context.Context, playerID, code string, expiry time.Time) error
	// ClearOTP clears the code only if it still equals expected.
	ClearOTP(ctx context.Context, playerID, expected string) (bool, error)
	// ConsumeOTP clears the code if it equals code and has not expired at now.
	ConsumeOTP(ctx context.Context, playerID, code string, now time.Time) (bool, error)

	// Confirm sets confirmed where it was false; changed is false when the
	// record was already confirmed. ErrConflict when its reserved web user
	// already holds another confirmed record.
	Confirm(ctx context.Context, playerID string) (changed bool, err error)
	// Reserve points an unconfirmed record at webUserID ahead of confirmation.
	Reserve(ctx context.Context, playerID, webUserID string) error
	// Link sets webUserID on a confirmed record. Re-linking to the same user
	// succeeds without change.
	Link(ctx context.Context, playerID, webUserID string) error

	DeleteExpiredUnconfirmed(ctx context.Context, now time.Time) (int64, error)
}

type WebUserStore interface {
	CreateUser(ctx context.Context, u *domain.WebUser) error
	GetUser(ctx context.Context, id string) (*domain.WebUser, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.WebUser, error)
}

// Store bundles both record kinds behind one backend.
type Store interface {
	PlayerStore
	WebUserStore
}

// ConfirmedFor returns the confirmed record linked to webUserID, if any.
func ConfirmedFor(ctx context.Context, s PlayerStore, webUserID string) (*domain.PlayerAuthRecord, error) {
	recs, err := s.ListByWebUser(ctx, webUserID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.Confirmed {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// PendingFor returns the newest unconfirmed record reserved by webUserID.
func PendingFor(ctx context.Context, s PlayerStore, webUserID string) (*domain.PlayerAuthRecord, error) {
	recs, err := s.ListByWebUser(ctx, webUserID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if !r.Confirmed {
			return r, nil
		}
	}
	return nil, ErrNotFound
}
