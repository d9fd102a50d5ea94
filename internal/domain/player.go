package domain

import "time"

// PlayerAuthRecord ties a game player identity to its bearer token, pending
// one-time code and optional web account link. One row per PlayerID.
type PlayerAuthRecord struct {
	PlayerID    string
	PlayerUUID  string
	AuthToken   string
	TokenExpiry time.Time
	OTP         *string
	OTPExpiry   *time.Time
	Confirmed   bool
	WebUserID   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LinkState is the reconciler's view of a record.
type LinkState string

const (
	StateUnlinked    LinkState = "unlinked"
	StateTokenIssued LinkState = "token-issued"
	StateOTPPending  LinkState = "otp-pending"
	StateConfirmed   LinkState = "confirmed"
	StateLinked      LinkState = "linked"
)

// State derives the link state at now. Confirmed records never fall back to
// an earlier state; an unconfirmed record with an expired token is unlinked.
func (r *PlayerAuthRecord) State(now time.Time) LinkState {
	if r == nil {
		return StateUnlinked
	}
	if r.Confirmed {
		if r.WebUserID != nil {
			return StateLinked
		}
		return StateConfirmed
	}
	if r.AuthToken == "" || !now.Before(r.TokenExpiry) {
		return StateUnlinked
	}
	if r.OTP != nil && r.OTPExpiry != nil && now.Before(*r.OTPExpiry) {
		return StateOTPPending
	}
	return StateTokenIssued
}

// TokenValid reports whether the bearer token is still inside its window.
func (r *PlayerAuthRecord) TokenValid(now time.Time) bool {
	return r != nil && r.AuthToken != "" && now.Before(r.TokenExpiry)
}

// LinkedTo reports whether the record references webUserID.
func (r *PlayerAuthRecord) LinkedTo(webUserID string) bool {
	return r != nil && r.WebUserID != nil && *r.WebUserID == webUserID
}

// CorrelationKey is the key used to bridge async game replies for this player.
func (r *PlayerAuthRecord) CorrelationKey() string {
	return CorrelationKey(r.PlayerID, r.PlayerUUID)
}

// CorrelationKey joins a player name and uuid as playerId_playerUuid.
func CorrelationKey(playerID, playerUUID string) string {
	return playerID + "_" + playerUUID
}

// Clone returns a deep copy so callers can't mutate stored pointers.
func (r *PlayerAuthRecord) Clone() *PlayerAuthRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.OTP != nil {
		v := *r.OTP
		c.OTP = &v
	}
	if r.OTPExpiry != nil {
		v := *r.OTPExpiry
		c.OTPExpiry = &v
	}
	if r.WebUserID != nil {
		v := *r.WebUserID
		c.WebUserID = &v
	}
	return &c
}
