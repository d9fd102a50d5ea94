package domain

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestStateTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(10 * time.Minute)
	otpExp := now.Add(5 * time.Minute)

	r := &PlayerAuthRecord{PlayerID: "Steve", PlayerUUID: "u1", AuthToken: "abc", TokenExpiry: exp}
	if got := r.State(now); got != StateTokenIssued {
		t.Fatalf("state = %s, want token-issued", got)
	}
	r.OTP, r.OTPExpiry = strp("123456"), &otpExp
	if got := r.State(now); got != StateOTPPending {
		t.Fatalf("state = %s, want otp-pending", got)
	}
	if got := r.State(otpExp); got != StateTokenIssued {
		t.Fatalf("expired otp: state = %s, want token-issued", got)
	}
	if got := r.State(exp); got != StateUnlinked {
		t.Fatalf("expired token: state = %s, want unlinked", got)
	}
	r.Confirmed = true
	if got := r.State(exp.Add(time.Hour)); got != StateConfirmed {
		t.Fatalf("confirmed: state = %s", got)
	}
	r.WebUserID = strp("w1")
	if got := r.State(now); got != StateLinked {
		t.Fatalf("linked: state = %s", got)
	}
	var nilRec *PlayerAuthRecord
	if nilRec.State(now) != StateUnlinked {
		t.Fatalf("nil record should be unlinked")
	}
}

func TestCloneIsDeep(t *testing.T) {
	exp := time.Now()
	r := &PlayerAuthRecord{PlayerID: "p", OTP: strp("111111"), OTPExpiry: &exp, WebUserID: strp("w")}
	c := r.Clone()
	*c.OTP = "222222"
	*c.WebUserID = "x"
	if *r.OTP != "111111" || *r.WebUserID != "w" {
		t.Fatalf("clone shares pointers with original")
	}
	if CorrelationKey("Steve", "u1") != "Steve_u1" {
		t.Fatalf("unexpected correlation key")
	}
}
