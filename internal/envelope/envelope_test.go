package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "not json", "[1,2]", `{"type":""}`, `{"type":`} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Parse(%q) err = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestUnknownTypeRoundTrips(t *testing.T) {
	raw := `{"type":"mc_future_thing","source":"game","timestamp":"2026-01-01T00:00:00Z","data":{"nested":{"a":[1,2,3]}}}`
	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if again.Type != "mc_future_thing" || string(again.Data) != `{"nested":{"a":[1,2,3]}}` {
		t.Fatalf("data not preserved: %s", again.Data)
	}
}

func TestNewStampsEnvelope(t *testing.T) {
	env, err := New(TypeOTP, SourceWeb, OTPData{PlayerName: "Steve", PlayerUUID: "u1", OTP: "123456"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.ID == "" || env.Source != SourceWeb || env.Time().IsZero() {
		t.Fatalf("envelope not stamped: %+v", env)
	}
	var d OTPData
	if err := env.Decode(&d); err != nil || d.OTP != "123456" {
		t.Fatalf("Decode: %v %+v", err, d)
	}
	if _, err := New(" ", SourceWeb, nil); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestFlexTimeFormats(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	inputs := []string{
		`{"mcid":"a","expiresAt":"2026-03-01T10:00:00Z"}`,
		`{"mcid":"a","expiresAt":1772359200000}`,
		`{"mcid":"a","expiresAt":"1772359200000"}`,
	}
	for _, in := range inputs {
		var d AuthTokenData
		if err := json.Unmarshal([]byte(in), &d); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if !d.ExpiresAt.Equal(want) {
			t.Fatalf("%s: got %s want %s", in, d.ExpiresAt, want)
		}
	}
	var empty AuthTokenData
	if err := json.Unmarshal([]byte(`{"expiresAt":null}`), &empty); err != nil || !empty.ExpiresAt.IsZero() {
		t.Fatalf("null expiresAt: %v %v", err, empty.ExpiresAt)
	}
}

func TestDecodeEmptyData(t *testing.T) {
	env := &Envelope{Type: TypeAuthToken}
	var d AuthTokenData
	if err := env.Decode(&d); err == nil {
		t.Fatalf("expected error decoding empty data")
	}
}

func TestRedactedStripsCredentials(t *testing.T) {
	env, err := New(TypeAuthToken, SourceGame, AuthTokenData{MCID: "Steve", UUID: "u1", AuthToken: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	red := env.Redacted()
	if red.ID != env.ID || red.Type != env.Type {
		t.Fatalf("header changed: %+v", red)
	}
	var m map[string]any
	if err := json.Unmarshal(red.Data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["authToken"]; ok {
		t.Fatalf("authToken survived redaction: %s", red.Data)
	}
	if m["mcid"] != "Steve" {
		t.Fatalf("mcid lost: %s", red.Data)
	}
	var orig AuthTokenData
	if err := env.Decode(&orig); err != nil || orig.AuthToken != "secret" {
		t.Fatalf("original must be untouched: %+v %v", orig, err)
	}

	info, _ := New(TypeServerInfo, SourceGame, map[string]any{"online": 3})
	if string(info.Redacted().Data) != string(info.Data) {
		t.Fatalf("envelope without credentials should be unchanged")
	}
}

func TestPlayer(t *testing.T) {
	a, _ := New(TypeOTPResponse, SourceGame, OTPResponseData{MCID: "Steve"})
	b, _ := New(TypePlayerStatus, SourceGame, map[string]any{"playerName": "Alex"})
	c, _ := New(TypeServerInfo, SourceGame, map[string]any{"online": 3})
	if a.Player() != "Steve" || b.Player() != "Alex" || c.Player() != "" {
		t.Fatalf("players: %q %q %q", a.Player(), b.Player(), c.Player())
	}
}
