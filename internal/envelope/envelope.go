package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourceWeb  Source = "web"
	SourceGame Source = "game"
)

// Envelope is the wire unit exchanged between the web and game sides.
// Data stays raw so unknown types survive a decode/encode cycle untouched.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Source    Source          `json:"source"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrMissingType = errors.New("envelope type is required")
)

// New builds an envelope stamped with a fresh id and the current UTC time.
func New(typ string, source Source, data any) (*Envelope, error) {
	if strings.TrimSpace(typ) == "" {
		return nil, ErrMissingType
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", typ, err)
		}
		raw = b
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      raw,
	}, nil
}

// Parse decodes a raw payload. Anything that is not a JSON object with a
// non-empty type is ErrMalformed.
func Parse(raw []byte) (*Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrMalformed
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, ErrMissingType)
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode unmarshals Data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return fmt.Errorf("%s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", e.Type, err)
	}
	return nil
}

// credentialFields never leave the process towards browsers.
var credentialFields = []string{"authToken", "otp"}

// Redacted returns a copy of e with credential fields removed from Data.
// Data that is not a JSON object is kept as is.
func (e *Envelope) Redacted() *Envelope {
	out := *e
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return &out
	}
	stripped := false
	for _, k := range credentialFields {
		if _, ok := m[k]; ok {
			delete(m, k)
			stripped = true
		}
	}
	if !stripped {
		return &out
	}
	if b, err := json.Marshal(m); err == nil {
		out.Data = b
	} else {
		out.Data = nil
	}
	return &out
}

// Player returns the player an envelope is about (mcid or playerName), or ""
// for server-wide messages.
func (e *Envelope) Player() string {
	var p struct {
		MCID       string `json:"mcid"`
		PlayerName string `json:"playerName"`
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return ""
	}
	if p.MCID != "" {
		return strings.TrimSpace(p.MCID)
	}
	return strings.TrimSpace(p.PlayerName)
}

// Time parses Timestamp, zero time when absent or unparsable.
func (e *Envelope) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
	return t
}

// FlexTime accepts RFC3339 strings, epoch milliseconds (number or numeric
// string) as sent by the game plugin.
type FlexTime struct{ time.Time }

func (f *FlexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		f.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		if ms, err := strconv.ParseInt(unq, 10, 64); err == nil {
			f.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, unq)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", unq, err)
		}
		f.Time = t
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("parse time %s: %w", s, err)
		}
		ms = int64(fl)
	}
	f.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (f FlexTime) MarshalJSON() ([]byte, error) {
	if f.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(f.UTC().Format(time.RFC3339Nano))
}
