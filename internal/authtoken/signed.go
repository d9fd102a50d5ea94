package authtoken

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/form3tech-oss/jwt-go"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/store"
)

const (
	kindPlayer = "player"
	kindWeb    = "web"
	issuer     = "mc-authbridge"
)

// Signer mints and checks HS256 session tokens. Player sessions carry a
// fingerprint of the bearer token they were exchanged for, so re-issuing
// the bearer token also retires them.
type Signer struct {
	secret    []byte
	clk       clock.Clock
	playerTTL time.Duration
	webTTL    time.Duration
	tokens    *Manager
	parser    *jwt.Parser
}

func NewSigner(secret string, clk clock.Clock, playerTTL, webTTL time.Duration, tokens *Manager) *Signer {
	if clk == nil {
		clk = clock.New()
	}
	return &Signer{
		secret:    []byte(secret),
		clk:       clk,
		playerTTL: playerTTL,
		webTTL:    webTTL,
		tokens:    tokens,
		// Expiry is checked against clk, not jwt-go's wall clock.
		parser: &jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}, SkipClaimsValidation: true},
	}
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func (s *Signer) sign(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// PlayerSession exchanges a valid bearer record for a signed session token.
func (s *Signer) PlayerSession(rec *domain.PlayerAuthRecord) (string, time.Time, error) {
	now := s.clk.Now()
	exp := now.Add(s.playerTTL)
	tok, err := s.sign(jwt.MapClaims{
		"iss":  issuer,
		"knd":  kindPlayer,
		"sub":  rec.PlayerID,
		"uuid": rec.PlayerUUID,
		"tfp":  fingerprint(rec.AuthToken),
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign player session: %w", err)
	}
	return tok, exp, nil
}

// WebSession signs a session for webUserID.
func (s *Signer) WebSession(webUserID string) (string, time.Time, error) {
	now := s.clk.Now()
	exp := now.Add(s.webTTL)
	tok, err := s.sign(jwt.MapClaims{
		"iss": issuer,
		"knd": kindWeb,
		"sub": webUserID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign web session: %w", err)
	}
	return tok, exp, nil
}

func (s *Signer) parse(raw, kind string) (jwt.MapClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenNotFound
	}
	token, err := s.parser.Parse(raw, func(t *jwt.Token) (interface{}, error) { return s.secret, nil })
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims["knd"] != kind || claims["iss"] != issuer {
		return nil, ErrTokenInvalid
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, ErrTokenInvalid
	}
	if !s.clk.Now().Before(time.Unix(int64(exp), 0)) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// VerifyPlayerSession checks the signature and expiry, then resolves the
// player record and rejects sessions whose bearer token was replaced.
func (s *Signer) VerifyPlayerSession(ctx context.Context, raw string) (*domain.PlayerAuthRecord, error) {
	claims, err := s.parse(raw, kindPlayer)
	if err != nil {
		return nil, err
	}
	playerID, _ := claims["sub"].(string)
	tfp, _ := claims["tfp"].(string)
	if playerID == "" || tfp == "" {
		return nil, ErrTokenInvalid
	}
	rec, err := s.tokens.players.GetByPlayerID(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load player session: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(fingerprint(rec.AuthToken)), []byte(tfp)) != 1 {
		return nil, ErrTokenExpired
	}
	return rec, nil
}

// VerifyWebSession returns the web user id carried by raw.
func (s *Signer) VerifyWebSession(raw string) (string, error) {
	claims, err := s.parse(raw, kindWeb)
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrTokenInvalid
	}
	return sub, nil
}
