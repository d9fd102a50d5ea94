package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport kinds accepted by TRANSPORT_PRIMARY / TRANSPORT_SECONDARY.
const (
	TransportQueue  = "queue"
	TransportPubSub = "pubsub"
	TransportHTTP   = "http"
	TransportWS     = "ws"
)

type AppConfig struct {
	HTTPAddr   string
	ServerName string

	RedisURL    string
	DatabaseURL string

	TokenSecret string

	TransportPrimary   string
	TransportSecondary string

	QueueOutbound     string
	QueueInbound      string
	QueueWait         time.Duration
	QueueBatch        int
	QueuePollInterval time.Duration
	QueueVisibility   time.Duration

	PubSubOutbound string
	PubSubInbound  string

	GameHTTPURL string
	GameWSURL   string
	GameAPIKey  string

	TokenTTL        time.Duration
	SessionTokenTTL time.Duration
	WebSessionTTL   time.Duration

	OTPTTL          time.Duration
	OTPMaxPerWindow int
	OTPWindow       time.Duration
	OTPCooldown     time.Duration

	CorrelationTTL     time.Duration
	CorrelationWait    time.Duration
	CorrelationPoll    time.Duration
	CorrelationBackend string

	SSEHeartbeat     time.Duration
	SweepInterval    time.Duration
	DispatchAttempts int
	HTTPRatePerMin   int

	MessagesDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr:           ":8080",
		ServerName:         "web",
		TransportPrimary:   TransportQueue,
		QueueOutbound:      "mc:queue:web_to_mc",
		QueueInbound:       "mc:queue:mc_to_web",
		QueueWait:          20 * time.Second,
		QueueBatch:         10,
		QueuePollInterval:  5 * time.Second,
		QueueVisibility:    30 * time.Second,
		PubSubOutbound:     "web_to_mc",
		PubSubInbound:      "mc_to_web",
		TokenTTL:           10 * time.Minute,
		SessionTokenTTL:    time.Hour,
		WebSessionTTL:      24 * time.Hour,
		OTPTTL:             10 * time.Minute,
		OTPMaxPerWindow:    5,
		OTPWindow:          15 * time.Minute,
		OTPCooldown:        30 * time.Second,
		CorrelationTTL:     30 * time.Second,
		CorrelationWait:    30 * time.Second,
		CorrelationPoll:    time.Second,
		CorrelationBackend: "memory",
		SSEHeartbeat:       30 * time.Second,
		SweepInterval:      time.Minute,
		DispatchAttempts:   2,
		HTTPRatePerMin:     120,
	}

	if v := env("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := env("SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.TokenSecret = env("TOKEN_SECRET")

	if v := strings.ToLower(env("TRANSPORT_PRIMARY")); v != "" {
		cfg.TransportPrimary = v
	}
	cfg.TransportSecondary = strings.ToLower(env("TRANSPORT_SECONDARY"))

	if v := env("QUEUE_OUTBOUND"); v != "" {
		cfg.QueueOutbound = v
	}
	if v := env("QUEUE_INBOUND"); v != "" {
		cfg.QueueInbound = v
	}
	if v := env("PUBSUB_OUTBOUND"); v != "" {
		cfg.PubSubOutbound = v
	}
	if v := env("PUBSUB_INBOUND"); v != "" {
		cfg.PubSubInbound = v
	}
	cfg.GameHTTPURL = env("GAME_HTTP_URL")
	cfg.GameWSURL = env("GAME_WS_URL")
	cfg.GameAPIKey = env("GAME_API_KEY")
	cfg.MessagesDir = env("MESSAGES_DIR")
	if v := strings.ToLower(env("CORRELATION_BACKEND")); v != "" {
		cfg.CorrelationBackend = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"QUEUE_WAIT", &cfg.QueueWait},
		{"QUEUE_POLL_INTERVAL", &cfg.QueuePollInterval},
		{"QUEUE_VISIBILITY", &cfg.QueueVisibility},
		{"TOKEN_TTL", &cfg.TokenTTL},
		{"SESSION_TOKEN_TTL", &cfg.SessionTokenTTL},
		{"WEB_SESSION_TTL", &cfg.WebSessionTTL},
		{"OTP_TTL", &cfg.OTPTTL},
		{"OTP_WINDOW", &cfg.OTPWindow},
		{"OTP_COOLDOWN", &cfg.OTPCooldown},
		{"CORRELATION_TTL", &cfg.CorrelationTTL},
		{"CORRELATION_WAIT", &cfg.CorrelationWait},
		{"CORRELATION_POLL", &cfg.CorrelationPoll},
		{"SSE_HEARTBEAT", &cfg.SSEHeartbeat},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
	}
	for _, d := range durations {
		if v := env(d.key); v != "" {
			parsed, err := parseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"QUEUE_BATCH", &cfg.QueueBatch},
		{"OTP_MAX_PER_WINDOW", &cfg.OTPMaxPerWindow},
		{"DISPATCH_ATTEMPTS", &cfg.DispatchAttempts},
		{"HTTP_RATE_PER_MIN", &cfg.HTTPRatePerMin},
	}
	for _, i := range ints {
		if v := env(i.key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*i.dst = n
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements. Load calls it; tests building an
// AppConfig by hand may call it directly.
func (c *AppConfig) Validate() error {
	if c.TokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}
	if !validTransport(c.TransportPrimary) {
		return fmt.Errorf("TRANSPORT_PRIMARY: unsupported transport %q", c.TransportPrimary)
	}
	if c.TransportSecondary != "" {
		if !validTransport(c.TransportSecondary) {
			return fmt.Errorf("TRANSPORT_SECONDARY: unsupported transport %q", c.TransportSecondary)
		}
		if c.TransportSecondary == c.TransportPrimary {
			return errors.New("TRANSPORT_SECONDARY must differ from TRANSPORT_PRIMARY")
		}
	}
	for _, t := range []string{c.TransportPrimary, c.TransportSecondary} {
		switch t {
		case TransportQueue, TransportPubSub:
			if c.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required for %s transport", t)
			}
		case TransportHTTP:
			if c.GameHTTPURL == "" {
				return errors.New("GAME_HTTP_URL is required for http transport")
			}
		case TransportWS:
			if c.GameWSURL == "" {
				return errors.New("GAME_WS_URL is required for ws transport")
			}
		}
	}
	// http is send-only; inbound messages need one of the others.
	if c.TransportPrimary == TransportHTTP && c.TransportSecondary == "" {
		return errors.New("http transport is send-only: TRANSPORT_SECONDARY must be queue, pubsub or ws")
	}
	if c.OTPWindow > 0 && c.OTPCooldown > c.OTPWindow {
		return errors.New("OTP_COOLDOWN must not exceed OTP_WINDOW")
	}
	switch c.CorrelationBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for redis correlation backend")
		}
	default:
		return fmt.Errorf("CORRELATION_BACKEND: unsupported backend %q", c.CorrelationBackend)
	}
	if c.QueueBatch > 10 {
		c.QueueBatch = 10
	}
	return nil
}

// UsesRedis reports whether any configured component needs a Redis connection.
func (c *AppConfig) UsesRedis() bool {
	return c.TransportPrimary == TransportQueue || c.TransportPrimary == TransportPubSub ||
		c.TransportSecondary == TransportQueue || c.TransportSecondary == TransportPubSub ||
		c.CorrelationBackend == "redis"
}

func validTransport(t string) bool {
	switch t {
	case TransportQueue, TransportPubSub, TransportHTTP, TransportWS:
		return true
	default:
		return false
	}
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

// parseDuration accepts Go durations ("30s", "10m") or bare seconds ("30").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive: %q", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive: %q", v)
	}
	return d, nil
}
