package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
)

// HeaderProvider supplies per-request headers.
type HeaderProvider func() map[string]string

// HTTPGateway posts envelopes to the game plugin's HTTP endpoint. It is
// send-only; replies come back over a receiving carrier.
type HTTPGateway struct {
	baseURL string
	path    string
	http    *fasthttp.Client
	headers HeaderProvider
	log     *zap.Logger

	defaultTimeout time.Duration
	retryMax       int

	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ Transport = (*HTTPGateway)(nil)

type HTTPOption func(*HTTPGateway)

func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(g *HTTPGateway) { g.defaultTimeout = d }
}

func WithHTTPRetry(max int) HTTPOption {
	return func(g *HTTPGateway) { g.retryMax = max }
}

func WithHTTPHeaders(h HeaderProvider) HTTPOption {
	return func(g *HTTPGateway) { g.headers = h }
}

func WithHTTPLogger(l *zap.Logger) HTTPOption {
	return func(g *HTTPGateway) { g.log = l }
}

// WithAPIKey sets the X-API-Key header the game plugin checks.
func WithAPIKey(key string) HTTPOption {
	return func(g *HTTPGateway) {
		if strings.TrimSpace(key) == "" {
			return
		}
		g.headers = func() map[string]string { return map[string]string{"X-API-Key": key} }
	}
}

func NewHTTPGateway(baseURL string, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:        strings.TrimRight(baseURL, "/"),
		path:           "/bridge/messages",
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = obslog.Or(g.log).With(zap.String("transport", "http"))
	return g
}

func (g *HTTPGateway) Name() string { return "http" }

// Send POSTs env as JSON, retrying connection errors and 5xx answers with backoff.
func (g *HTTPGateway) Send(ctx context.Context, env *envelope.Envelope) error {
	if g.isStopping() {
		return ErrClosed
	}
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(g.baseURL + g.path)
	req.Header.SetContentType("application/json")
	if g.headers != nil {
		for k, v := range g.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	req.SetBody(payload)

	attempts := g.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := g.http.DoDeadline(req, resp, g.computeDeadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				return nil
			}
			err = fmt.Errorf("game api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if !shouldRetryStatus(status) {
				return err
			}
		} else {
			err = fmt.Errorf("request failed: %w", err)
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		g.log.Debug("http_send_retry", zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

// Consume blocks until ctx is done or the gateway is closed; the game plugin
// never pushes over this carrier.
func (g *HTTPGateway) Consume(ctx context.Context, _ Handler) error {
	select {
	case <-g.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *HTTPGateway) Close(context.Context) error {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.http.CloseIdleConnections()
	})
	return nil
}

func (g *HTTPGateway) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(g.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func (g *HTTPGateway) isStopping() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
