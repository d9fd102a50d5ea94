// Package app wires the bridge components from an AppConfig.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/authtoken"
	"github.com/park285/mc-authbridge/internal/bridge"
	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/config"
	"github.com/park285/mc-authbridge/internal/correlation"
	"github.com/park285/mc-authbridge/internal/database"
	"github.com/park285/mc-authbridge/internal/dispatch"
	"github.com/park285/mc-authbridge/internal/httpapi"
	"github.com/park285/mc-authbridge/internal/linking"
	"github.com/park285/mc-authbridge/internal/metrics"
	"github.com/park285/mc-authbridge/internal/msgcat"
	"github.com/park285/mc-authbridge/internal/otp"
	"github.com/park285/mc-authbridge/internal/router"
	"github.com/park285/mc-authbridge/internal/store"
	"github.com/park285/mc-authbridge/internal/sweeper"
	"github.com/park285/mc-authbridge/internal/transport"
)

const correlationPrefix = "mc:corr:"

type Deps struct {
	Config  *config.AppConfig
	Logger  *zap.Logger
	Clock   clock.Clock
	Catalog *msgcat.Catalog

	Redis *redis.Client
	DB    *sql.DB
	Store store.Store

	Tokens      *authtoken.Manager
	Signer      *authtoken.Signer
	OTP         *otp.Manager
	Correlation correlation.Cache

	Primary   transport.Transport
	Secondary transport.Transport
	Queue     *transport.Queue

	Bus        *router.EventBus
	Router     *router.Router
	Dispatcher *dispatch.Dispatcher
	Service    *linking.Service
	Sweeper    *sweeper.Sweeper

	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	API      *httpapi.API
}

// New builds every component. Nothing is started; see Serve.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("server", cfg.ServerName))

	d := &Deps{Config: cfg, Logger: logger, Clock: clock.New()}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	d.Catalog = cat

	var redisOpts *redis.Options
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err = redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.Redis = redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = d.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = d.Redis.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	if err := d.openStore(ctx); err != nil {
		d.closeConns()
		return nil, err
	}

	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.Metrics = metrics.NewCollector(d.Registry)

	d.Tokens = authtoken.NewManager(d.Store, d.Clock, cfg.TokenTTL, logger)
	d.Signer = authtoken.NewSigner(cfg.TokenSecret, d.Clock, cfg.SessionTokenTTL, cfg.WebSessionTTL, d.Tokens)

	var limiter otp.Limiter
	if d.Redis != nil {
		limiter = otp.NewRedisLimiter(d.Redis, cfg.OTPMaxPerWindow, cfg.OTPWindow)
	} else {
		limiter = otp.NewMemoryLimiter(cfg.OTPMaxPerWindow, cfg.OTPWindow)
	}
	d.OTP = otp.NewManager(d.Store, otp.Options{
		TTL:      cfg.OTPTTL,
		Cooldown: cfg.OTPCooldown,
		Limiter:  limiter,
		Clock:    d.Clock,
		Logger:   logger,
	})

	if cfg.CorrelationBackend == "redis" {
		d.Correlation = correlation.NewRedis(d.Redis, correlationPrefix)
	} else {
		d.Correlation = correlation.NewMemory(d.Clock)
	}

	d.Primary, err = d.buildTransport(cfg.TransportPrimary, redisOpts)
	if err != nil {
		d.closeConns()
		return nil, err
	}
	if cfg.TransportSecondary != "" {
		d.Secondary, err = d.buildTransport(cfg.TransportSecondary, redisOpts)
		if err != nil {
			d.closeConns()
			return nil, err
		}
	}

	d.Bus = router.NewEventBus(0, logger)
	d.Router = router.New(d.Bus, d.Metrics, logger)
	bridge.New(d.Tokens, d.Correlation, cfg.CorrelationTTL, d.Clock, logger).Register(d.Router)

	var secondary transport.Sender
	if d.Secondary != nil {
		secondary = d.Secondary
	}
	d.Dispatcher = dispatch.New(transport.NewFallback(d.Primary, secondary, cfg.DispatchAttempts, logger), d.Metrics, logger)

	d.Service = linking.NewService(linking.Options{
		Store:           d.Store,
		Tokens:          d.Tokens,
		Signer:          d.Signer,
		OTP:             d.OTP,
		Correlation:     d.Correlation,
		Notifier:        d.Dispatcher,
		Catalog:         cat,
		Clock:           d.Clock,
		Metrics:         d.Metrics,
		Logger:          logger,
		CorrelationWait: cfg.CorrelationWait,
		CorrelationPoll: cfg.CorrelationPoll,
	})

	d.Sweeper = d.newSweeper()

	d.API = httpapi.New(httpapi.Deps{
		Flows:         d.Service,
		Commands:      d.Dispatcher,
		Sessions:      d.Signer,
		Bus:           d.Bus,
		Players:       d.Store,
		Catalog:       cat,
		Metrics:       d.Metrics,
		Gatherer:      d.Registry,
		Health:        d.Health,
		Heartbeat:     cfg.SSEHeartbeat,
		RatePerMinute: cfg.HTTPRatePerMin,
		Logger:        logger,
	})
	return d, nil
}

// NewForMaintenance opens only the store, for one-shot commands.
func NewForMaintenance(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{Config: cfg, Logger: logger, Clock: clock.New()}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.Redis = redis.NewClient(opts)
	}
	if err := d.openStore(ctx); err != nil {
		d.closeConns()
		return nil, err
	}
	usesQueue := cfg.TransportPrimary == config.TransportQueue || cfg.TransportSecondary == config.TransportQueue
	if d.Redis != nil && usesQueue {
		d.Queue = d.newQueue()
	}
	d.Sweeper = d.newSweeper()
	return d, nil
}

func (d *Deps) openStore(ctx context.Context) error {
	if strings.TrimSpace(d.Config.DatabaseURL) == "" {
		d.Logger.Warn("store_in_memory", zap.String("reason", "DATABASE_URL not set"))
		d.Store = store.NewMemory(d.Clock)
		return nil
	}
	db, err := database.Open(ctx, d.Config.DatabaseURL)
	if err != nil {
		return err
	}
	d.DB = db
	d.Store = store.NewPostgres(db, d.Clock)
	return nil
}

func (d *Deps) newQueue() *transport.Queue {
	cfg := d.Config
	return transport.NewQueue(d.Redis, transport.QueueOptions{
		Outbound:     cfg.QueueOutbound,
		Inbound:      cfg.QueueInbound,
		Wait:         cfg.QueueWait,
		Batch:        cfg.QueueBatch,
		PollInterval: cfg.QueuePollInterval,
		Visibility:   cfg.QueueVisibility,
		Clock:        d.Clock,
		Logger:       d.Logger,
	})
}

func (d *Deps) buildTransport(kind string, redisOpts *redis.Options) (transport.Transport, error) {
	cfg := d.Config
	switch kind {
	case config.TransportQueue:
		d.Queue = d.newQueue()
		return d.Queue, nil
	case config.TransportPubSub:
		return transport.NewPubSub(redisOpts, transport.PubSubOptions{
			Outbound:          cfg.PubSubOutbound,
			Inbound:           cfg.PubSubInbound,
			RequireSubscriber: cfg.TransportSecondary != "",
			Logger:            d.Logger,
		}), nil
	case config.TransportHTTP:
		return transport.NewHTTPGateway(cfg.GameHTTPURL,
			transport.WithAPIKey(cfg.GameAPIKey),
			transport.WithHTTPLogger(d.Logger),
		), nil
	case config.TransportWS:
		return transport.NewWSGateway(transport.WSOptions{
			URL:                  cfg.GameWSURL,
			Headers:              apiKeyHeaders(cfg.GameAPIKey),
			MaxReconnectAttempts: 10,
			Logger:               d.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", kind)
	}
}

func apiKeyHeaders(key string) transport.HeaderProvider {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return func() map[string]string { return map[string]string{"X-API-Key": key} }
}

func (d *Deps) newSweeper() *sweeper.Sweeper {
	opts := sweeper.Options{
		Records:     d.Store,
		Correlation: d.Correlation,
		Interval:    d.Config.SweepInterval,
		Clock:       d.Clock,
		Logger:      d.Logger,
	}
	// Typed nils would defeat the nil checks downstream.
	if d.Queue != nil {
		opts.Queue = d.Queue
	}
	if d.Metrics != nil {
		opts.Metrics = d.Metrics
	}
	return sweeper.New(opts)
}

// Health reports whether the backing stores answer.
func (d *Deps) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// Serve listens on the configured address and runs ServeListener.
func (d *Deps) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener runs the HTTP server on ln, the inbound consumers, the
// sweeper and the rate-limit janitor until ctx is done, then shuts
// everything down. Request contexts derive from ctx, so open streams and
// correlation waits end as soon as shutdown starts.
func (d *Deps) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           d.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(d.Bus.Close)

	var wg sync.WaitGroup
	d.StartConsumers(ctx, &wg)
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.API.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		d.Logger.Info("http_listen", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	cancel()
	d.Logger.Info("shutdown_started")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.Logger.Warn("http_shutdown_error", zap.Error(err))
		_ = srv.Close()
	}
	d.closeTransports(shutdownCtx)
	wg.Wait()
	d.closeConns()
	d.Logger.Info("shutdown_complete")
	return serveErr
}

// StartConsumers feeds every configured carrier's inbound messages to the
// router until ctx is done. wg tracks the consumer goroutines.
func (d *Deps) StartConsumers(ctx context.Context, wg *sync.WaitGroup) {
	for _, t := range []transport.Transport{d.Primary, d.Secondary} {
		if t == nil {
			continue
		}
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			d.consume(ctx, t)
		}(t)
	}
}

// consume keeps one carrier's intake running, restarting it after errors.
func (d *Deps) consume(ctx context.Context, t transport.Transport) {
	attempt := 0
	for {
		err := t.Consume(ctx, d.Router.Dispatch)
		if ctx.Err() != nil || err == nil {
			return
		}
		attempt++
		wait := time.Duration(attempt) * time.Second
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
		d.Logger.Warn("consume_restart", zap.String("transport", t.Name()), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (d *Deps) closeTransports(ctx context.Context) {
	for _, t := range []transport.Transport{d.Primary, d.Secondary} {
		if t == nil {
			continue
		}
		if err := t.Close(ctx); err != nil {
			d.Logger.Warn("transport_close_error", zap.String("transport", t.Name()), zap.Error(err))
		}
	}
}

// Close releases connections without running a shutdown sequence.
func (d *Deps) Close(ctx context.Context) {
	d.closeTransports(ctx)
	d.closeConns()
}

func (d *Deps) closeConns() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
