// Package httpapi serves the web-facing HTTP surface of the bridge.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/linking"
	"github.com/park285/mc-authbridge/internal/metrics"
	"github.com/park285/mc-authbridge/internal/msgcat"
	"github.com/park285/mc-authbridge/internal/obslog"
	"github.com/park285/mc-authbridge/internal/router"
	"github.com/park285/mc-authbridge/internal/transport"
)

// Flows is the part of *linking.Service the handlers drive.
type Flows interface {
	Session(ctx context.Context, token string) (*linking.SessionResult, error)
	SendOTP(ctx context.Context, token string) (*linking.SendOTPResult, error)
	Auth(ctx context.Context, sessionToken, code string) (*linking.AuthResult, error)
	VerifyOTP(ctx context.Context, webUserID, code string) (*linking.VerifyResult, error)
	LinkAccount(ctx context.Context, webUserID, token string) (*linking.LinkResult, error)
	CreateAccount(ctx context.Context, req linking.CreateAccountRequest) (*linking.CreateAccountResult, error)
	Status(ctx context.Context, webUserID, token string) (*linking.StatusResult, error)
}

// Commander is the passthrough into the outbound dispatcher.
type Commander interface {
	Command(ctx context.Context, commandType, playerName string, data map[string]any) (transport.Result, error)
	PlayerRequest(ctx context.Context, requestType, playerName string, data map[string]any) (transport.Result, error)
}

// SessionVerifier resolves a web session token to its web user id.
type SessionVerifier interface {
	VerifyWebSession(raw string) (string, error)
}

// PlayerLister resolves the players a web user holds, confirmed or pending.
type PlayerLister interface {
	ListByWebUser(ctx context.Context, webUserID string) ([]*domain.PlayerAuthRecord, error)
}

type Deps struct {
	Flows     Flows
	Commands  Commander
	Sessions  SessionVerifier
	Bus       *router.EventBus
	// Players scopes the message stream; without it only server-wide
	// envelopes are streamed.
	Players   PlayerLister
	Catalog   *msgcat.Catalog
	Metrics   metrics.Recorder
	Gatherer  prometheus.Gatherer
	Health    func(ctx context.Context) error
	Heartbeat time.Duration
	// RatePerMinute caps requests per client address; zero means 120.
	RatePerMinute int
	Logger        *zap.Logger
}

type API struct {
	flows     Flows
	commands  Commander
	sessions  SessionVerifier
	bus       *router.EventBus
	players   PlayerLister
	msgs      *msgcat.Catalog
	metrics   metrics.Recorder
	gatherer  prometheus.Gatherer
	health    func(ctx context.Context) error
	heartbeat time.Duration
	limiter   *ipLimiter
	log       *zap.Logger
}

func New(d Deps) *API {
	if d.Catalog == nil {
		d.Catalog = msgcat.MustDefault()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 30 * time.Second
	}
	return &API{
		flows:     d.Flows,
		commands:  d.Commands,
		sessions:  d.Sessions,
		bus:       d.Bus,
		players:   d.Players,
		msgs:      d.Catalog,
		metrics:   metrics.Or(d.Metrics),
		gatherer:  d.Gatherer,
		health:    d.Health,
		heartbeat: d.Heartbeat,
		limiter:   newIPLimiter(d.RatePerMinute),
		log:       obslog.Or(d.Logger),
	}
}

// Run evicts idle rate-limit buckets until ctx is done.
func (a *API) Run(ctx context.Context) {
	a.limiter.run(ctx, 5*time.Minute)
}

// Handler builds the route tree.
//
// Middleware order: requestLog -> recovery -> rateLimit [-> requireSession].
// Health and metrics sit outside the rate limit.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requestLog)
	r.Use(a.recovery)

	r.Get("/healthz", a.healthz)
	if a.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(a.gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(a.rateLimit)

		r.Route("/mc", func(r chi.Router) {
			r.Post("/session", a.session)
			r.Post("/send-otp", a.sendOTP)
			r.Post("/auth", a.auth)
			r.Post("/create-account", a.createAccount)
			r.Get("/status", a.status)

			r.Group(func(r chi.Router) {
				r.Use(a.requireSession)
				r.Post("/verify-otp", a.verifyOTP)
				r.Post("/link-account", a.linkAccount)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireSession)
			r.Post("/send-to-mc", a.sendToMC)
			r.Get("/mc-messages", a.messages)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: a.msgs.Text("server.not_found", nil)})
	})
	return r
}
