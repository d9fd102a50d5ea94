// Package metrics exposes bridge counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the bridge components report to.
type Recorder interface {
	RecordDispatch(msgType, transport string, fellBack bool, err error)
	RecordInbound(msgType, outcome string)
	RecordOTPIssued()
	RecordOTPVerify(result string)
	RecordCorrelationWait(outcome string, d time.Duration)
	RecordHTTPStatus(route string, status int)
	RecordSweep(kind string, n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDispatch(string, string, bool, error)        {}
func (Nop) RecordInbound(string, string)                      {}
func (Nop) RecordOTPIssued()                                  {}
func (Nop) RecordOTPVerify(string)                            {}
func (Nop) RecordCorrelationWait(string, time.Duration)       {}
func (Nop) RecordHTTPStatus(string, int)                      {}
func (Nop) RecordSweep(string, int)                           {}

// Or returns r, or Nop when r is nil.
func Or(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

type Collector struct {
	dispatch        *prometheus.CounterVec
	inbound         *prometheus.CounterVec
	otpIssued       prometheus.Counter
	otpVerify       *prometheus.CounterVec
	correlationWait *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
	swept           *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector registers the bridge metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_dispatch_total",
			Help: "Outbound envelopes by type, carrier and outcome.",
		}, []string{"type", "transport", "fallback", "outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_inbound_total",
			Help: "Inbound envelopes by type and routing outcome.",
		}, []string{"type", "outcome"}),
		otpIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authbridge_otp_issued_total",
			Help: "One-time codes issued.",
		}),
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_otp_verify_total",
			Help: "One-time code verifications by result.",
		}, []string{"result"}),
		correlationWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authbridge_correlation_wait_seconds",
			Help:    "Time spent waiting for a correlated game reply.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_http_responses_total",
			Help: "HTTP responses by route and status code.",
		}, []string{"route", "status_code"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_swept_total",
			Help: "Entries removed or requeued by the sweeper.",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.dispatch, c.inbound, c.otpIssued, c.otpVerify, c.correlationWait, c.httpStatus, c.swept)
	return c
}

func (c *Collector) RecordDispatch(msgType, transport string, fellBack bool, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.dispatch.WithLabelValues(msgType, transport, strconv.FormatBool(fellBack), outcome).Inc()
}

func (c *Collector) RecordInbound(msgType, outcome string) {
	c.inbound.WithLabelValues(msgType, outcome).Inc()
}

func (c *Collector) RecordOTPIssued() { c.otpIssued.Inc() }

func (c *Collector) RecordOTPVerify(result string) { c.otpVerify.WithLabelValues(result).Inc() }

func (c *Collector) RecordCorrelationWait(outcome string, d time.Duration) {
	c.correlationWait.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) RecordHTTPStatus(route string, status int) {
	c.httpStatus.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (c *Collector) RecordSweep(kind string, n int) {
	if n > 0 {
		c.swept.WithLabelValues(kind).Add(float64(n))
	}
}

// Handler serves the scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
