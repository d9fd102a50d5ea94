// Package sweeper runs the periodic cleanup jobs: expired unconfirmed player
// records, stale correlation entries and queue messages whose visibility
// deadline passed.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/metrics"
	"github.com/park285/mc-authbridge/internal/obslog"
)

// RecordPurger deletes player records whose token expired unconfirmed.
type RecordPurger interface {
	DeleteExpiredUnconfirmed(ctx context.Context, now time.Time) (int64, error)
}

// CorrelationSweeper drops expired correlation entries.
type CorrelationSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Requeuer returns unacknowledged queue messages to their pending list.
type Requeuer interface {
	Requeue(ctx context.Context) (int, error)
}

type Options struct {
	Records     RecordPurger
	Correlation CorrelationSweeper
	Queue       Requeuer
	Interval    time.Duration
	Clock       clock.Clock
	Metrics     metrics.Recorder
	Logger      *zap.Logger
}

// Report counts what one pass removed or moved.
type Report struct {
	Records     int64
	Correlation int
	Requeued    int
}

type Sweeper struct {
	opts Options
	log  *zap.Logger
	rec  metrics.Recorder
}

// New returns a sweeper. Nil jobs are skipped.
func New(opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Sweeper{opts: opts, log: obslog.Or(opts.Logger), rec: metrics.Or(opts.Metrics)}
}

// Once runs every job a single time. A failing job does not stop the others;
// their errors are joined.
func (s *Sweeper) Once(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	if s.opts.Records != nil {
		n, err := s.opts.Records.DeleteExpiredUnconfirmed(ctx, s.opts.Clock.Now())
		if err != nil {
			errs = append(errs, err)
			s.log.Warn("sweep_records_failed", zap.Error(err))
		}
		rep.Records = n
		s.rec.RecordSweep("records", int(n))
	}
	if s.opts.Correlation != nil {
		n, err := s.opts.Correlation.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
			s.log.Warn("sweep_correlation_failed", zap.Error(err))
		}
		rep.Correlation = n
		s.rec.RecordSweep("correlation", n)
	}
	if s.opts.Queue != nil {
		n, err := s.opts.Queue.Requeue(ctx)
		if err != nil {
			errs = append(errs, err)
			s.log.Warn("sweep_requeue_failed", zap.Error(err))
		}
		rep.Requeued = n
		s.rec.RecordSweep("requeue", n)
	}
	if rep.Records > 0 || rep.Correlation > 0 || rep.Requeued > 0 {
		s.log.Info("sweep_done",
			zap.Int64("records", rep.Records),
			zap.Int("correlation", rep.Correlation),
			zap.Int("requeued", rep.Requeued))
	}
	return rep, errors.Join(errs...)
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = s.Once(ctx)
		}
	}
}
