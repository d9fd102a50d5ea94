package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
)

type QueueOptions struct {
	Outbound     string
	Inbound      string
	Wait         time.Duration
	Batch        int
	PollInterval time.Duration
	Visibility   time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Queue is a polling point-to-point carrier on Redis lists. A receive moves
// messages into a processing list and records a visibility deadline; Ack
// removes them, Requeue returns unacknowledged ones whose deadline passed.
//
// Keys per queue name q: q (pending), q:processing, q:inflight (zset of
// deadlines in unix ms).
type Queue struct {
	rdb  *redis.Client
	opts QueueOptions
	log  *zap.Logger

	pollMu   sync.Mutex
	inflight sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ Transport = (*Queue)(nil)

// Delivery is one received message awaiting Ack.
type Delivery struct {
	Raw        []byte
	ReceivedAt time.Time
}

// requeueScript moves an expired in-flight message back to the pending list
// only if it is still in the processing list, so a racing Ack wins.
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if removed > 0 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return removed
`)

func NewQueue(rdb *redis.Client, opts QueueOptions) *Queue {
	if opts.Wait <= 0 {
		opts.Wait = 20 * time.Second
	}
	if opts.Batch <= 0 || opts.Batch > 10 {
		opts.Batch = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Queue{
		rdb:    rdb,
		opts:   opts,
		log:    obslog.Or(opts.Logger).With(zap.String("transport", "queue")),
		stopCh: make(chan struct{}),
	}
}

func (q *Queue) Name() string { return "queue" }

func processingKey(name string) string { return strings.TrimSpace(name) + ":processing" }
func inflightKey(name string) string   { return strings.TrimSpace(name) + ":inflight" }

// Send appends env to the outbound list.
func (q *Queue) Send(ctx context.Context, env *envelope.Envelope) error {
	if q.isStopping() {
		return ErrClosed
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.opts.Outbound, raw).Err()
}

// Receive long-polls the inbound list for up to Wait and returns at most
// Batch messages. An empty result with nil error means the wait elapsed.
func (q *Queue) Receive(ctx context.Context) ([]Delivery, error) {
	pending, processing := q.opts.Inbound, processingKey(q.opts.Inbound)

	first, err := q.rdb.BLMove(ctx, pending, processing, "RIGHT", "LEFT", q.opts.Wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raws := []string{first}
	for len(raws) < q.opts.Batch {
		next, err := q.rdb.LMove(ctx, pending, processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			q.log.Warn("queue_batch_move_error", zap.Error(err))
			break
		}
		raws = append(raws, next)
	}

	now := q.opts.Clock.Now()
	deadline := float64(now.Add(q.opts.Visibility).UnixMilli())
	members := make([]redis.Z, 0, len(raws))
	out := make([]Delivery, 0, len(raws))
	for _, r := range raws {
		members = append(members, redis.Z{Score: deadline, Member: r})
		out = append(out, Delivery{Raw: []byte(r), ReceivedAt: now})
	}
	if err := q.rdb.ZAdd(ctx, inflightKey(q.opts.Inbound), members...).Err(); err != nil {
		// Messages stay in the processing list; Requeue adopts them.
		q.log.Warn("queue_inflight_record_error", zap.Error(err))
	}
	return out, nil
}

// Ack deletes a delivered message for good.
func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(q.opts.Inbound), 1, d.Raw)
	pipe.ZRem(ctx, inflightKey(q.opts.Inbound), d.Raw)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue returns messages whose visibility deadline has passed to the
// pending list and reports how many moved. Processing entries without a
// deadline (a crash between move and record) get one.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	pending, processing, inflight := q.opts.Inbound, processingKey(q.opts.Inbound), inflightKey(q.opts.Inbound)
	now := q.opts.Clock.Now()

	items, err := q.rdb.LRange(ctx, processing, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, raw := range items {
		score, err := q.rdb.ZScore(ctx, inflight, raw).Result()
		if errors.Is(err, redis.Nil) {
			_ = q.rdb.ZAddNX(ctx, inflight, redis.Z{Score: float64(now.Add(q.opts.Visibility).UnixMilli()), Member: raw}).Err()
			continue
		}
		if err != nil {
			return moved, err
		}
		if int64(score) > now.UnixMilli() {
			continue
		}
		n, err := requeueScript.Run(ctx, q.rdb, []string{processing, pending, inflight}, raw).Int()
		if err != nil {
			return moved, err
		}
		if n > 0 {
			moved++
			q.log.Info("queue_redeliver", zap.Int("bytes", len(raw)))
		}
	}
	return moved, nil
}

// PollOnce runs one receive and hands every message to h, acknowledging the
// ones h accepted. Overlapping calls return ErrPollInProgress.
func (q *Queue) PollOnce(ctx context.Context, h Handler) (int, error) {
	if !q.pollMu.TryLock() {
		return 0, ErrPollInProgress
	}
	defer q.pollMu.Unlock()

	deliveries, err := q.Receive(ctx)
	if err != nil {
		return 0, err
	}
	// Handlers finish even if intake is cancelled mid-batch.
	hctx := context.WithoutCancel(ctx)
	handled := 0
	for _, d := range deliveries {
		q.inflight.Add(1)
		herr := q.safeHandle(hctx, h, d.Raw)
		if herr != nil {
			q.log.Warn("queue_handler_error", zap.Error(herr), zap.Int("bytes", len(d.Raw)))
			q.inflight.Done()
			continue
		}
		if aerr := q.Ack(hctx, d); aerr != nil {
			q.log.Warn("queue_ack_error", zap.Error(aerr))
		}
		handled++
		q.inflight.Done()
	}
	return handled, nil
}

func (q *Queue) safeHandle(ctx context.Context, h Handler, raw []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("handler panic")
			q.log.Error("queue_handler_panic", zap.Any("panic", rec))
		}
	}()
	return h(ctx, raw)
}

// Consume polls on PollInterval until ctx is done or Close is called. A poll
// that outlasts the interval delays the next one; polls never overlap.
func (q *Queue) Consume(ctx context.Context, h Handler) error {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := q.PollOnce(pollCtx, h); err != nil && pollCtx.Err() == nil {
			q.log.Warn("queue_poll_error", zap.Error(err))
		}
		select {
		case <-q.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops intake and waits for in-flight handlers. The Redis client is
// owned by the caller.
func (q *Queue) Close(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	return waitGroupTimeout(ctx, q.inflight.Wait)
}

func (q *Queue) isStopping() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}
