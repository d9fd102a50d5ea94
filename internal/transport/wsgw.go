package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/mc-authbridge/internal/envelope"
	"github.com/park285/mc-authbridge/internal/obslog"
)

type WSState string

const (
	WSStateDisconnected WSState = "disconnected"
	WSStateConnecting   WSState = "connecting"
	WSStateConnected    WSState = "connected"
	WSStateReconnecting WSState = "reconnecting"
	WSStateFailed       WSState = "failed"
)

type WSOptions struct {
	URL                  string
	Headers              HeaderProvider
	MaxReconnectAttempts int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	Logger               *zap.Logger
}

// WSGateway keeps one websocket to the game plugin. Outbound envelopes are
// written as text frames; inbound frames go to the handler given to Consume.
type WSGateway struct {
	opts WSOptions
	log  *zap.Logger

	conn   *websocket.Conn
	state  WSState
	stateM sync.RWMutex
	// nhooyr allows one concurrent writer.
	writeM sync.Mutex

	handler  Handler
	handlerM sync.RWMutex
	inflight sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

var _ Transport = (*WSGateway)(nil)

func NewWSGateway(opts WSOptions) *WSGateway {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &WSGateway{
		opts:       opts,
		log:        obslog.Or(opts.Logger).With(zap.String("transport", "ws")),
		state:      WSStateDisconnected,
		stopCh:     make(chan struct{}),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

func (g *WSGateway) Name() string { return "ws" }

func (g *WSGateway) State() WSState {
	g.stateM.RLock()
	defer g.stateM.RUnlock()
	return g.state
}

// Connect dials once; on failure a background reconnect is scheduled.
func (g *WSGateway) Connect(ctx context.Context) error {
	g.stateM.Lock()
	if g.state == WSStateConnected || g.state == WSStateConnecting {
		g.stateM.Unlock()
		return nil
	}
	g.state = WSStateConnecting
	g.stateM.Unlock()

	conn, err := g.dial(ctx)
	if err != nil {
		g.setState(WSStateFailed)
		g.scheduleReconnect()
		return err
	}
	g.attach(conn)
	return nil
}

func (g *WSGateway) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, g.opts.URL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      g.buildHeaders(),
	})
	return conn, err
}

func (g *WSGateway) attach(conn *websocket.Conn) {
	g.stateM.Lock()
	g.conn = conn
	g.state = WSStateConnected
	g.stateM.Unlock()
	g.log.Info("ws_connected", zap.String("url", g.opts.URL))

	g.wg.Add(2)
	go g.listen(conn)
	go g.pingLoop(conn)
}

func (g *WSGateway) current() *websocket.Conn {
	g.stateM.RLock()
	defer g.stateM.RUnlock()
	if g.state != WSStateConnected {
		return nil
	}
	return g.conn
}

func (g *WSGateway) Send(ctx context.Context, env *envelope.Envelope) error {
	if g.isStopping() {
		return ErrClosed
	}
	conn := g.current()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, g.opts.WriteTimeout)
		defer cancel()
	}
	g.writeM.Lock()
	defer g.writeM.Unlock()
	return conn.Write(wctx, websocket.MessageText, raw)
}

// Consume connects if needed and feeds inbound frames to h until ctx is done
// or the gateway is closed. Frames arriving with no handler are dropped.
func (g *WSGateway) Consume(ctx context.Context, h Handler) error {
	g.handlerM.Lock()
	g.handler = h
	g.handlerM.Unlock()
	defer func() {
		g.handlerM.Lock()
		g.handler = nil
		g.handlerM.Unlock()
	}()

	if err := g.Connect(ctx); err != nil {
		g.log.Warn("ws_connect_failed", zap.Error(err))
	}
	select {
	case <-g.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *WSGateway) listen(conn *websocket.Conn) {
	defer g.wg.Done()
	for {
		_, data, err := conn.Read(g.rootCtx)
		if err != nil {
			if g.isStopping() {
				return
			}
			g.log.Warn("ws_read_error", zap.Error(err))
			g.dropConn(conn, "reconnect")
			g.scheduleReconnect()
			return
		}
		g.handlerM.RLock()
		h := g.handler
		g.handlerM.RUnlock()
		if h == nil {
			continue
		}
		g.inflight.Add(1)
		func() {
			defer g.inflight.Done()
			defer func() {
				if rec := recover(); rec != nil {
					g.log.Error("ws_handler_panic", zap.Any("panic", rec))
				}
			}()
			if err := h(g.rootCtx, data); err != nil {
				g.log.Warn("ws_message_lost", zap.Error(err))
			}
		}()
	}
}

func (g *WSGateway) pingLoop(conn *websocket.Conn) {
	defer g.wg.Done()
	t := time.NewTicker(g.opts.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-g.stopCh:
			return
		case <-t.C:
			if g.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(g.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if g.isStopping() {
					return
				}
				g.dropConn(conn, "ping failure")
				g.scheduleReconnect()
				return
			}
		}
	}
}

func (g *WSGateway) scheduleReconnect() {
	if g.opts.MaxReconnectAttempts <= 0 || g.isStopping() {
		return
	}
	g.stateM.Lock()
	if g.state == WSStateReconnecting || g.state == WSStateConnected {
		g.stateM.Unlock()
		return
	}
	g.state = WSStateReconnecting
	g.stateM.Unlock()

	go func() {
		for attempt := 1; attempt <= g.opts.MaxReconnectAttempts; attempt++ {
			select {
			case <-g.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			conn, err := g.dial(g.rootCtx)
			if err != nil {
				g.log.Debug("ws_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			g.attach(conn)
			return
		}
		g.setState(WSStateFailed)
		g.log.Warn("ws_reconnect_exhausted", zap.Int("attempts", g.opts.MaxReconnectAttempts))
	}()
}

func (g *WSGateway) dropConn(conn *websocket.Conn, reason string) {
	g.stateM.Lock()
	if g.conn == conn {
		g.conn = nil
		g.state = WSStateDisconnected
	}
	g.stateM.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
}

func (g *WSGateway) setState(s WSState) {
	g.stateM.Lock()
	g.state = s
	g.stateM.Unlock()
}

// Close stops reconnects, closes the socket and waits for the read and ping
// loops plus any running handler.
func (g *WSGateway) Close(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.stateM.Lock()
	conn := g.conn
	g.conn = nil
	g.state = WSStateDisconnected
	g.stateM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	err := waitGroupTimeout(ctx, func() {
		g.inflight.Wait()
		g.wg.Wait()
	})
	g.rootCancel()
	return err
}

func (g *WSGateway) isStopping() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

func (g *WSGateway) buildHeaders() http.Header {
	hdr := http.Header{}
	if g.opts.Headers == nil {
		return hdr
	}
	for k, v := range g.opts.Headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
