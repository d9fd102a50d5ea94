package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/park285/mc-authbridge/internal/envelope"
)

// newGamePlugin starts a websocket peer that pushes greeting once connected
// and forwards every frame it reads to got.
func newGamePlugin(t *testing.T, greeting string, got chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if greeting != "" {
			if err := c.Write(ctx, websocket.MessageText, []byte(greeting)); err != nil {
				return
			}
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			got <- string(data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSGatewayRoundTrip(t *testing.T) {
	fromWeb := make(chan string, 1)
	srv := newGamePlugin(t, `{"type":"mc_web_server_info","source":"game"}`, fromWeb)

	g := NewWSGateway(WSOptions{
		URL:     wsURL(srv),
		Headers: func() map[string]string { return map[string]string{"X-API-Key": "k1"} },
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = g.Close(ctx)
	}()

	fromGame := make(chan string, 1)
	go func() {
		_ = g.Consume(context.Background(), func(_ context.Context, raw []byte) error {
			fromGame <- string(raw)
			return nil
		})
	}()

	select {
	case raw := <-fromGame:
		if !strings.Contains(raw, "mc_web_server_info") {
			t.Fatalf("unexpected inbound frame %s", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no inbound frame")
	}
	if g.State() != WSStateConnected {
		t.Fatalf("state = %s", g.State())
	}

	env, _ := envelope.New(envelope.TypeAuthConfirm, envelope.SourceWeb, envelope.AuthConfirmData{PlayerName: "Steve", PlayerUUID: "u1"})
	if err := g.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case raw := <-fromWeb:
		parsed, err := envelope.Parse([]byte(raw))
		if err != nil || parsed.ID != env.ID {
			t.Fatalf("unexpected outbound frame %s (%v)", raw, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("game side did not receive frame")
	}
}

func TestWSGatewaySendBeforeConnect(t *testing.T) {
	g := NewWSGateway(WSOptions{URL: "ws://127.0.0.1:1"})
	defer func() { _ = g.Close(context.Background()) }()
	if err := g.Send(context.Background(), &envelope.Envelope{Type: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestWSGatewayConnectRejected(t *testing.T) {
	srv := newGamePlugin(t, "", make(chan string, 1))
	g := NewWSGateway(WSOptions{URL: wsURL(srv)})
	defer func() { _ = g.Close(context.Background()) }()
	if err := g.Connect(context.Background()); err == nil {
		t.Fatalf("expected handshake failure without api key")
	}
	if g.State() != WSStateFailed {
		t.Fatalf("state = %s, want failed", g.State())
	}
}
