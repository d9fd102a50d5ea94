package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/mc-authbridge/internal/envelope"
)

func TestHTTPGatewaySendPostsEnvelope(t *testing.T) {
	var gotKey, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL+"/", WithAPIKey("k1"))
	env, _ := envelope.New(envelope.TypeCommand, envelope.SourceWeb, envelope.CommandData{CommandType: envelope.CommandTeleport, PlayerName: "Steve"})
	if err := g.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotKey != "k1" || gotPath != "/bridge/messages" {
		t.Fatalf("key=%q path=%q", gotKey, gotPath)
	}
	parsed, err := envelope.Parse(gotBody)
	if err != nil || parsed.Type != envelope.TypeCommand {
		t.Fatalf("unexpected body %s (%v)", gotBody, err)
	}
}

func TestHTTPGatewayRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, WithHTTPRetry(3))
	if err := g.Send(context.Background(), &envelope.Envelope{Type: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestHTTPGatewayDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, WithHTTPRetry(3))
	if err := g.Send(context.Background(), &envelope.Envelope{Type: "x"}); err == nil {
		t.Fatalf("expected error on 401")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
}

func TestHTTPGatewayConsumeAndClose(t *testing.T) {
	g := NewHTTPGateway("http://127.0.0.1:1")
	done := make(chan error, 1)
	go func() { done <- g.Consume(context.Background(), nil) }()
	_ = g.Close(context.Background())
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Consume did not return")
	}
	if err := g.Send(context.Background(), &envelope.Envelope{Type: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
