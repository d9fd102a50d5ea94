package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/envelope"
)

const (
	sseWriteWait = 10 * time.Second
	// scopeRefresh bounds how often a stream re-reads its owner's players.
	scopeRefresh = time.Second
)

// streamScope decides which envelopes a web user may see: server-wide ones,
// and those about players the user has linked or reserved.
type streamScope struct {
	players  PlayerLister
	webUser  string
	owned    map[string]struct{}
	loadedAt time.Time
	log      *zap.Logger
}

func (s *streamScope) load(ctx context.Context) {
	s.loadedAt = time.Now()
	if s.players == nil {
		return
	}
	recs, err := s.players.ListByWebUser(ctx, s.webUser)
	if err != nil {
		s.log.Warn("sse_scope_load_failed", zap.String("web_user", s.webUser), zap.Error(err))
		return
	}
	owned := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		owned[strings.ToLower(r.PlayerID)] = struct{}{}
	}
	s.owned = owned
}

func (s *streamScope) allows(ctx context.Context, env *envelope.Envelope) bool {
	player := strings.ToLower(env.Player())
	if player == "" {
		return env.Type != envelope.TypeAuthToken
	}
	if _, ok := s.owned[player]; ok {
		return true
	}
	if time.Since(s.loadedAt) < scopeRefresh {
		return false
	}
	s.load(ctx)
	_, ok := s.owned[player]
	return ok
}

// messages streams routed game envelopes to the caller as server-sent
// events. The event name is the envelope type; the data is the envelope.
// Envelopes about another user's players are not streamed.
func (a *API) messages(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	uid, _ := webUserFrom(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := a.bus.Subscribe()
	defer sub.Close()
	a.log.Info("sse_connected", zap.String("web_user", uid), zap.Int("subscribers", a.bus.Len()))
	defer a.log.Info("sse_disconnected", zap.String("web_user", uid))

	scope := &streamScope{players: a.players, webUser: uid, log: a.log}
	scope.load(r.Context())

	rc := http.NewResponseController(w)
	write := func(p []byte) bool {
		_ = rc.SetWriteDeadline(time.Now().Add(sseWriteWait))
		if _, err := w.Write(p); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !write([]byte("event: connected\ndata: {\"status\":\"connected\"}\n\n")) {
		return
	}

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if !scope.allows(r.Context(), env) {
				continue
			}
			body, err := env.Encode()
			if err != nil {
				a.log.Warn("sse_encode_failed", zap.String("type", env.Type), zap.Error(err))
				continue
			}
			if !write([]byte(fmt.Sprintf("event: %s\ndata: %s\n\n", env.Type, body))) {
				return
			}
		case <-ticker.C:
			if !write([]byte(": heartbeat\n\n")) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
