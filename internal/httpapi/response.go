package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/apperr"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Success           bool   `json:"success"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the status table. Internal details are logged,
// never written.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal(err)
	}
	status := apperr.HTTPStatus(e)
	body := errorBody{Code: string(e.Kind), Message: e.Message}

	switch e.Kind {
	case apperr.KindInternal:
		body.Message = a.msgs.Text("server.internal", nil)
	case apperr.KindRateLimit:
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("http_error", zap.String("path", r.URL.Path), zap.String("kind", string(e.Kind)), zap.Error(err))
	} else {
		a.log.Info("http_rejected", zap.String("path", r.URL.Path), zap.String("kind", string(e.Kind)), zap.Error(err))
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v. Empty or malformed bodies are validation
// errors.
func (a *API) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation(a.msgs.Text("request.malformed", nil))
	}
	return nil
}

func (a *API) required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.Validation(a.msgs.Text("request.missing_field", map[string]any{"Field": field}))
	}
	return nil
}
