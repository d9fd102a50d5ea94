package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Auth("expired", nil), http.StatusUnauthorized},
		{NotFound("missing", nil), http.StatusNotFound},
		{Conflict("taken", nil), http.StatusConflict},
		{RateLimited("slow down", time.Second), http.StatusTooManyRequests},
		{Transport("down", errors.New("dial")), http.StatusInternalServerError},
		{errors.New("raw"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWrappedErrorKeepsKind(t *testing.T) {
	base := RateLimited("wait", 12*time.Second)
	wrapped := fmt.Errorf("send otp: %w", base)
	e, ok := As(wrapped)
	if !ok || e.Kind != KindRateLimit || e.RetryAfter != 12*time.Second {
		t.Fatalf("unexpected unwrap: %+v ok=%v", e, ok)
	}
	cause := errors.New("boom")
	if !errors.Is(Transport("x", cause), cause) {
		t.Fatalf("Transport error should unwrap to its cause")
	}
}
