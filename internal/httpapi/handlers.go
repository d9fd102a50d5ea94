package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/park285/mc-authbridge/internal/apperr"
	"github.com/park285/mc-authbridge/internal/dispatch"
	"github.com/park285/mc-authbridge/internal/linking"
	"github.com/park285/mc-authbridge/internal/transport"
)

type tokenRequest struct {
	Token string `json:"token"`
}

// POST /mc/session
func (a *API) session(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		a.writeError(w, r, apperr.Validation(a.msgs.Text("token.missing", nil)))
		return
	}
	res, err := a.flows.Session(r.Context(), req.Token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"sessionToken": res.SessionToken,
		"playerName":   res.Player,
		"expiresAt":    res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// POST /mc/send-otp
//
// Blocks until the game side answers or the correlation wait runs out. A
// timeout is a 200 with result "timeout", distinct from a rejection.
func (a *API) sendOTP(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		a.writeError(w, r, apperr.Validation(a.msgs.Text("token.missing", nil)))
		return
	}
	res, err := a.flows.SendOTP(r.Context(), req.Token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    res.Success,
		"result":     res.Result,
		"message":    res.Message,
		"playerName": res.Player,
		"expiresAt":  res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// POST /mc/auth
func (a *API) auth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionToken string `json:"sessionToken"`
		OTP          string `json:"otp"`
	}
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.required("sessionToken", req.SessionToken); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.flows.Auth(r.Context(), req.SessionToken, req.OTP)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"playerName": res.Player,
		"confirmed":  res.Confirmed,
		"linked":     res.Linked,
		"notified":   res.Notified,
	})
}

// POST /mc/verify-otp (web session)
func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request) {
	uid, _ := webUserFrom(r.Context())
	var req struct {
		OTP string `json:"otp"`
	}
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.required("otp", req.OTP); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.flows.VerifyOTP(r.Context(), uid, req.OTP)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"playerName": res.Player,
		"linked":     res.Linked,
		"notified":   res.Notified,
	})
}

// POST /mc/link-account (web session)
func (a *API) linkAccount(w http.ResponseWriter, r *http.Request) {
	uid, _ := webUserFrom(r.Context())
	var req tokenRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		a.writeError(w, r, apperr.Validation(a.msgs.Text("token.missing", nil)))
		return
	}
	res, err := a.flows.LinkAccount(r.Context(), uid, req.Token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"playerName": res.Player,
		"state":      res.State,
		"otpSent":    res.OTPSent,
		"notified":   res.Notified,
		"message":    res.Message,
	})
}

// POST /mc/create-account
func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionToken string `json:"sessionToken"`
		Username     string `json:"username"`
		Email        string `json:"email"`
		Password     string `json:"password"`
	}
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	for _, f := range []struct{ name, value string }{
		{"sessionToken", req.SessionToken},
		{"username", req.Username},
		{"email", req.Email},
		{"password", req.Password},
	} {
		if err := a.required(f.name, f.value); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	res, err := a.flows.CreateAccount(r.Context(), linking.CreateAccountRequest{
		SessionToken: req.SessionToken,
		Username:     req.Username,
		Email:        req.Email,
		Password:     req.Password,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"webUserId":        res.WebUserID,
		"webSessionToken":  res.WebSessionToken,
		"sessionExpiresAt": res.SessionExpiresAt.UTC().Format(time.RFC3339),
		"playerName":       res.Player,
		"state":            res.State,
		"notified":         res.Notified,
		"message":          res.Message,
	})
}

// GET /mc/status?token= or with a web session.
func (a *API) status(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	uid := ""
	if raw := bearer(r); raw != "" {
		id, err := a.verifySession(raw)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		uid = id
	}
	res, err := a.flows.Status(r.Context(), uid, token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"playerName": res.Player,
		"state":      res.State,
		"webUserId":  res.WebUserID,
	})
}

const (
	kindCommand       = "command"
	kindPlayerRequest = "player_request"
)

// POST /send-to-mc (web session)
func (a *API) sendToMC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind        string         `json:"kind"`
		CommandType string         `json:"commandType"`
		RequestType string         `json:"requestType"`
		PlayerName  string         `json:"playerName"`
		Data        map[string]any `json:"data"`
	}
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		if req.RequestType != "" {
			kind = kindPlayerRequest
		} else {
			kind = kindCommand
		}
	}

	var (
		res  transport.Result
		err  error
		name string
	)
	switch kind {
	case kindCommand:
		name = req.CommandType
		res, err = a.commands.Command(r.Context(), req.CommandType, req.PlayerName, req.Data)
	case kindPlayerRequest:
		name = req.RequestType
		res, err = a.commands.PlayerRequest(r.Context(), req.RequestType, req.PlayerName, req.Data)
	default:
		a.writeError(w, r, apperr.Validation(a.msgs.Text("request.malformed", nil)))
		return
	}
	if err != nil {
		a.writeError(w, r, a.dispatchErr(err, name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"transport": res.Transport,
		"fellBack":  res.FellBack,
	})
}

func (a *API) dispatchErr(err error, typ string) error {
	switch {
	case errors.Is(err, dispatch.ErrUnknownCommand):
		return apperr.Validation(a.msgs.Text("request.unknown_command", map[string]any{"Type": typ}))
	case errors.Is(err, dispatch.ErrUnknownRequest):
		return apperr.Validation(a.msgs.Text("request.unknown_request", map[string]any{"Type": typ}))
	case errors.Is(err, dispatch.ErrMissingPlayer):
		return apperr.Validation(a.msgs.Text("request.missing_field", map[string]any{"Field": "playerName"}))
	default:
		return apperr.Transport(a.msgs.Text("server.transport", nil), err)
	}
}

// GET /healthz
func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.log.Warn("health_check_failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
