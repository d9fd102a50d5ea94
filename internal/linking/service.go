package linking

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/park285/mc-authbridge/internal/apperr"
	"github.com/park285/mc-authbridge/internal/authtoken"
	"github.com/park285/mc-authbridge/internal/clock"
	"github.com/park285/mc-authbridge/internal/correlation"
	"github.com/park285/mc-authbridge/internal/domain"
	"github.com/park285/mc-authbridge/internal/metrics"
	"github.com/park285/mc-authbridge/internal/msgcat"
	"github.com/park285/mc-authbridge/internal/obslog"
	"github.com/park285/mc-authbridge/internal/otp"
	"github.com/park285/mc-authbridge/internal/store"
	"github.com/park285/mc-authbridge/internal/transport"
)

// Notifier sends web-to-game notices. *dispatch.Dispatcher implements it.
type Notifier interface {
	AuthConfirm(ctx context.Context, rec *domain.PlayerAuthRecord) (transport.Result, error)
	AccountLink(ctx context.Context, rec *domain.PlayerAuthRecord, webUserID string) (transport.Result, error)
	OTP(ctx context.Context, rec *domain.PlayerAuthRecord, code string) (transport.Result, error)
}

// Send-OTP outcomes.
const (
	ResultDelivered = "delivered"
	ResultRejected  = "rejected"
	ResultTimeout   = "timeout"
)

type Options struct {
	Store           store.Store
	Tokens          *authtoken.Manager
	Signer          *authtoken.Signer
	OTP             *otp.Manager
	Correlation     correlation.Cache
	Notifier        Notifier
	Catalog         *msgcat.Catalog
	Clock           clock.Clock
	Metrics         metrics.Recorder
	Logger          *zap.Logger
	CorrelationWait time.Duration
	CorrelationPoll time.Duration
	// PasswordCost defaults to bcrypt.DefaultCost.
	PasswordCost int
}

type Service struct {
	store    store.Store
	tokens   *authtoken.Manager
	signer   *authtoken.Signer
	otp      *otp.Manager
	corr     correlation.Cache
	notify   Notifier
	msgs     *msgcat.Catalog
	recon    *Reconciler
	clk      clock.Clock
	metrics  metrics.Recorder
	log      *zap.Logger
	wait     time.Duration
	poll     time.Duration
	passCost int
}

func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Catalog == nil {
		opts.Catalog = msgcat.MustDefault()
	}
	if opts.CorrelationWait <= 0 {
		opts.CorrelationWait = 30 * time.Second
	}
	if opts.CorrelationPoll <= 0 {
		opts.CorrelationPoll = time.Second
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.DefaultCost
	}
	log := obslog.Or(opts.Logger)
	return &Service{
		store:    opts.Store,
		tokens:   opts.Tokens,
		signer:   opts.Signer,
		otp:      opts.OTP,
		corr:     opts.Correlation,
		notify:   opts.Notifier,
		msgs:     opts.Catalog,
		recon:    NewReconciler(opts.Store, opts.Clock, log),
		clk:      opts.Clock,
		metrics:  metrics.Or(opts.Metrics),
		log:      log,
		wait:     opts.CorrelationWait,
		poll:     opts.CorrelationPoll,
		passCost: opts.PasswordCost,
	}
}

type SessionResult struct {
	SessionToken string
	Player       string
	ExpiresAt    time.Time
}

type SendOTPResult struct {
	Player    string
	Result    string
	Success   bool
	Message   string
	ExpiresAt time.Time
}

type AuthResult struct {
	Player    string
	Confirmed bool
	Linked    bool
	Notified  bool
}

type VerifyResult struct {
	Player   string
	Linked   bool
	Notified bool
}

type LinkResult struct {
	Player   string
	State    domain.LinkState
	OTPSent  bool
	Notified bool
	Message  string
}

type CreateAccountRequest struct {
	SessionToken string
	Username     string
	Email        string
	Password     string
}

type CreateAccountResult struct {
	WebUserID        string
	WebSessionToken  string
	SessionExpiresAt time.Time
	Player           string
	State            domain.LinkState
	Notified         bool
	Message          string
}

type StatusResult struct {
	Player    string
	State     domain.LinkState
	WebUserID string
}

// Session exchanges the in-game bearer token for a signed player session.
func (s *Service) Session(ctx context.Context, token string) (*SessionResult, error) {
	rec, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return nil, s.tokenErr(err)
	}
	sess, exp, err := s.signer.PlayerSession(rec)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &SessionResult{SessionToken: sess, Player: rec.PlayerID, ExpiresAt: exp}, nil
}

// SendOTP issues a code, hands it to the game side and waits for the game
// to say whether it reached the player. A missing answer is reported as
// ResultTimeout; the code stays valid either way.
func (s *Service) SendOTP(ctx context.Context, token string) (*SendOTPResult, error) {
	rec, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return nil, s.tokenErr(err)
	}
	code, exp, err := s.issue(ctx, rec)
	if err != nil {
		return nil, err
	}

	key := rec.CorrelationKey()
	// An answer left over from an earlier request must not satisfy this one.
	if _, _, err := s.corr.TakeIfPresent(ctx, key); err != nil {
		s.log.Warn("correlation_clear_failed", zap.String("player", rec.PlayerID), zap.Error(err))
	}
	if _, err := s.notify.OTP(ctx, rec, code); err != nil {
		return nil, apperr.Transport(s.msgs.Text("otp.dispatch_failed", nil), err)
	}

	start := time.Now()
	entry, err := correlation.WaitFor(ctx, s.corr, key, s.wait, s.poll)
	out := &SendOTPResult{Player: rec.PlayerID, ExpiresAt: exp}
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		s.metrics.RecordCorrelationWait(ResultTimeout, time.Since(start))
		s.log.Warn("otp_reply_timeout", zap.String("player", rec.PlayerID), zap.Duration("waited", s.wait))
		out.Result = ResultTimeout
		out.Message = s.msgs.Text("otp.timeout", nil)
		return out, nil
	case err != nil:
		return nil, err
	case entry.Success:
		s.metrics.RecordCorrelationWait(ResultDelivered, time.Since(start))
		out.Result, out.Success = ResultDelivered, true
		out.Message = s.msgs.Text("otp.delivered", map[string]any{"Player": rec.PlayerID})
	default:
		s.metrics.RecordCorrelationWait(ResultRejected, time.Since(start))
		out.Result = ResultRejected
		out.Message = s.msgs.Text("otp.rejected", map[string]any{"Message": entry.Message})
	}
	return out, nil
}

// Auth confirms the player behind a signed session once the code matches.
// A record reserved by a web user becomes linked at the same time.
func (s *Service) Auth(ctx context.Context, sessionToken, code string) (*AuthResult, error) {
	rec, err := s.signer.VerifyPlayerSession(ctx, sessionToken)
	if err != nil {
		return nil, s.sessionErr(err)
	}
	if rec.Confirmed {
		return &AuthResult{Player: rec.PlayerID, Confirmed: true, Linked: rec.WebUserID != nil}, nil
	}
	if err := s.verifyCode(ctx, rec, code); err != nil {
		return nil, err
	}
	if _, err := s.recon.Confirm(ctx, rec); err != nil {
		return nil, s.linkErr(err)
	}
	rec, err = s.store.GetByPlayerID(ctx, rec.PlayerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	out := &AuthResult{Player: rec.PlayerID, Confirmed: true, Linked: rec.WebUserID != nil}
	out.Notified = s.sendNotice(ctx, "auth_confirm", rec, func(ctx context.Context) error {
		_, err := s.notify.AuthConfirm(ctx, rec)
		return err
	})
	if rec.WebUserID != nil {
		webUserID := *rec.WebUserID
		out.Notified = s.sendNotice(ctx, "account_link", rec, func(ctx context.Context) error {
			_, err := s.notify.AccountLink(ctx, rec, webUserID)
			return err
		}) && out.Notified
	}
	return out, nil
}

// VerifyOTP finishes the link the web user reserved earlier.
func (s *Service) VerifyOTP(ctx context.Context, webUserID, code string) (*VerifyResult, error) {
	rec, err := store.PendingFor(ctx, s.store, webUserID)
	if errors.Is(err, store.ErrNotFound) {
		if linked, lerr := store.ConfirmedFor(ctx, s.store, webUserID); lerr == nil {
			return &VerifyResult{Player: linked.PlayerID, Linked: true}, nil
		}
		return nil, apperr.NotFound(s.msgs.Text("link.none_pending", nil), err)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.verifyCode(ctx, rec, code); err != nil {
		return nil, err
	}
	if _, err := s.recon.Confirm(ctx, rec); err != nil {
		return nil, s.linkErr(err)
	}
	rec, err = s.store.GetByPlayerID(ctx, rec.PlayerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if _, err := s.recon.Link(ctx, rec, webUserID); err != nil {
		return nil, s.linkErr(err)
	}

	out := &VerifyResult{Player: rec.PlayerID, Linked: true}
	out.Notified = s.sendNotice(ctx, "auth_confirm", rec, func(ctx context.Context) error {
		_, err := s.notify.AuthConfirm(ctx, rec)
		return err
	})
	out.Notified = s.sendNotice(ctx, "account_link", rec, func(ctx context.Context) error {
		_, err := s.notify.AccountLink(ctx, rec, webUserID)
		return err
	}) && out.Notified
	return out, nil
}

// LinkAccount links a confirmed record straight away. An unconfirmed one is
// reserved for the web user and a code goes to the player; VerifyOTP
// completes it.
func (s *Service) LinkAccount(ctx context.Context, webUserID, token string) (*LinkResult, error) {
	rec, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return nil, s.tokenErr(err)
	}
	out, err := s.link(ctx, rec, webUserID)
	if err != nil {
		return nil, s.linkErr(err)
	}
	return out, nil
}

// link returns reconciler and store errors unmapped; OTP limits come back
// as *apperr.Error already.
func (s *Service) link(ctx context.Context, rec *domain.PlayerAuthRecord, webUserID string) (*LinkResult, error) {
	out := &LinkResult{Player: rec.PlayerID}
	vars := map[string]any{"Player": rec.PlayerID}

	if rec.Confirmed {
		changed, err := s.recon.Link(ctx, rec, webUserID)
		if err != nil {
			return nil, err
		}
		out.State = domain.StateLinked
		if !changed {
			out.Message = s.msgs.Text("link.already", vars)
			return out, nil
		}
		out.Message = s.msgs.Text("link.linked", vars)
		out.Notified = s.sendNotice(ctx, "account_link", rec, func(ctx context.Context) error {
			_, err := s.notify.AccountLink(ctx, rec, webUserID)
			return err
		})
		return out, nil
	}

	if err := s.recon.Reserve(ctx, rec, webUserID); err != nil {
		if !errors.Is(err, store.ErrAlreadyConfirmed) {
			return nil, err
		}
		// Confirmed in game since rec was read.
		fresh, gerr := s.store.GetByPlayerID(ctx, rec.PlayerID)
		if gerr != nil {
			return nil, gerr
		}
		if !fresh.Confirmed {
			return nil, err
		}
		return s.link(ctx, fresh, webUserID)
	}
	code, _, err := s.issue(ctx, rec)
	if err != nil {
		return nil, err
	}
	out.State = domain.StateOTPPending
	out.OTPSent = s.sendNotice(ctx, "otp", rec, func(ctx context.Context) error {
		_, err := s.notify.OTP(ctx, rec, code)
		return err
	})
	out.Notified = out.OTPSent
	if out.OTPSent {
		out.Message = s.msgs.Text("link.pending", vars)
	} else {
		out.Message = s.msgs.Text("otp.dispatch_failed", nil)
	}
	return out, nil
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

const minPasswordLen = 8

// CreateAccount registers a web user for the player behind a signed session
// and starts linking. Once the user row exists the call succeeds; later
// link or notification failures are logged and reported in the result.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResult, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)
	if !usernamePattern.MatchString(username) {
		return nil, apperr.Validation(s.msgs.Text("account.invalid_username", nil))
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, apperr.Validation(s.msgs.Text("account.invalid_email", nil))
	}
	if len(req.Password) < minPasswordLen {
		return nil, apperr.Validation(s.msgs.Text("account.weak_password", nil))
	}
	rec, err := s.signer.VerifyPlayerSession(ctx, req.SessionToken)
	if err != nil {
		return nil, s.sessionErr(err)
	}
	if rec.WebUserID != nil {
		return nil, apperr.Conflict(s.msgs.Text("link.conflict_player", nil), ErrPlayerTaken)
	}

	switch _, err := s.store.GetUserByUsername(ctx, username); {
	case err == nil:
		return nil, apperr.Conflict(s.msgs.Text("account.duplicate", nil), store.ErrDuplicateUser)
	case !errors.Is(err, store.ErrNotFound):
		return nil, apperr.Internal(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.passCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user := &domain.WebUser{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.clk.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			return nil, apperr.Conflict(s.msgs.Text("account.duplicate", nil), err)
		}
		return nil, apperr.Internal(err)
	}
	s.log.Info("account_created", zap.String("web_user", user.ID), zap.String("player", rec.PlayerID))

	sess, exp, err := s.signer.WebSession(user.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := &CreateAccountResult{
		WebUserID:        user.ID,
		WebSessionToken:  sess,
		SessionExpiresAt: exp,
		Player:           rec.PlayerID,
		State:            s.recon.State(rec),
		Message:          s.msgs.Text("account.created", map[string]any{"Username": username}),
	}
	linked, err := s.link(ctx, rec, user.ID)
	if err != nil {
		s.log.Warn("account_link_failed", zap.String("web_user", user.ID), zap.String("player", rec.PlayerID), zap.Error(err))
		out.Message = s.msgs.Text("account.notify_failed", nil)
		return out, nil
	}
	out.State = linked.State
	out.Notified = linked.Notified
	if !linked.Notified {
		out.Message = s.msgs.Text("account.notify_failed", nil)
	}
	return out, nil
}

// Status reports the link state for a bearer token, or for the web user's
// player when token is empty.
func (s *Service) Status(ctx context.Context, webUserID, token string) (*StatusResult, error) {
	var rec *domain.PlayerAuthRecord
	var err error
	switch {
	case strings.TrimSpace(token) != "":
		rec, err = s.tokens.Validate(ctx, token)
		if errors.Is(err, authtoken.ErrTokenExpired) {
			// Expired tokens still resolve to a record; report its state.
			rec, err = s.store.GetByToken(ctx, strings.TrimSpace(token))
		}
		if err != nil {
			return nil, s.tokenErr(err)
		}
	case webUserID != "":
		rec, err = store.ConfirmedFor(ctx, s.store, webUserID)
		if errors.Is(err, store.ErrNotFound) {
			rec, err = store.PendingFor(ctx, s.store, webUserID)
		}
		if errors.Is(err, store.ErrNotFound) {
			return &StatusResult{State: domain.StateUnlinked, WebUserID: webUserID}, nil
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}
	default:
		return nil, apperr.Validation(s.msgs.Text("request.missing_field", map[string]any{"Field": "token"}))
	}
	out := &StatusResult{Player: rec.PlayerID, State: s.recon.State(rec)}
	if rec.WebUserID != nil {
		out.WebUserID = *rec.WebUserID
	}
	return out, nil
}

func (s *Service) issue(ctx context.Context, rec *domain.PlayerAuthRecord) (string, time.Time, error) {
	code, exp, err := s.otp.Issue(ctx, rec)
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindRateLimit {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		return "", time.Time{}, apperr.RateLimited(s.msgs.Text("otp.rate_limited", map[string]any{"Seconds": secs}), e.RetryAfter)
	}
	if err != nil {
		return "", time.Time{}, apperr.Internal(err)
	}
	s.metrics.RecordOTPIssued()
	return code, exp, nil
}

func (s *Service) verifyCode(ctx context.Context, rec *domain.PlayerAuthRecord, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return apperr.Validation(s.msgs.Text("request.missing_field", map[string]any{"Field": "otp"}))
	}
	res, err := s.otp.Verify(ctx, rec, code)
	s.metrics.RecordOTPVerify(string(res))
	if err != nil {
		return apperr.Internal(err)
	}
	switch res {
	case otp.Success:
		return nil
	case otp.Mismatch:
		return apperr.Auth(s.msgs.Text("otp.mismatch", nil), nil)
	case otp.Expired:
		return apperr.Auth(s.msgs.Text("otp.expired", nil), nil)
	default:
		return apperr.Auth(s.msgs.Text("otp.not_set", nil), nil)
	}
}

// sendNotice runs a best-effort notification. The state change it reports
// is already stored, so failure is logged and returned as false.
func (s *Service) sendNotice(ctx context.Context, what string, rec *domain.PlayerAuthRecord, send func(context.Context) error) bool {
	if err := send(ctx); err != nil {
		s.log.Warn("notify_failed",
			zap.String("notice", what),
			zap.String("player", rec.PlayerID),
			zap.Error(err))
		return false
	}
	return true
}

func (s *Service) tokenErr(err error) error {
	switch {
	case errors.Is(err, authtoken.ErrTokenNotFound), errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(s.msgs.Text("token.not_found", nil), err)
	case errors.Is(err, authtoken.ErrTokenExpired):
		return apperr.Auth(s.msgs.Text("token.expired", nil), err)
	case errors.Is(err, authtoken.ErrTokenInvalid):
		return apperr.Auth(s.msgs.Text("token.invalid", nil), err)
	default:
		return apperr.Internal(err)
	}
}

func (s *Service) sessionErr(err error) error {
	switch {
	case errors.Is(err, authtoken.ErrTokenExpired):
		return apperr.Auth(s.msgs.Text("session.expired", nil), err)
	case errors.Is(err, authtoken.ErrTokenNotFound), errors.Is(err, authtoken.ErrTokenInvalid):
		return apperr.Auth(s.msgs.Text("session.invalid", nil), err)
	default:
		return apperr.Internal(err)
	}
}

func (s *Service) linkErr(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrPlayerTaken):
		return apperr.Conflict(s.msgs.Text("link.conflict_player", nil), err)
	case errors.Is(err, ErrUserTaken):
		return apperr.Conflict(s.msgs.Text("link.conflict_user", nil), err)
	case errors.Is(err, store.ErrNotConfirmed):
		return apperr.Validation(s.msgs.Text("link.not_confirmed", nil))
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(s.msgs.Text("token.not_found", nil), err)
	default:
		return apperr.Internal(err)
	}
}
