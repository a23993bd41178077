// Package hydrate decides once per process whether the persisted session can be trusted.
package hydrate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/and161185/shepherd/internal/authutil"
	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/metrics"
	"github.com/and161185/shepherd/internal/model"
	"go.uber.org/zap"
)

// Status is the hydration verdict.
type Status string

// Hydration statuses.
const (
	StatusAuthenticated  Status = "authenticated"
	StatusNoSession      Status = "no_session"
	StatusIntegrityError Status = "integrity_error"
)

// Defaults applied by New.
const (
	DefaultSettle         = 50 * time.Millisecond
	DefaultSessionTimeout = 30 * time.Minute
)

// Store is the persisted session. It is implemented by *storage.Session.
type Store interface {
	Tokens(ctx context.Context) (model.AuthTokens, bool, error)
	User(ctx context.Context) (model.AuthUser, bool, error)
	Meta(ctx context.Context) (model.SessionMeta, error)
	Clear(ctx context.Context) error
}

// RenewFunc exchanges the refresh token for new tokens.
type RenewFunc func(ctx context.Context) (model.AuthTokens, error)

// Config tunes hydration.
type Config struct {
	// Settle is waited before storage is read.
	Settle time.Duration
	// SessionTimeout ends sessions without activity for this long. Remember-me
	// sessions are exempt.
	SessionTimeout time.Duration
}

// Result is the outcome of hydration. Err explains negative statuses.
type Result struct {
	Status Status
	User   model.AuthUser
	Tokens model.AuthTokens
	Err    *errs.AuthError
}

// Authenticated reports whether the stored session was trusted.
func (r *Result) Authenticated() bool { return r != nil && r.Status == StatusAuthenticated }

// Option customises a Hydrator.
type Option func(*Hydrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(h *Hydrator) { h.log = l } }

// WithMetrics counts hydration results.
func WithMetrics(m *metrics.Metrics) Option { return func(h *Hydrator) { h.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(h *Hydrator) { h.now = now } }

// WithRenew lets hydration renew an access token whose claims have expired
// while the refresh token is still valid. A renewer returning a non-recoverable
// error is expected to have ended the session itself.
func WithRenew(fn RenewFunc) Option { return func(h *Hydrator) { h.renew = fn } }

// Hydrator runs hydration exactly once.
type Hydrator struct {
	store   Store
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	renew   RenewFunc

	once sync.Once
	done chan struct{}
	res  *Result
}

// New constructs a hydrator over store.
func New(store Store, cfg Config, opts ...Option) *Hydrator {
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	h := &Hydrator{store: store, cfg: cfg, now: time.Now, done: make(chan struct{})}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	return h
}

// Hydrate returns the hydration result, running it on first use. Concurrent
// callers share the run; a caller whose ctx ends stops waiting while the run completes.
func (h *Hydrator) Hydrate(ctx context.Context) (*Result, error) {
	h.once.Do(func() {
		detached := context.WithoutCancel(ctx)
		go func() {
			defer close(h.done)
			h.res = h.run(detached)
		}()
	})
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the finished result without waiting.
func (h *Hydrator) Result() (*Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return nil, false
	}
}

func (h *Hydrator) run(ctx context.Context) *Result {
	if h.cfg.Settle > 0 {
		time.Sleep(h.cfg.Settle)
	}
	res := h.evaluate(ctx)
	h.metrics.Hydration(string(res.Status))
	fields := []zap.Field{zap.String("status", string(res.Status))}
	if res.Err != nil {
		fields = append(fields, zap.String("code", string(res.Err.Code)), zap.String("reason", res.Err.Message))
	}
	h.log.Info("session hydrated", fields...)
	return res
}

func (h *Hydrator) evaluate(ctx context.Context) *Result {
	now := h.now()
	tokens, ok, err := h.store.Tokens(ctx)
	if err != nil {
		return h.reject(ctx, StatusIntegrityError, errs.Wrap(errs.CodeSessionIntegrity, err, false))
	}
	if !ok {
		return h.reject(ctx, StatusNoSession, nil)
	}
	user, hasUser, err := h.store.User(ctx)
	if err != nil {
		return h.reject(ctx, StatusIntegrityError, errs.Wrap(errs.CodeSessionIntegrity, err, false))
	}
	meta, err := h.store.Meta(ctx)
	if err != nil {
		return h.reject(ctx, StatusIntegrityError, errs.Wrap(errs.CodeSessionIntegrity, err, false))
	}

	if !meta.RememberMe && !meta.LastActivity.IsZero() && now.Sub(meta.LastActivity) > h.cfg.SessionTimeout {
		return h.reject(ctx, StatusNoSession, errs.Terminal(errs.CodeSessionTimeout, "no activity within the session timeout"))
	}
	// A missing refresh token counts as expired: the session could not outlive its access token.
	if !tokens.HasRefresh() {
		return h.reject(ctx, StatusNoSession, errs.Terminal(errs.CodeNoRefreshToken, "no refresh token stored"))
	}
	if authutil.IsRefreshTokenExpiredAt(tokens.RefreshExpiresAt, now) {
		return h.reject(ctx, StatusNoSession, errs.Terminal(errs.CodeRefreshTokenExpired, "refresh token expired"))
	}

	if problem := tokenProblem(tokens, now); problem != "" {
		renewed, ended, rerr := h.tryRenew(ctx, tokens, problem)
		if rerr != nil {
			reason := errs.Terminal(errs.CodeSessionIntegrity, problem)
			if ended {
				// The renewer has already cleared the store and redirected.
				h.log.Debug("session ended by renew", zap.String("code", string(errs.CodeOf(rerr))))
				return &Result{Status: StatusIntegrityError, Err: reason}
			}
			return h.reject(ctx, StatusIntegrityError, reason)
		}
		tokens = renewed
	}
	if !hasUser {
		return h.reject(ctx, StatusIntegrityError, errs.Terminal(errs.CodeSessionIntegrity, "tokens stored without a user"))
	}
	if problem := userProblem(user); problem != "" {
		return h.reject(ctx, StatusIntegrityError, errs.Terminal(errs.CodeSessionIntegrity, problem))
	}
	return &Result{Status: StatusAuthenticated, User: user, Tokens: tokens}
}

const problemExpired = "access token expired"

// tryRenew renews only an expired but well-formed token. ended reports a
// terminal renew failure, after which the session is already gone.
func (h *Hydrator) tryRenew(ctx context.Context, tokens model.AuthTokens, problem string) (model.AuthTokens, bool, error) {
	if problem != problemExpired || h.renew == nil || !tokens.HasRefresh() {
		return model.AuthTokens{}, false, errs.ErrSessionIntegrity
	}
	renewed, err := h.renew(ctx)
	if err != nil {
		h.log.Info("renew during hydration failed", zap.String("code", string(errs.CodeOf(err))))
		return model.AuthTokens{}, !errs.IsRecoverable(err), err
	}
	if tokenProblem(renewed, h.now()) != "" {
		return model.AuthTokens{}, false, errs.ErrSessionIntegrity
	}
	return renewed, false, nil
}

func tokenProblem(t model.AuthTokens, now time.Time) string {
	switch {
	case strings.TrimSpace(t.AccessToken) == "":
		return "empty access token"
	case !authutil.HasJWTShape(t.AccessToken):
		return "malformed access token"
	}
	exp, ok := authutil.ExpiryClaim(t.AccessToken)
	if !ok {
		return "access token without expiry claim"
	}
	if !now.Before(exp) {
		return problemExpired
	}
	return ""
}

func userProblem(u model.AuthUser) string {
	switch {
	case strings.TrimSpace(u.ID) == "":
		return "user without id"
	case !authutil.ValidEmail(u.Email):
		return "user with invalid email"
	case strings.TrimSpace(u.PrimaryRole) == "":
		return "user without primary role"
	case len(u.Roles) == 0:
		return "user without roles"
	}
	return ""
}

func (h *Hydrator) reject(ctx context.Context, status Status, reason *errs.AuthError) *Result {
	if err := h.store.Clear(ctx); err != nil {
		h.log.Error("clear session after hydration", zap.Error(err))
	}
	return &Result{Status: status, Err: reason}
}
