// Package refresh keeps the access token fresh: it de-duplicates concurrent refreshes,
// enforces the failure ceiling and ends the session when refreshing cannot succeed.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/shepherd/internal/authutil"
	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/metrics"
	"github.com/and161185/shepherd/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Defaults applied by New.
const (
	DefaultThreshold   = 5 * time.Minute
	DefaultMaxAttempts = 3
)

// State is the observable coordinator state.
type State string

// Coordinator states.
const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
)

// Refresher performs the remote token exchange. It is implemented by *api.Client.
type Refresher interface {
	RefreshToken(ctx context.Context) (model.AuthTokens, error)
}

// Store is the persisted session. It is implemented by *storage.Session.
type Store interface {
	Tokens(ctx context.Context) (model.AuthTokens, bool, error)
	RememberMe(ctx context.Context) (bool, error)
	SaveTokens(ctx context.Context, t model.AuthTokens, rememberMe bool) error
	Clear(ctx context.Context) error
}

// Redirector sends the user to the login entry point after the session ended.
type Redirector interface {
	RedirectToLogin(ctx context.Context, reason *errs.AuthError)
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, reason *errs.AuthError)

// RedirectToLogin calls f.
func (f RedirectFunc) RedirectToLogin(ctx context.Context, reason *errs.AuthError) { f(ctx, reason) }

// Config tunes the coordinator.
type Config struct {
	Threshold   time.Duration
	MaxAttempts int
}

// Result is the outcome of one refresh. Callers that joined the same refresh
// receive the same *Result.
type Result struct {
	Tokens model.AuthTokens
	Err    *errs.AuthError
}

// OK reports whether the refresh produced tokens.
func (r *Result) OK() bool { return r != nil && r.Err == nil }

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithRedirector sets where the user is sent once the session is over.
func WithRedirector(r Redirector) Option { return func(c *Coordinator) { c.redirect = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// Coordinator serialises token refreshes.
type Coordinator struct {
	api      Refresher
	store    Store
	cfg      Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	redirect Redirector
	now      func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	failures int
	state    State
}

const flightKey = "refresh"

// New constructs a coordinator. Zero config values take the defaults.
func New(api Refresher, store Store, cfg Config, opts ...Option) *Coordinator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	c := &Coordinator{api: api, store: store, cfg: cfg, now: time.Now, state: StateIdle}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// State returns idle or refreshing.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failures returns the number of consecutive failed refreshes.
func (c *Coordinator) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Reset clears the failure counter, typically after a fresh login.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// NeedsRefresh reports whether t expires within the threshold.
func (c *Coordinator) NeedsRefresh(t model.AuthTokens) bool {
	return authutil.IsTokenExpiredAt(t.ExpiresAt, c.cfg.Threshold, c.now())
}

// Refresh exchanges the refresh token, joining a refresh already in flight.
// Storage is updated before the result is delivered. When ctx ends first the
// caller gets a NETWORK_ERROR but the refresh itself runs to completion.
func (c *Coordinator) Refresh(ctx context.Context) *Result {
	if c.State() == StateRefreshing {
		c.metrics.Refresh(metrics.OutcomeShared)
	}
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.run(detached), nil
	})
	select {
	case r := <-ch:
		return r.Val.(*Result)
	case <-ctx.Done():
		return &Result{Err: errs.Wrap(errs.CodeNetwork, ctx.Err(), true)}
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	c.mu.Lock()
	if c.failures >= c.cfg.MaxAttempts {
		n := c.failures
		c.mu.Unlock()
		c.metrics.Refresh(metrics.OutcomeCeiling)
		c.log.Warn("token refresh ceiling reached", zap.Int("failures", n))
		res := &Result{Err: errs.Terminal(errs.CodeMaxRefreshAttempts, "maximum refresh attempts exceeded")}
		c.end(ctx, res.Err)
		return res
	}
	c.state = StateRefreshing
	c.mu.Unlock()

	done := c.metrics.RefreshStarted()
	res := c.exchange(ctx)

	c.mu.Lock()
	c.state = StateIdle
	if res.Err == nil {
		c.failures = 0
	} else {
		c.failures++
	}
	n := c.failures
	c.mu.Unlock()

	if res.Err == nil {
		done(metrics.OutcomeSuccess)
		c.log.Debug("token refreshed", zap.Time("expires_at", res.Tokens.ExpiresAt))
		return res
	}
	done(metrics.OutcomeFailure)
	c.log.Warn("token refresh failed",
		zap.String("code", string(res.Err.Code)),
		zap.Bool("recoverable", res.Err.Recoverable),
		zap.Int("failures", n))
	if !res.Err.Recoverable {
		c.end(ctx, res.Err)
	}
	return res
}

func (c *Coordinator) exchange(ctx context.Context) *Result {
	if c.api == nil || c.store == nil {
		return &Result{Err: errs.Terminal(errs.CodeAPINotInitialized, "refresh used before the api client was configured")}
	}
	tokens, err := c.api.RefreshToken(ctx)
	if err != nil {
		return &Result{Err: errs.From(err)}
	}
	remember, err := c.store.RememberMe(ctx)
	if err != nil {
		c.log.Warn("read remember-me", zap.Error(err))
	}
	if err := c.store.SaveTokens(ctx, tokens, remember); err != nil {
		return &Result{Err: errs.Wrap(errs.CodeUnknown, err, true)}
	}
	return &Result{Tokens: tokens}
}

// end clears the local session and redirects to login.
func (c *Coordinator) end(ctx context.Context, reason *errs.AuthError) {
	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			c.log.Error("clear session", zap.Error(err))
		}
	}
	if c.redirect != nil {
		c.redirect.RedirectToLogin(ctx, reason)
	}
}

// Tick refreshes the stored tokens when they are within the threshold. It is
// meant to be called periodically and reports whether a refresh was attempted.
func (c *Coordinator) Tick(ctx context.Context) (bool, *Result) {
	if c.store == nil {
		return false, nil
	}
	t, ok, err := c.store.Tokens(ctx)
	if err != nil || !ok || !t.HasRefresh() || !c.NeedsRefresh(t) {
		return false, nil
	}
	return true, c.Refresh(ctx)
}
