package hydrate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/metrics"
	"github.com/and161185/shepherd/internal/model"
	"github.com/and161185/shepherd/internal/storage"
	"github.com/and161185/shepherd/internal/testutil/fakeapi"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type env struct {
	mem   *storage.Memory
	store *storage.Session
	now   time.Time
}

func newEnv() *env {
	e := &env{mem: storage.NewMemory(), now: t0}
	e.store = storage.NewSession(e.mem, nil, nil).WithClock(func() time.Time { return e.now })
	return e
}

func (e *env) clock() time.Time { return e.now }

func (e *env) login(t *testing.T, accessExp, refreshExp time.Time, remember bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.SaveTokens(ctx, model.AuthTokens{
		AccessToken:      fakeapi.Mint(t, "u1", accessExp),
		ExpiresAt:        accessExp,
		RefreshToken:     "refresh-1",
		RefreshExpiresAt: refreshExp,
	}, remember))
	require.NoError(t, e.store.SaveUser(ctx, model.AuthUser{
		ID: "u1", Email: "grace@church.org", Roles: []string{"member"}, PrimaryRole: "member",
	}))
}

func (e *env) requireEmpty(t *testing.T) {
	t.Helper()
	keys, err := e.mem.Keys(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func hydrate(t *testing.T, e *env, opts ...Option) *Result {
	t.Helper()
	opts = append([]Option{WithClock(e.clock), WithLogger(zaptest.NewLogger(t))}, opts...)
	res, err := New(e.store, Config{Settle: 0}, opts...).Hydrate(context.Background())
	require.NoError(t, err)
	return res
}

func TestHydrate_TrustedSession(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.login(t, t0.Add(10*time.Minute), t0.Add(24*time.Hour), false)
	m := metrics.New()

	res := hydrate(t, e, WithMetrics(m))
	require.True(t, res.Authenticated())
	require.Equal(t, "u1", res.User.ID)
	require.Equal(t, "refresh-1", res.Tokens.RefreshToken)
	require.Equal(t, 1.0, testutil.ToFloat64(m.HydrationCounter(string(StatusAuthenticated))))
}

func TestHydrate_NoTokensClearsResidue(t *testing.T) {
	t.Parallel()
	e := newEnv()
	require.NoError(t, e.store.SaveUser(context.Background(), model.AuthUser{ID: "u1", Email: "a@b.org"}))

	res := hydrate(t, e)
	require.Equal(t, StatusNoSession, res.Status)
	require.Nil(t, res.Err)
	e.requireEmpty(t)
}

func TestHydrate_ExpiredRefreshTokenMeansNoSession(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.login(t, t0.Add(time.Hour), t0.Add(-time.Second), true)

	res := hydrate(t, e)
	require.Equal(t, StatusNoSession, res.Status)
	require.Equal(t, errs.CodeRefreshTokenExpired, res.Err.Code)
	e.requireEmpty(t)
}

func TestHydrate_MissingRefreshTokenMeansNoSession(t *testing.T) {
	t.Parallel()
	e := newEnv()
	ctx := context.Background()
	require.NoError(t, e.store.SaveTokens(ctx, model.AuthTokens{
		AccessToken: fakeapi.Mint(t, "u1", t0.Add(time.Hour)),
		ExpiresAt:   t0.Add(time.Hour),
	}, true))
	require.NoError(t, e.store.SaveUser(ctx, model.AuthUser{
		ID: "u1", Email: "grace@church.org", Roles: []string{"member"}, PrimaryRole: "member",
	}))

	res := hydrate(t, e)
	require.Equal(t, StatusNoSession, res.Status)
	require.Equal(t, errs.CodeNoRefreshToken, res.Err.Code)
	e.requireEmpty(t)
}

func TestHydrate_InactivityTimeout(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.login(t, t0.Add(2*time.Hour), t0.Add(48*time.Hour), false)
	e.now = t0.Add(31 * time.Minute)

	res := hydrate(t, e)
	require.Equal(t, StatusNoSession, res.Status)
	require.Equal(t, errs.CodeSessionTimeout, res.Err.Code)
	e.requireEmpty(t)

	remembered := newEnv()
	remembered.login(t, t0.Add(2*time.Hour), t0.Add(48*time.Hour), true)
	remembered.now = t0.Add(31 * time.Minute)
	require.True(t, hydrate(t, remembered).Authenticated())
}

func TestHydrate_IntegrityFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(t *testing.T, e *env)
	}{
		{"malformed_token", func(t *testing.T, e *env) {
			e.login(t, t0.Add(time.Hour), t0.Add(24*time.Hour), false)
			require.NoError(t, e.mem.Set(context.Background(), storage.KeyAccessToken, "not-a-jwt"))
		}},
		{"expired_claims_without_renew", func(t *testing.T, e *env) {
			e.login(t, t0.Add(-time.Minute), t0.Add(24*time.Hour), false)
		}},
		{"missing_user", func(t *testing.T, e *env) {
			e.login(t, t0.Add(time.Hour), t0.Add(24*time.Hour), false)
			require.NoError(t, e.mem.Remove(context.Background(), storage.KeyUser))
		}},
		{"user_without_roles", func(t *testing.T, e *env) {
			e.login(t, t0.Add(time.Hour), t0.Add(24*time.Hour), false)
			require.NoError(t, e.mem.Set(context.Background(), storage.KeyUser,
				`{"id":"u1","email":"a@b.org","primaryRole":"member","roles":[]}`))
		}},
		{"user_bad_email", func(t *testing.T, e *env) {
			e.login(t, t0.Add(time.Hour), t0.Add(24*time.Hour), false)
			require.NoError(t, e.mem.Set(context.Background(), storage.KeyUser,
				`{"id":"u1","email":"nope","primaryRole":"member","roles":["member"]}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv()
			tt.setup(t, e)
			res := hydrate(t, e)
			require.Equal(t, StatusIntegrityError, res.Status)
			require.Equal(t, errs.CodeSessionIntegrity, res.Err.Code)
			e.requireEmpty(t)
		})
	}
}

func TestHydrate_RenewsExpiredAccessToken(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.login(t, t0.Add(-time.Minute), t0.Add(24*time.Hour), false)
	fresh := model.AuthTokens{AccessToken: fakeapi.Mint(t, "u1", t0.Add(15*time.Minute)), ExpiresAt: t0.Add(15 * time.Minute)}

	res := hydrate(t, e, WithRenew(func(context.Context) (model.AuthTokens, error) { return fresh, nil }))
	require.True(t, res.Authenticated())
	require.Equal(t, fresh.AccessToken, res.Tokens.AccessToken)

	failed := newEnv()
	failed.login(t, t0.Add(-time.Minute), t0.Add(24*time.Hour), false)
	res = hydrate(t, failed, WithRenew(func(context.Context) (model.AuthTokens, error) { return model.AuthTokens{}, errors.New("down") }))
	require.Equal(t, StatusIntegrityError, res.Status)
	failed.requireEmpty(t)
}

type clearCountingStore struct {
	*storage.Session
	clears atomic.Int32
}

func (c *clearCountingStore) Clear(ctx context.Context) error {
	c.clears.Add(1)
	return c.Session.Clear(ctx)
}

func TestHydrate_TerminalRenewFailureDoesNotClearAgain(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.login(t, t0.Add(-time.Minute), t0.Add(24*time.Hour), false)
	store := &clearCountingStore{Session: e.store}
	renew := func(ctx context.Context) (model.AuthTokens, error) {
		require.NoError(t, e.store.Clear(ctx))
		return model.AuthTokens{}, errs.Terminal(errs.CodeMaxRefreshAttempts, "maximum refresh attempts exceeded")
	}

	h := New(store, Config{}, WithClock(e.clock), WithLogger(zaptest.NewLogger(t)), WithRenew(renew))
	res, err := h.Hydrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIntegrityError, res.Status)
	require.Equal(t, int32(0), store.clears.Load())
	e.requireEmpty(t)

	recoverable := newEnv()
	recoverable.login(t, t0.Add(-time.Minute), t0.Add(24*time.Hour), false)
	rstore := &clearCountingStore{Session: recoverable.store}
	h = New(rstore, Config{}, WithClock(recoverable.clock), WithRenew(func(context.Context) (model.AuthTokens, error) {
		return model.AuthTokens{}, errors.New("down")
	}))
	res, err = h.Hydrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusIntegrityError, res.Status)
	require.Equal(t, int32(1), rstore.clears.Load())
	recoverable.requireEmpty(t)
}

type countingStore struct {
	*storage.Session
	reads atomic.Int32
	gate  chan struct{}
}

func (c *countingStore) Tokens(ctx context.Context) (model.AuthTokens, bool, error) {
	c.reads.Add(1)
	<-c.gate
	return c.Session.Tokens(ctx)
}

func TestHydrate_RunsOnceForConcurrentCallers(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.login(t, t0.Add(time.Hour), t0.Add(24*time.Hour), false)
	store := &countingStore{Session: e.store, gate: make(chan struct{})}
	h := New(store, Config{}, WithClock(e.clock))

	_, ok := h.Result()
	require.False(t, ok)

	const callers = 5
	results := make([]*Result, callers)
	failures := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], failures[i] = h.Hydrate(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return store.reads.Load() == 1 }, time.Second, time.Millisecond)
	close(store.gate)
	wg.Wait()

	for i, r := range results {
		require.NoError(t, failures[i])
		require.Same(t, results[0], r)
	}
	later, err := h.Hydrate(context.Background())
	require.NoError(t, err)
	require.Same(t, results[0], later)
	require.EqualValues(t, 1, store.reads.Load())
}

func TestHydrate_AbandonedCallerDoesNotStopRun(t *testing.T) {
	t.Parallel()
	e := newEnv()
	e.login(t, t0.Add(time.Hour), t0.Add(24*time.Hour), false)
	store := &countingStore{Session: e.store, gate: make(chan struct{})}
	h := New(store, Config{}, WithClock(e.clock))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Hydrate(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(store.gate)
	res, err := h.Hydrate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Authenticated())
}
