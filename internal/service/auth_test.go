package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/and161185/shepherd/internal/api"
	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/events"
	"github.com/and161185/shepherd/internal/graphql"
	"github.com/and161185/shepherd/internal/hydrate"
	"github.com/and161185/shepherd/internal/limiter"
	"github.com/and161185/shepherd/internal/model"
	"github.com/and161185/shepherd/internal/refresh"
	"github.com/and161185/shepherd/internal/storage"
	"github.com/and161185/shepherd/internal/testutil/fakeapi"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	srv   *fakeapi.Server
	mem   *storage.Memory
	store *storage.Session
	bus   *events.Bus
	svc   *AuthServiceImpl
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	srv := fakeapi.New(t)
	gql, err := graphql.NewClient(graphql.Config{URL: srv.Endpoint()}, graphql.WithLogger(log))
	require.NoError(t, err)
	mem := storage.NewMemory()
	bus := events.NewBus()
	store := storage.NewSession(mem, bus, log)
	client := api.New(gql, store, api.Config{}, log)
	coord := refresh.New(client, store, refresh.Config{}, refresh.WithLogger(log))
	gql.SetAuthenticator(coord)
	svc := NewAuthService(Deps{
		API:      client,
		Store:    store,
		Refresh:  coord,
		Hydrator: hydrate.New(store, hydrate.Config{}, hydrate.WithLogger(log)),
		Bus:      bus,
		Limiter:  limiter.NewStore(mem, time.Minute, 2, time.Minute),
		Log:      log,
	}, Config{RefreshInterval: interval})
	t.Cleanup(svc.Close)
	return &harness{srv: srv, mem: mem, store: store, bus: bus, svc: svc}
}

func (h *harness) serveLogin(t *testing.T, roles ...string) string {
	t.Helper()
	access := fakeapi.Mint(t, "u1", time.Now().Add(time.Hour))
	h.srv.Handle(graphql.OpLogin, func(c fakeapi.Call) fakeapi.Response {
		in := c.Vars["input"].(map[string]any)
		if in["password"] != "Secret1!" {
			return fakeapi.Fail(string(errs.CodeInvalidCredentials), "GraphQL error: invalid credentials")
		}
		return fakeapi.Data(map[string]any{"login": fakeapi.AuthPayload(access, "refresh-1", fakeapi.User("u1", "grace@church.org", roles...))})
	})
	return access
}

func (h *harness) sessionKeys(t *testing.T) []string {
	t.Helper()
	keys, err := h.mem.Keys(context.Background(), "shepherd.")
	require.NoError(t, err)
	var out []string
	for _, k := range keys {
		if k != storage.KeyCSRF && k != storage.KeyFingerprint && !isLimiterKey(k) {
			out = append(out, k)
		}
	}
	cookies, err := h.mem.Keys(context.Background(), storage.CookiePrefix)
	require.NoError(t, err)
	return append(out, cookies...)
}

func isLimiterKey(k string) bool {
	return len(k) >= len(limiter.KeyPrefix) && k[:len(limiter.KeyPrefix)] == limiter.KeyPrefix
}

func TestLogin_EstablishesSessionAndRedirects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	access := h.serveLogin(t, "member", "super_admin")
	ctx := context.Background()

	res, err := h.svc.Login(ctx, "grace@church.org", "Secret1!", true)
	require.NoError(t, err)
	require.Equal(t, "super_admin", res.User.PrimaryRole)
	require.Equal(t, "/dashboard/admin", res.RedirectTo)
	require.Equal(t, access, res.Tokens.AccessToken)

	st := h.svc.State()
	require.True(t, st.Authenticated)
	require.False(t, st.Loading)
	require.Empty(t, st.Error)
	require.Equal(t, "u1", st.User.ID)

	stored, ok, err := h.store.User(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Grace Hopper", stored.DisplayName)
	remember, err := h.store.RememberMe(ctx)
	require.NoError(t, err)
	require.True(t, remember)
	_, ok = h.store.Cookie(ctx, storage.AuthCookie)
	require.True(t, ok)
}

func TestRedirectFor(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		model.RoleSuperAdmin:          "/dashboard/admin",
		model.RoleBranchAdmin:         "/dashboard/branch-admin",
		model.RolePastoralStaff:       "/dashboard/pastoral",
		model.RoleMinistryLeader:      "/dashboard/ministry",
		model.RoleFinanceManager:      "/dashboard/finance",
		model.RoleSubscriptionManager: "/dashboard/subscriptions",
		model.RoleMember:              "/dashboard",
		"choir_director":              "/dashboard",
	}
	for role, want := range cases {
		require.Equal(t, want, RedirectFor(role), role)
	}
}

func TestLogin_InvalidCredentialsThenLocalLockout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	h.serveLogin(t, "member")
	ctx := context.Background()

	_, err := h.svc.Login(ctx, "grace@church.org", "wrong", false)
	require.Equal(t, errs.CodeInvalidCredentials, errs.CodeOf(err))
	require.Equal(t, "Invalid email or password.", h.svc.State().Error)
	require.False(t, h.svc.State().Authenticated)

	_, err = h.svc.Login(ctx, "grace@church.org", "wrong", false)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))

	_, err = h.svc.Login(ctx, "grace@church.org", "Secret1!", false)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
	require.Equal(t, 2, h.srv.Count(graphql.OpLogin))
}

func TestLogin_ValidationNeedsNoNetwork(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	_, err := h.svc.Login(context.Background(), " ", "x", false)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	require.Zero(t, h.srv.Count(""))
}

func TestLogin_MFAThenVerifyKeepsRememberMe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	h.srv.Handle(graphql.OpLogin, func(fakeapi.Call) fakeapi.Response {
		return fakeapi.Data(map[string]any{"login": map[string]any{"mfaRequired": true, "mfaToken": "mfa-1"}})
	})
	access := fakeapi.Mint(t, "u1", time.Now().Add(time.Hour))
	h.srv.Handle(graphql.OpVerifyMFA, func(fakeapi.Call) fakeapi.Response {
		return fakeapi.Data(map[string]any{"verifyMfa": fakeapi.AuthPayload(access, "r", fakeapi.User("u1", "a@b.org", "pastoral_staff"))})
	})

	res, err := h.svc.Login(ctx, "a@b.org", "Secret1!", true)
	require.NoError(t, err)
	require.True(t, res.MFARequired)
	require.False(t, h.svc.State().Authenticated)
	_, ok, _ := h.store.Tokens(ctx)
	require.False(t, ok)

	res, err = h.svc.VerifyMFA(ctx, res.MFAToken, "123456")
	require.NoError(t, err)
	require.Equal(t, "/dashboard/pastoral", res.RedirectTo)
	require.True(t, h.svc.State().Authenticated)
	remember, err := h.store.RememberMe(ctx)
	require.NoError(t, err)
	require.True(t, remember)
}

func TestLogout_ClearsEverythingWhenRemoteFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	h.serveLogin(t, "member")
	ctx := context.Background()
	_, err := h.svc.Login(ctx, "grace@church.org", "Secret1!", true)
	require.NoError(t, err)
	require.NotEmpty(t, h.sessionKeys(t))
	h.store.SetCookie(ctx, "shepherd_csrf", "x", storage.CookieOptions{MaxAge: time.Hour})

	h.srv.Handle(graphql.OpLogout, func(fakeapi.Call) fakeapi.Response { return fakeapi.Status(http.StatusInternalServerError) })
	require.NoError(t, h.svc.Logout(ctx))

	for _, k := range []string{
		storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyUser,
		storage.KeySessionID, storage.KeyLastActivity,
	} {
		_, ok, err := h.mem.Get(ctx, k)
		require.NoError(t, err)
		require.False(t, ok, k)
	}
	require.Empty(t, h.sessionKeys(t))
	st := h.svc.State()
	require.False(t, st.Authenticated)
	require.Nil(t, st.User)

	err = h.svc.LogoutAll(ctx)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	require.Equal(t, true, h.srv.Calls(graphql.OpLogout)[1].Vars["everywhere"])
}

func TestChangePassword_ValidatedLocally(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	err := h.svc.ChangePassword(ctx, "Old-pass1", "weak")
	ae, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeValidation, ae.Code)
	require.NotEmpty(t, ae.Details)

	err = h.svc.ChangePassword(ctx, "Same-pass1", "Same-pass1")
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	require.Zero(t, h.srv.Count(graphql.OpChangePassword))

	h.srv.Handle(graphql.OpChangePassword, func(fakeapi.Call) fakeapi.Response {
		return fakeapi.Data(map[string]any{"changePassword": true})
	})
	require.NoError(t, h.svc.ChangePassword(ctx, "Old-pass1", "N3w-pass!"))
	require.Empty(t, h.svc.State().Error)
}

func TestInit_HydratesAndFollowsRemoteChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	h.serveLogin(t, "branch_admin")
	ctx := context.Background()
	_, err := h.svc.Login(ctx, "grace@church.org", "Secret1!", false)
	require.NoError(t, err)

	// A second facade over the same storage, as another process would see it.
	other := NewAuthService(Deps{
		API:      h.svc.api,
		Store:    h.store,
		Hydrator: hydrate.New(h.store, hydrate.Config{}),
		Bus:      h.bus,
	}, Config{})
	t.Cleanup(other.Close)
	require.NoError(t, other.Init(ctx))
	require.True(t, other.State().Authenticated)
	require.Equal(t, model.RoleBranchAdmin, other.State().User.PrimaryRole)

	require.NoError(t, h.mem.Remove(ctx, storage.KeyAccessToken))
	h.bus.Publish(events.Event{Type: events.TokenChanged, Key: storage.KeyAccessToken, Remote: true})
	require.False(t, other.State().Authenticated)
}

func TestInit_NoSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	require.NoError(t, h.svc.Init(context.Background()))
	st := h.svc.State()
	require.False(t, st.Authenticated)
	require.False(t, st.Loading)
	require.Empty(t, st.Error)
}

func TestSubscribe_SeesStateChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	h.serveLogin(t, "member")

	var mu sync.Mutex
	var seen []State
	unsub := h.svc.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	_, err := h.svc.Login(context.Background(), "grace@church.org", "Secret1!", false)
	require.NoError(t, err)
	unsub()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	require.True(t, seen[0].Loading)
	last := seen[len(seen)-1]
	require.True(t, last.Authenticated)
	require.False(t, last.Loading)
}

type panickyAPI struct{ AuthAPI }

func (panickyAPI) ListSessions(context.Context) ([]model.Session, error) { panic("boom") }

func TestPanicBecomesUnknownError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	svc := NewAuthService(Deps{API: panickyAPI{}, Store: h.store, Log: zaptest.NewLogger(t)}, Config{})

	_, err := svc.ListSessions(context.Background())
	require.Equal(t, errs.CodeUnknown, errs.CodeOf(err))
	require.Equal(t, "internal error", svc.State().Error)
}

func TestBackgroundLoopRefreshesProactively(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, h.store.SaveTokens(ctx, model.AuthTokens{
		AccessToken:      fakeapi.Mint(t, "u1", time.Now().Add(2*time.Minute)),
		ExpiresAt:        time.Now().Add(2 * time.Minute),
		RefreshToken:     "refresh-1",
		RefreshExpiresAt: time.Now().Add(24 * time.Hour),
	}, false))
	require.NoError(t, h.store.SaveUser(ctx, model.AuthUser{ID: "u1", Email: "a@b.org", Roles: []string{"member"}, PrimaryRole: "member"}))
	fresh := fakeapi.Mint(t, "u1", time.Now().Add(time.Hour))
	h.srv.Handle(graphql.OpRefreshToken, func(fakeapi.Call) fakeapi.Response {
		return fakeapi.Data(map[string]any{"refreshToken": map[string]any{"accessToken": fresh}})
	})

	require.NoError(t, h.svc.Init(ctx))
	require.True(t, h.svc.State().Authenticated)
	require.Eventually(t, func() bool {
		tok, ok, _ := h.store.Tokens(ctx)
		return ok && tok.AccessToken == fresh
	}, 2*time.Second, 5*time.Millisecond)
	h.svc.Close()
	require.Equal(t, 1, h.srv.Count(graphql.OpRefreshToken))
}

func TestUpdateProfile_PersistsUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Hour)
	h.serveLogin(t, "member")
	ctx := context.Background()
	_, err := h.svc.Login(ctx, "grace@church.org", "Secret1!", false)
	require.NoError(t, err)
	h.srv.Handle(graphql.OpUpdateProfile, func(fakeapi.Call) fakeapi.Response {
		u := fakeapi.User("u1", "grace@church.org", "member")
		u["firstName"] = "Ada"
		return fakeapi.Data(map[string]any{"updateProfile": u})
	})

	first := "Ada"
	u, err := h.svc.UpdateProfile(ctx, model.ProfileUpdate{FirstName: &first})
	require.NoError(t, err)
	require.Equal(t, "Ada Hopper", u.DisplayName)
	require.Equal(t, "Ada", h.svc.State().User.FirstName)
	stored, _, err := h.store.User(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ada", stored.FirstName)
}
