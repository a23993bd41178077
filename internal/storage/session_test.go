package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/and161185/shepherd/internal/events"
	"github.com/and161185/shepherd/internal/model"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newSession(b Backend) (*Session, *[]events.Event) {
	bus := events.NewBus()
	var got []events.Event
	bus.Subscribe(func(e events.Event) { got = append(got, e) })
	s := NewSession(b, bus, nil).WithClock(func() time.Time { return t0 })
	return s, &got
}

func sampleTokens() model.AuthTokens {
	return model.AuthTokens{
		AccessToken:      "a.b.c",
		ExpiresAt:        t0.Add(15 * time.Minute),
		RefreshToken:     "refresh",
		RefreshExpiresAt: t0.Add(7 * 24 * time.Hour),
	}
}

func TestSession_SaveTokensWritesEverything(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	s, got := newSession(mem)
	ctx := context.Background()

	require.NoError(t, s.SaveTokens(ctx, sampleTokens(), true))

	tok, ok, err := s.Tokens(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sampleTokens().AccessToken, tok.AccessToken)
	require.Equal(t, "refresh", tok.RefreshToken)
	require.True(t, tok.ExpiresAt.Equal(t0.Add(15*time.Minute)))

	meta, ok, err := s.TokenMeta(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, meta.RememberMe)
	require.True(t, meta.StoredAt.Equal(t0))

	sm, err := s.Meta(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sm.SessionID)
	require.True(t, sm.RememberMe)
	require.Equal(t, t0.UnixMilli(), sm.LastActivity.UnixMilli())

	v, ok := s.Cookie(ctx, AuthCookie)
	require.True(t, ok)
	require.Equal(t, "a.b.c", v)

	raw, _, _ := mem.Get(ctx, CookiePrefix+AuthCookie)
	var c storedCookie
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.True(t, c.Expires.Equal(t0.Add(RememberMeMaxAge)))
	require.Equal(t, int(http.SameSiteStrictMode), c.SameSite)

	require.Len(t, *got, 1)
	require.Equal(t, events.TokenChanged, (*got)[0].Type)
}

func TestSession_SessionIDStableAndCookieLifetimeFollowsRememberMe(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	s, _ := newSession(mem)
	ctx := context.Background()

	require.NoError(t, s.SaveTokens(ctx, sampleTokens(), false))
	first, _ := s.Meta(ctx)

	next := sampleTokens()
	next.RefreshToken = ""
	require.NoError(t, s.SaveTokens(ctx, next, false))
	second, _ := s.Meta(ctx)
	require.Equal(t, first.SessionID, second.SessionID)
	require.False(t, second.RememberMe)

	_, ok, _ := mem.Get(ctx, KeyRefreshToken)
	require.False(t, ok, "refresh token dropped when the new pair has none")

	raw, _, _ := mem.Get(ctx, CookiePrefix+AuthCookie)
	var c storedCookie
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.True(t, c.Expires.Equal(t0.Add(DefaultMaxAge)))
}

func TestSession_TokensFallBackToClaimsWithoutMeta(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	s, _ := newSession(mem)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, KeyAccessToken, "not-a-jwt"))

	tok, ok, err := s.Tokens(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, tok.ExpiresAt.Equal(t0), "undecodable token is treated as expired")
}

func TestSession_UserSanitizedAndTouchesActivity(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	s, got := newSession(mem)
	ctx := context.Background()

	user := model.AuthUser{ID: "u1", Email: "a@b.org", Roles: []string{"member"}, Permissions: []string{"secret"}}
	require.NoError(t, s.SaveUser(ctx, user))

	back, ok, err := s.User(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", back.ID)
	require.Empty(t, back.Permissions)

	raw, ok, _ := mem.Get(ctx, KeyLastActivity)
	require.True(t, ok)
	require.Equal(t, strconv.FormatInt(t0.UnixMilli(), 10), raw)
	require.Equal(t, events.UserChanged, (*got)[len(*got)-1].Type)

	require.NoError(t, mem.Set(ctx, KeyUser, "{broken"))
	_, ok, err = s.User(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSession_ClearRemovesKeysAndCookies(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	s, got := newSession(mem)
	ctx := context.Background()

	require.NoError(t, s.SaveTokens(ctx, sampleTokens(), true))
	require.NoError(t, s.SaveUser(ctx, model.AuthUser{ID: "u1", Email: "a@b.org"}))
	s.SetCookie(ctx, "refresh_cookie", "x", CookieOptions{Path: "/"})
	require.NoError(t, mem.Set(ctx, KeyFingerprint, "fp"))

	require.NoError(t, s.Clear(ctx))

	for _, k := range []string{KeyAccessToken, KeyRefreshToken, KeyTokenMeta, KeyUser, KeySessionID, KeyLastActivity, KeyRememberMe} {
		_, ok, err := mem.Get(ctx, k)
		require.NoError(t, err)
		require.False(t, ok, k)
	}
	cookies, _ := mem.Keys(ctx, CookiePrefix)
	require.Empty(t, cookies)
	_, ok, _ := mem.Get(ctx, KeyFingerprint)
	require.True(t, ok, "fingerprint survives logout")
	require.Equal(t, events.SessionCleared, (*got)[len(*got)-1].Type)
}

type failingBackend struct{ *Memory }

func (f *failingBackend) Set(context.Context, string, string) error { return errors.New("disk full") }

func TestSession_CookieFailuresAreSwallowed(t *testing.T) {
	t.Parallel()
	s := NewSession(&failingBackend{Memory: NewMemory()}, nil, nil)
	ctx := context.Background()
	require.NotPanics(t, func() {
		s.SetCookie(ctx, "c", "v", CookieOptions{MaxAge: time.Hour})
		s.SetCookie(ctx, "", "v", CookieOptions{})
	})
	_, ok := s.Cookie(ctx, "c")
	require.False(t, ok)

	require.Error(t, s.SaveTokens(ctx, sampleTokens(), false))
}

func TestSession_CookieExpiryAndNegativeMaxAge(t *testing.T) {
	t.Parallel()
	now := t0
	s := NewSession(NewMemory(), nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	s.SetCookie(ctx, "c", "v", CookieOptions{MaxAge: time.Minute})
	_, ok := s.Cookie(ctx, "c")
	require.True(t, ok)

	now = t0.Add(time.Minute)
	_, ok = s.Cookie(ctx, "c")
	require.False(t, ok)

	s.SetCookie(ctx, "d", "v", CookieOptions{})
	s.SetCookie(ctx, "d", "", CookieOptions{MaxAge: -1})
	_, ok = s.Cookie(ctx, "d")
	require.False(t, ok)
}

func TestSession_FollowPublishesRemoteEvents(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	s, got := newSession(mem)
	ctx := context.Background()

	fakeWatch := func(_ context.Context, fn func([]string)) {
		fn([]string{KeyAccessToken, KeyTokenMeta, KeyUser, "unrelated"})
	}
	s.Follow(ctx, fakeWatch)

	require.Len(t, *got, 2)
	require.Equal(t, events.SessionCleared, (*got)[0].Type, "token gone means the other process logged out")
	require.True(t, (*got)[0].Remote)
	require.Equal(t, events.UserChanged, (*got)[1].Type)

	*got = nil
	require.NoError(t, mem.Set(ctx, KeyAccessToken, "x.y.z"))
	s.Follow(ctx, func(_ context.Context, fn func([]string)) { fn([]string{KeyAccessToken}) })
	require.Len(t, *got, 1)
	require.Equal(t, events.TokenChanged, (*got)[0].Type)
}
