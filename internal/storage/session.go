package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/shepherd/internal/authutil"
	"github.com/and161185/shepherd/internal/events"
	"github.com/and161185/shepherd/internal/model"
	u "github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// AuthCookie mirrors the access token for HTTP consumers.
const AuthCookie = "shepherd_auth"

// Cookie lifetimes decided by the remember-me flag.
const (
	RememberMeMaxAge = 30 * 24 * time.Hour
	DefaultMaxAge    = 24 * time.Hour
)

// CookieOptions configures a stored cookie.
type CookieOptions struct {
	MaxAge   time.Duration
	Secure   bool
	SameSite http.SameSite
	Path     string
}

// Session is the typed adapter over a Backend for tokens, user and session metadata.
type Session struct {
	b   Backend
	bus *events.Bus
	log *zap.Logger
	now func() time.Time
}

// NewSession wraps b. bus and log may be nil.
func NewSession(b Backend, bus *events.Bus, log *zap.Logger) *Session {
	if b == nil {
		b = Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{b: b, bus: bus, log: log, now: time.Now}
}

// WithClock overrides the time source and returns s.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// Backend returns the underlying store.
func (s *Session) Backend() Backend { return s.b }

// Bus returns the event bus the session publishes to.
func (s *Session) Bus() *events.Bus { return s.bus }

// SaveTokens persists the token pair and its metadata and refreshes the auth cookie.
// A session id is created on the first save.
func (s *Session) SaveTokens(ctx context.Context, t model.AuthTokens, rememberMe bool) error {
	now := s.now()
	meta := model.TokenMeta{
		ExpiresAt:        t.ExpiresAt,
		RefreshExpiresAt: t.RefreshExpiresAt,
		RememberMe:       rememberMe,
		StoredAt:         now,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode token meta: %w", err)
	}
	if err := s.b.Set(ctx, KeyAccessToken, t.AccessToken); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	if t.RefreshToken != "" {
		if err := s.b.Set(ctx, KeyRefreshToken, t.RefreshToken); err != nil {
			return fmt.Errorf("save refresh token: %w", err)
		}
	} else if err := s.b.Remove(ctx, KeyRefreshToken); err != nil {
		return fmt.Errorf("drop refresh token: %w", err)
	}
	if err := s.b.Set(ctx, KeyTokenMeta, string(raw)); err != nil {
		return fmt.Errorf("save token meta: %w", err)
	}
	if err := s.b.Set(ctx, KeyRememberMe, strconv.FormatBool(rememberMe)); err != nil {
		return fmt.Errorf("save remember-me: %w", err)
	}
	if err := s.ensureSessionID(ctx); err != nil {
		return err
	}
	if err := s.touch(ctx, now); err != nil {
		return err
	}

	maxAge := DefaultMaxAge
	if rememberMe {
		maxAge = RememberMeMaxAge
	}
	s.SetCookie(ctx, AuthCookie, t.AccessToken, CookieOptions{
		MaxAge:   maxAge,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	})
	s.bus.Publish(events.Event{Type: events.TokenChanged, Key: KeyAccessToken})
	return nil
}

// Tokens returns the stored token pair. ok is false when no access token is stored.
func (s *Session) Tokens(ctx context.Context) (model.AuthTokens, bool, error) {
	access, ok, err := s.b.Get(ctx, KeyAccessToken)
	if err != nil || !ok || access == "" {
		return model.AuthTokens{}, false, err
	}
	t := model.AuthTokens{AccessToken: access}
	if rt, ok, err := s.b.Get(ctx, KeyRefreshToken); err != nil {
		return model.AuthTokens{}, false, err
	} else if ok {
		t.RefreshToken = rt
	}
	meta, ok, err := s.TokenMeta(ctx)
	if err != nil {
		return model.AuthTokens{}, false, err
	}
	if ok {
		t.ExpiresAt = meta.ExpiresAt
		t.RefreshExpiresAt = meta.RefreshExpiresAt
	} else {
		t.ExpiresAt = authutil.DecodeTokenExpiryAt(access, s.now())
	}
	return t, true, nil
}

// TokenMeta returns the persisted token metadata.
func (s *Session) TokenMeta(ctx context.Context) (model.TokenMeta, bool, error) {
	raw, ok, err := s.b.Get(ctx, KeyTokenMeta)
	if err != nil || !ok {
		return model.TokenMeta{}, false, err
	}
	var meta model.TokenMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		s.log.Warn("corrupt token meta", zap.Error(err))
		return model.TokenMeta{}, false, nil
	}
	return meta, true, nil
}

// SaveUser persists a sanitized copy of user.
func (s *Session) SaveUser(ctx context.Context, user model.AuthUser) error {
	raw, err := json.Marshal(authutil.SanitizeUser(user))
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.b.Set(ctx, KeyUser, string(raw)); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if err := s.touch(ctx, s.now()); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Type: events.UserChanged, Key: KeyUser})
	return nil
}

// User returns the stored user. A record that fails to decode is reported as absent.
func (s *Session) User(ctx context.Context) (model.AuthUser, bool, error) {
	raw, ok, err := s.b.Get(ctx, KeyUser)
	if err != nil || !ok {
		return model.AuthUser{}, false, err
	}
	var user model.AuthUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.log.Warn("corrupt user record", zap.Error(err))
		return model.AuthUser{}, false, nil
	}
	return user, true, nil
}

// Meta returns session id, last activity and remember-me.
func (s *Session) Meta(ctx context.Context) (model.SessionMeta, error) {
	var m model.SessionMeta
	id, _, err := s.b.Get(ctx, KeySessionID)
	if err != nil {
		return m, err
	}
	m.SessionID = id
	if raw, ok, err := s.b.Get(ctx, KeyLastActivity); err != nil {
		return m, err
	} else if ok {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			m.LastActivity = time.UnixMilli(ms)
		}
	}
	m.RememberMe, err = s.RememberMe(ctx)
	return m, err
}

// RememberMe returns the persisted remember-me flag.
func (s *Session) RememberMe(ctx context.Context) (bool, error) {
	raw, ok, err := s.b.Get(ctx, KeyRememberMe)
	if err != nil || !ok {
		return false, err
	}
	v, _ := strconv.ParseBool(raw)
	return v, nil
}

// Touch records activity now.
func (s *Session) Touch(ctx context.Context) error {
	if err := s.touch(ctx, s.now()); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Type: events.ActivityUpdated, Key: KeyLastActivity})
	return nil
}

// Clear removes every session key and every stored cookie.
func (s *Session) Clear(ctx context.Context) error {
	keys := append([]string(nil), sessionKeys...)
	cookies, err := s.b.Keys(ctx, CookiePrefix)
	if err != nil {
		s.log.Warn("list cookies", zap.Error(err))
	}
	keys = append(keys, cookies...)
	if err := s.b.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.bus.Publish(events.Event{Type: events.SessionCleared})
	return nil
}

// Follow feeds keys changed by other processes into the bus as remote events.
// watch is typically File.Watch; it must block until ctx is done.
func (s *Session) Follow(ctx context.Context, watch func(context.Context, func([]string))) {
	watch(ctx, func(changed []string) {
		seen := map[events.Type]bool{}
		for _, k := range changed {
			typ, ok := eventFor(k)
			if !ok {
				continue
			}
			if typ == events.TokenChanged {
				if _, present, _ := s.b.Get(ctx, KeyAccessToken); !present {
					typ = events.SessionCleared
				}
			}
			if seen[typ] {
				continue
			}
			seen[typ] = true
			s.bus.Publish(events.Event{Type: typ, Key: k, Remote: true})
		}
	})
}

func eventFor(key string) (events.Type, bool) {
	switch key {
	case KeyAccessToken, KeyRefreshToken, KeyTokenMeta:
		return events.TokenChanged, true
	case KeyUser:
		return events.UserChanged, true
	case KeyLastActivity:
		return events.ActivityUpdated, true
	}
	return "", false
}

func (s *Session) touch(ctx context.Context, now time.Time) error {
	if err := s.b.Set(ctx, KeyLastActivity, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("save last activity: %w", err)
	}
	return nil
}

func (s *Session) ensureSessionID(ctx context.Context) error {
	if id, ok, err := s.b.Get(ctx, KeySessionID); err != nil {
		return err
	} else if ok && id != "" {
		return nil
	}
	id, err := u.NewV4()
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	return s.b.Set(ctx, KeySessionID, id.String())
}

// storedCookie is the persisted form of a cookie.
type storedCookie struct {
	Value    string    `json:"value"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	SameSite int       `json:"sameSite,omitempty"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
}

func (c storedCookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

// SetCookie stores a cookie. Failures are logged and never returned.
func (s *Session) SetCookie(ctx context.Context, name, value string, opts CookieOptions) {
	if strings.TrimSpace(name) == "" {
		s.log.Warn("cookie without a name ignored")
		return
	}
	c := storedCookie{Value: value, Secure: opts.Secure, SameSite: int(opts.SameSite), Path: opts.Path}
	if opts.MaxAge < 0 {
		s.RemoveCookie(ctx, name)
		return
	}
	if opts.MaxAge > 0 {
		c.Expires = s.now().Add(opts.MaxAge)
	}
	s.putCookie(ctx, name, c)
}

// Cookie returns the value of an unexpired cookie.
func (s *Session) Cookie(ctx context.Context, name string) (string, bool) {
	c, ok := s.getCookie(ctx, name)
	if !ok {
		return "", false
	}
	if c.expired(s.now()) {
		s.RemoveCookie(ctx, name)
		return "", false
	}
	return c.Value, true
}

// RemoveCookie deletes a cookie. Failures are logged and never returned.
func (s *Session) RemoveCookie(ctx context.Context, name string) {
	if err := s.b.Remove(ctx, CookiePrefix+name); err != nil {
		s.log.Warn("remove cookie", zap.String("name", name), zap.Error(err))
	}
}

func (s *Session) putCookie(ctx context.Context, name string, c storedCookie) {
	raw, err := json.Marshal(c)
	if err != nil {
		s.log.Warn("encode cookie", zap.String("name", name), zap.Error(err))
		return
	}
	if err := s.b.Set(ctx, CookiePrefix+name, string(raw)); err != nil {
		s.log.Warn("store cookie", zap.String("name", name), zap.Error(err))
	}
}

func (s *Session) getCookie(ctx context.Context, name string) (storedCookie, bool) {
	raw, ok, err := s.b.Get(ctx, CookiePrefix+name)
	if err != nil {
		s.log.Warn("read cookie", zap.String("name", name), zap.Error(err))
		return storedCookie{}, false
	}
	if !ok {
		return storedCookie{}, false
	}
	var c storedCookie
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		s.log.Warn("decode cookie", zap.String("name", name), zap.Error(err))
		return storedCookie{}, false
	}
	return c, true
}
