package storage

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Jar is an http.CookieJar persisted through a Session, so cookies set by the API
// survive restarts and are dropped by Session.Clear. Cookies are keyed by name only;
// the client talks to a single API host.
type Jar struct {
	s *Session
}

var _ http.CookieJar = (*Jar)(nil)

// NewJar returns a jar backed by s.
func NewJar(s *Session) *Jar { return &Jar{s: s} }

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	ctx := context.Background()
	now := j.s.now()
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && !c.Expires.After(now)) {
			j.s.RemoveCookie(ctx, c.Name)
			continue
		}
		sc := storedCookie{
			Value:    c.Value,
			Secure:   c.Secure,
			SameSite: int(c.SameSite),
			Path:     c.Path,
			Domain:   strings.TrimPrefix(strings.ToLower(c.Domain), "."),
			HTTPOnly: c.HttpOnly,
		}
		if sc.Domain == "" && u != nil {
			sc.Domain = strings.ToLower(u.Hostname())
		}
		if sc.Path == "" {
			sc.Path = "/"
		}
		switch {
		case c.MaxAge > 0:
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			sc.Expires = c.Expires
		}
		j.s.putCookie(ctx, c.Name, sc)
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	ctx := context.Background()
	keys, err := j.s.b.Keys(ctx, CookiePrefix)
	if err != nil {
		j.s.log.Warn("list cookies", zap.Error(err))
		return nil
	}
	now := j.s.now()
	host := ""
	path := "/"
	secure := false
	if u != nil {
		host = strings.ToLower(u.Hostname())
		if u.Path != "" {
			path = u.Path
		}
		secure = u.Scheme == "https"
	}

	var out []*http.Cookie
	for _, k := range keys {
		name := strings.TrimPrefix(k, CookiePrefix)
		c, ok := j.s.getCookie(ctx, name)
		if !ok {
			continue
		}
		if c.expired(now) {
			j.s.RemoveCookie(ctx, name)
			continue
		}
		if c.Secure && !secure && !isLoopback(host) {
			continue
		}
		if c.Domain != "" && !domainMatch(host, c.Domain) {
			continue
		}
		if c.Path != "" && !strings.HasPrefix(path, c.Path) {
			continue
		}
		out = append(out, &http.Cookie{Name: name, Value: c.Value})
	}
	return out
}

func domainMatch(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
