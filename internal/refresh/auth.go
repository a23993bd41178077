package refresh

import (
	"context"
	"errors"

	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/graphql"
	"github.com/and161185/shepherd/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var _ graphql.Authenticator = (*Coordinator)(nil)

// Token returns the access token for an outgoing request, refreshing first when
// it is within the threshold. A failed refresh falls back to the stored token.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	if c.store == nil {
		return "", nil
	}
	t, ok, err := c.store.Tokens(ctx)
	if err != nil || !ok {
		return "", err
	}
	if t.HasRefresh() && c.NeedsRefresh(t) {
		res := c.Refresh(ctx)
		if res.OK() {
			return res.Tokens.AccessToken, nil
		}
		c.log.Debug("pre-request refresh failed, using stored token", zap.String("code", string(res.Err.Code)))
		if !res.Err.Recoverable {
			return "", res.Err
		}
	}
	return t.AccessToken, nil
}

// Recover is the second chance after the server rejected a token. When the
// refresh fails the session is cleared and the user redirected.
func (c *Coordinator) Recover(ctx context.Context) bool {
	if n := c.Failures(); n >= c.cfg.MaxAttempts {
		c.metrics.Refresh(metrics.OutcomeCeiling)
		c.log.Warn("token rejected after refresh ceiling", zap.Int("failures", n))
		c.end(context.WithoutCancel(ctx), errs.Terminal(errs.CodeMaxRefreshAttempts, "maximum refresh attempts exceeded"))
		return false
	}
	res := c.Refresh(ctx)
	if res.OK() {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	// Terminal failures already ended the session inside the refresh.
	if res.Err.Recoverable {
		c.end(context.WithoutCancel(ctx), errs.New(errs.CodeTokenExpired, "session could not be renewed", nil, false))
	}
	return false
}

// ErrNoSession is returned by the token source when nothing is stored.
var ErrNoSession = errors.New("no stored session")

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

// TokenSource exposes the managed session as an oauth2.TokenSource.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	if s.c.store == nil {
		return nil, ErrNoSession
	}
	t, ok, err := s.c.store.Tokens(s.ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	if t.HasRefresh() && s.c.NeedsRefresh(t) {
		res := s.c.Refresh(s.ctx)
		if !res.OK() {
			return nil, res.Err
		}
		t = res.Tokens
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}, nil
}
