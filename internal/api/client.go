// Package api is the auth API client: every remote auth operation, normalised into
// domain values and AuthErrors.
package api

import (
	"context"
	"strings"
	"time"

	"github.com/and161185/shepherd/internal/authutil"
	"github.com/and161185/shepherd/internal/convert"
	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/graphql"
	"github.com/and161185/shepherd/internal/model"
	"github.com/and161185/shepherd/internal/redact"
	"go.uber.org/zap"
)

// Transport executes GraphQL operations. It is implemented by *graphql.Client.
type Transport interface {
	Do(ctx context.Context, op string, vars map[string]any, out any, opts ...graphql.CallOption) error
}

// SessionStore is the persisted session the client reads the refresh token from
// and clears on logout.
type SessionStore interface {
	Tokens(ctx context.Context) (model.AuthTokens, bool, error)
	Clear(ctx context.Context) error
}

// Config holds token lifetime fallbacks used when the server states no expiry.
type Config struct {
	FallbackTokenTTL   time.Duration
	RefreshFallbackTTL time.Duration
}

// LoginResult is the outcome of login-like operations. When MFARequired is set
// the user is not authenticated yet and Tokens is empty.
type LoginResult struct {
	User        model.AuthUser
	Tokens      model.AuthTokens
	HasTokens   bool
	MFARequired bool
	MFAToken    string
}

// TokenValidation is the server's view of the current access token.
type TokenValidation struct {
	Valid     bool
	ExpiresAt time.Time
	User      *model.AuthUser
}

// Client issues auth operations.
type Client struct {
	t     Transport
	store SessionStore
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// New builds a client. A nil transport makes every call fail with API_NOT_INITIALIZED.
func New(t Transport, store SessionStore, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FallbackTokenTTL <= 0 {
		cfg.FallbackTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshFallbackTTL <= 0 {
		cfg.RefreshFallbackTTL = 7 * 24 * time.Hour
	}
	return &Client{t: t, store: store, cfg: cfg, log: log, now: time.Now}
}

// WithClock overrides the time source and returns c.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) do(ctx context.Context, op string, vars map[string]any, out any, opts ...graphql.CallOption) error {
	if c.t == nil {
		return errs.Terminal(errs.CodeAPINotInitialized, "api client used before transport was configured")
	}
	if err := c.t.Do(ctx, op, vars, out, opts...); err != nil {
		return MapError(err)
	}
	return nil
}

func (c *Client) tokens(in convert.TokenInput) (model.AuthTokens, error) {
	res, err := convert.FromWireTokens(in, convert.TokenPolicy{
		Now:                c.now(),
		FallbackTTL:        c.cfg.FallbackTokenTTL,
		RefreshFallbackTTL: c.cfg.RefreshFallbackTTL,
	})
	if err != nil {
		return model.AuthTokens{}, MapError(err)
	}
	switch {
	case res.Source == convert.ExpiryFallback:
		c.log.Warn("token expiry not stated by server, assuming fallback",
			zap.Duration("ttl", c.cfg.FallbackTokenTTL))
	case res.Divergence > time.Minute || res.Divergence < -time.Minute:
		c.log.Warn("token exp claim disagrees with expiresIn, using claim",
			zap.Duration("divergence", res.Divergence))
	}
	return res.Tokens, nil
}

func (c *Client) loginResult(p *graphql.AuthPayload, requireTokens bool) (LoginResult, error) {
	if p == nil {
		return LoginResult{}, errs.Terminal(errs.CodeInvalidResponse, "empty auth payload")
	}
	if p.MFARequired != nil && *p.MFARequired {
		tok := ""
		if p.MFAToken != nil {
			tok = *p.MFAToken
		}
		return LoginResult{MFARequired: true, MFAToken: tok}, nil
	}
	user, err := convert.FromWireUser(p.User)
	if err != nil {
		return LoginResult{}, MapError(err)
	}
	res := LoginResult{User: user}
	in := convert.FromAuthPayload(p)
	if in.AccessToken == "" {
		if requireTokens {
			return LoginResult{}, errs.Terminal(errs.CodeInvalidResponse, "auth payload without access token")
		}
		return res, nil
	}
	if res.Tokens, err = c.tokens(in); err != nil {
		return LoginResult{}, err
	}
	res.HasTokens = true
	return res, nil
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out struct {
		Login *graphql.AuthPayload `json:"login"`
	}
	vars := map[string]any{"input": map[string]any{"email": strings.TrimSpace(email), "password": password}}
	if err := c.do(ctx, graphql.OpLogin, vars, &out, graphql.WithoutAuth()); err != nil {
		c.log.Info("login failed", redact.EmailField(email), zap.String("code", string(errs.CodeOf(err))))
		return LoginResult{}, err
	}
	return c.loginResult(out.Login, true)
}

// Register creates an account. Tokens are returned only when the server signs the user in.
func (c *Client) Register(ctx context.Context, r model.Registration) (LoginResult, error) {
	input := map[string]any{
		"email":     strings.TrimSpace(r.Email),
		"password":  r.Password,
		"firstName": strings.TrimSpace(r.FirstName),
		"lastName":  strings.TrimSpace(r.LastName),
	}
	if r.OrganisationID != "" {
		input["organisationId"] = r.OrganisationID
	}
	if r.BranchID != "" {
		input["branchId"] = r.BranchID
	}
	var out struct {
		Register *graphql.AuthPayload `json:"register"`
	}
	if err := c.do(ctx, graphql.OpRegister, map[string]any{"input": input}, &out, graphql.WithoutAuth()); err != nil {
		return LoginResult{}, err
	}
	return c.loginResult(out.Register, false)
}

// RefreshToken exchanges the stored refresh token for a new pair. It fails without
// a network call when no usable refresh token is stored.
func (c *Client) RefreshToken(ctx context.Context) (model.AuthTokens, error) {
	if c.store == nil {
		return model.AuthTokens{}, errs.Terminal(errs.CodeAPINotInitialized, "api client has no session store")
	}
	cur, ok, err := c.store.Tokens(ctx)
	if err != nil {
		return model.AuthTokens{}, errs.Wrap(errs.CodeUnknown, err, true)
	}
	if !ok || cur.RefreshToken == "" {
		return model.AuthTokens{}, errs.Terminal(errs.CodeNoRefreshToken, "no refresh token available")
	}
	if authutil.IsRefreshTokenExpiredAt(cur.RefreshExpiresAt, c.now()) {
		return model.AuthTokens{}, errs.Terminal(errs.CodeRefreshTokenExpired, "refresh token expired")
	}

	var out struct {
		RefreshToken *graphql.TokenPayload `json:"refreshToken"`
	}
	vars := map[string]any{"refreshToken": cur.RefreshToken}
	if err := c.do(ctx, graphql.OpRefreshToken, vars, &out, graphql.WithoutAuth()); err != nil {
		return model.AuthTokens{}, err
	}
	next, err := c.tokens(convert.FromTokenPayload(out.RefreshToken))
	if err != nil {
		return model.AuthTokens{}, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
		next.RefreshExpiresAt = cur.RefreshExpiresAt
	}
	return next, nil
}

// CurrentUser fetches the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (model.AuthUser, error) {
	var out struct {
		Me *graphql.User `json:"me"`
	}
	if err := c.do(ctx, graphql.OpCurrentUser, nil, &out); err != nil {
		return model.AuthUser{}, err
	}
	u, err := convert.FromWireUser(out.Me)
	if err != nil {
		return model.AuthUser{}, MapError(err)
	}
	return u, nil
}

// Logout ends the session remotely, optionally on every device. Local session
// state and cookies are cleared even when the remote call fails.
func (c *Client) Logout(ctx context.Context, everywhere bool) error {
	var out struct {
		Logout bool `json:"logout"`
	}
	remoteErr := c.do(ctx, graphql.OpLogout, map[string]any{"everywhere": everywhere}, &out)
	if c.store != nil {
		if err := c.store.Clear(context.WithoutCancel(ctx)); err != nil {
			c.log.Error("clear local session", zap.Error(err))
		}
	}
	if remoteErr != nil {
		c.log.Warn("remote logout failed, local session cleared", zap.Error(remoteErr))
		return remoteErr
	}
	return nil
}

// LogoutSession revokes one of the user's sessions.
func (c *Client) LogoutSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errs.New(errs.CodeValidation, "session id is required", nil, true)
	}
	var out struct {
		OK bool `json:"logoutSession"`
	}
	if err := c.do(ctx, graphql.OpLogoutSession, map[string]any{"sessionId": sessionID}, &out); err != nil {
		return err
	}
	return rejected(graphql.OpLogoutSession, out.OK)
}

// RequestPasswordReset asks the server to mail a reset link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	var out struct {
		OK bool `json:"requestPasswordReset"`
	}
	vars := map[string]any{"email": strings.TrimSpace(email)}
	if err := c.do(ctx, graphql.OpRequestPasswordReset, vars, &out, graphql.WithoutAuth()); err != nil {
		return err
	}
	return rejected(graphql.OpRequestPasswordReset, out.OK)
}

// ResetPassword sets a new password using a reset token.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	var out struct {
		OK bool `json:"resetPassword"`
	}
	vars := map[string]any{"token": token, "newPassword": newPassword}
	if err := c.do(ctx, graphql.OpResetPassword, vars, &out, graphql.WithoutAuth()); err != nil {
		return err
	}
	return rejected(graphql.OpResetPassword, out.OK)
}

// ChangePassword changes the password of the signed-in user.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	var out struct {
		OK bool `json:"changePassword"`
	}
	vars := map[string]any{"currentPassword": current, "newPassword": next}
	if err := c.do(ctx, graphql.OpChangePassword, vars, &out); err != nil {
		return err
	}
	return rejected(graphql.OpChangePassword, out.OK)
}

// VerifyEmail confirms an address with the mailed token.
func (c *Client) VerifyEmail(ctx context.Context, token string) error {
	var out struct {
		OK bool `json:"verifyEmail"`
	}
	if err := c.do(ctx, graphql.OpVerifyEmail, map[string]any{"token": token}, &out, graphql.WithoutAuth()); err != nil {
		return err
	}
	return rejected(graphql.OpVerifyEmail, out.OK)
}

// EnableMFA starts MFA enrolment.
func (c *Client) EnableMFA(ctx context.Context) (model.MFASetup, error) {
	var out struct {
		Setup *graphql.MfaSetup `json:"enableMfa"`
	}
	if err := c.do(ctx, graphql.OpEnableMFA, nil, &out); err != nil {
		return model.MFASetup{}, err
	}
	m, err := convert.FromWireMFASetup(out.Setup)
	if err != nil {
		return model.MFASetup{}, MapError(err)
	}
	return m, nil
}

// DisableMFA turns MFA off after re-checking the password.
func (c *Client) DisableMFA(ctx context.Context, password string) error {
	var out struct {
		OK bool `json:"disableMfa"`
	}
	if err := c.do(ctx, graphql.OpDisableMFA, map[string]any{"password": password}, &out); err != nil {
		return err
	}
	return rejected(graphql.OpDisableMFA, out.OK)
}

// VerifyMFA completes a login that required a second factor.
func (c *Client) VerifyMFA(ctx context.Context, mfaToken, code string) (LoginResult, error) {
	var out struct {
		Verify *graphql.AuthPayload `json:"verifyMfa"`
	}
	vars := map[string]any{"mfaToken": mfaToken, "code": strings.TrimSpace(code)}
	if err := c.do(ctx, graphql.OpVerifyMFA, vars, &out, graphql.WithoutAuth()); err != nil {
		return LoginResult{}, err
	}
	res, err := c.loginResult(out.Verify, true)
	if err == nil && res.MFARequired {
		return LoginResult{}, errs.Terminal(errs.CodeInvalidResponse, "mfa verification asked for another factor")
	}
	return res, err
}

// UpdateProfile changes the given profile fields.
func (c *Client) UpdateProfile(ctx context.Context, p model.ProfileUpdate) (model.AuthUser, error) {
	if p.Empty() {
		return model.AuthUser{}, errs.New(errs.CodeValidation, "nothing to update", nil, true)
	}
	input := map[string]any{}
	set := func(k string, v *string) {
		if v != nil {
			input[k] = strings.TrimSpace(*v)
		}
	}
	set("firstName", p.FirstName)
	set("lastName", p.LastName)
	set("phone", p.Phone)
	set("email", p.Email)
	if v, ok := input["email"].(string); ok && !authutil.ValidEmail(v) {
		return model.AuthUser{}, errs.New(errs.CodeValidation, "invalid email address", nil, true)
	}

	var out struct {
		User *graphql.User `json:"updateProfile"`
	}
	if err := c.do(ctx, graphql.OpUpdateProfile, map[string]any{"input": input}, &out); err != nil {
		return model.AuthUser{}, err
	}
	u, err := convert.FromWireUser(out.User)
	if err != nil {
		return model.AuthUser{}, MapError(err)
	}
	return u, nil
}

// ListSessions lists the user's active sessions.
func (c *Client) ListSessions(ctx context.Context) ([]model.Session, error) {
	var out struct {
		Sessions []graphql.Session `json:"mySessions"`
	}
	if err := c.do(ctx, graphql.OpListSessions, nil, &out); err != nil {
		return nil, err
	}
	return convert.FromWireSessions(out.Sessions), nil
}

// ValidateToken asks the server whether the current access token is accepted.
func (c *Client) ValidateToken(ctx context.Context) (TokenValidation, error) {
	var out struct {
		V *graphql.TokenValidation `json:"validateToken"`
	}
	if err := c.do(ctx, graphql.OpValidateToken, nil, &out); err != nil {
		return TokenValidation{}, err
	}
	if out.V == nil {
		return TokenValidation{}, errs.Terminal(errs.CodeInvalidResponse, "empty token validation")
	}
	res := TokenValidation{Valid: out.V.Valid}
	if out.V.ExpiresAt != nil {
		res.ExpiresAt = *out.V.ExpiresAt
	}
	if out.V.User != nil {
		u, err := convert.FromWireUser(out.V.User)
		if err != nil {
			return TokenValidation{}, MapError(err)
		}
		res.User = &u
	}
	return res, nil
}

func rejected(op string, ok bool) error {
	if ok {
		return nil
	}
	return errs.New(errs.CodeGraphQL, op+" was rejected by the server", nil, true)
}
