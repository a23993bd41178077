// Package service is the auth facade: the composition point the UI talks to.
package service

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/and161185/shepherd/internal/api"
	"github.com/and161185/shepherd/internal/authutil"
	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/events"
	"github.com/and161185/shepherd/internal/hydrate"
	"github.com/and161185/shepherd/internal/limiter"
	"github.com/and161185/shepherd/internal/model"
	"github.com/and161185/shepherd/internal/redact"
	"github.com/and161185/shepherd/internal/refresh"
	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often the background loop checks the token.
const DefaultRefreshInterval = time.Minute

// AuthService defines the operations exposed to the UI.
type AuthService interface {
	Init(ctx context.Context) error
	State() State
	Subscribe(fn func(State)) (unsubscribe func())

	Login(ctx context.Context, email, password string, rememberMe bool) (LoginResult, error)
	Register(ctx context.Context, r model.Registration) (LoginResult, error)
	VerifyMFA(ctx context.Context, mfaToken, code string) (LoginResult, error)
	Logout(ctx context.Context) error
	LogoutAll(ctx context.Context) error
	LogoutSession(ctx context.Context, sessionID string) error

	SetupMFA(ctx context.Context) (model.MFASetup, error)
	DisableMFA(ctx context.Context, password string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	ChangePassword(ctx context.Context, current, next string) error
	VerifyEmail(ctx context.Context, token string) error
	UpdateProfile(ctx context.Context, p model.ProfileUpdate) (model.AuthUser, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	ValidateToken(ctx context.Context) (api.TokenValidation, error)
	RefreshUser(ctx context.Context) (model.AuthUser, error)

	Close()
}

// AuthAPI is the remote surface used by the facade. It is implemented by *api.Client.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (api.LoginResult, error)
	Register(ctx context.Context, r model.Registration) (api.LoginResult, error)
	VerifyMFA(ctx context.Context, mfaToken, code string) (api.LoginResult, error)
	Logout(ctx context.Context, everywhere bool) error
	LogoutSession(ctx context.Context, sessionID string) error
	CurrentUser(ctx context.Context) (model.AuthUser, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	ChangePassword(ctx context.Context, current, next string) error
	VerifyEmail(ctx context.Context, token string) error
	EnableMFA(ctx context.Context) (model.MFASetup, error)
	DisableMFA(ctx context.Context, password string) error
	UpdateProfile(ctx context.Context, p model.ProfileUpdate) (model.AuthUser, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	ValidateToken(ctx context.Context) (api.TokenValidation, error)
}

var _ AuthAPI = (*api.Client)(nil)

// SessionStore is the persisted session. It is implemented by *storage.Session.
type SessionStore interface {
	SaveTokens(ctx context.Context, t model.AuthTokens, rememberMe bool) error
	Tokens(ctx context.Context) (model.AuthTokens, bool, error)
	SaveUser(ctx context.Context, u model.AuthUser) error
	User(ctx context.Context) (model.AuthUser, bool, error)
	Touch(ctx context.Context) error
	Clear(ctx context.Context) error
}

// LoginResult is what a successful sign-in returns to the UI.
type LoginResult struct {
	User        model.AuthUser   `json:"user" yaml:"user"`
	Tokens      model.AuthTokens `json:"tokens" yaml:"tokens"`
	RedirectTo  string           `json:"redirectTo,omitempty" yaml:"redirectTo,omitempty"`
	MFARequired bool             `json:"mfaRequired" yaml:"mfaRequired"`
	MFAToken    string           `json:"mfaToken,omitempty" yaml:"mfaToken,omitempty"`
}

// Deps are the collaborators of the facade. Bus, Hydrator and Limiter are optional.
type Deps struct {
	API      AuthAPI
	Store    SessionStore
	Refresh  *refresh.Coordinator
	Hydrator *hydrate.Hydrator
	Bus      *events.Bus
	Limiter  limiter.Limiter
	Log      *zap.Logger
}

// Config tunes the facade.
type Config struct {
	RefreshInterval time.Duration
}

// AuthServiceImpl implements AuthService.
type AuthServiceImpl struct {
	api      AuthAPI
	store    SessionStore
	refresh  *refresh.Coordinator
	hydrator *hydrate.Hydrator
	bus      *events.Bus
	lim      limiter.Limiter
	log      *zap.Logger
	interval time.Duration

	st *stateHolder

	mu              sync.Mutex
	pendingRemember bool
	initOnce        sync.Once
	unsubscribe     func()
	stop            context.CancelFunc
	wg              sync.WaitGroup
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs the facade.
func NewAuthService(d Deps, cfg Config) *AuthServiceImpl {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &AuthServiceImpl{
		api:      d.API,
		store:    d.Store,
		refresh:  d.Refresh,
		hydrator: d.Hydrator,
		bus:      d.Bus,
		lim:      d.Limiter,
		log:      d.Log,
		interval: cfg.RefreshInterval,
		st:       newStateHolder(),
	}
}

// State returns a snapshot of the reactive state.
func (s *AuthServiceImpl) State() State { return s.st.get() }

// Subscribe calls fn after every state change.
func (s *AuthServiceImpl) Subscribe(fn func(State)) func() { return s.st.subscribe(fn) }

// Init hydrates the stored session, subscribes to session events once and
// starts the background refresh loop.
func (s *AuthServiceImpl) Init(ctx context.Context) (err error) {
	defer s.recoverPanic("init", &err)
	s.st.update(func(st *State) { st.Loading = true })

	if s.hydrator != nil {
		res, herr := s.hydrator.Hydrate(ctx)
		if herr != nil {
			ae := errs.From(herr)
			s.st.update(func(st *State) { st.Loading = false; st.Error = errs.UserMessage(ae) })
			return ae
		}
		s.st.update(func(st *State) {
			st.Loading = false
			if res.Authenticated() {
				u := res.User
				st.User, st.Authenticated, st.Error = &u, true, ""
				return
			}
			st.User, st.Authenticated = nil, false
			if res.Status == hydrate.StatusIntegrityError && res.Err != nil {
				st.Error = errs.UserMessage(res.Err)
			}
		})
	} else {
		s.syncFromStore(ctx)
	}

	s.initOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.bus != nil {
			s.unsubscribe = s.bus.Subscribe(s.onEvent)
		}
		if s.refresh != nil {
			loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			s.stop = cancel
			s.wg.Add(1)
			go s.refreshLoop(loopCtx)
		}
	})
	return nil
}

// Close stops the background loop and the event subscription.
func (s *AuthServiceImpl) Close() {
	s.mu.Lock()
	stop, unsub := s.stop, s.unsubscribe
	s.stop, s.unsubscribe = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if unsub != nil {
		unsub()
	}
	s.wg.Wait()
}

func (s *AuthServiceImpl) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			attempted, res := s.refresh.Tick(ctx)
			if attempted && !res.OK() {
				s.log.Warn("background refresh failed", zap.String("code", string(res.Err.Code)))
			}
		}
	}
}

func (s *AuthServiceImpl) onEvent(e events.Event) {
	switch e.Type {
	case events.SessionCleared:
		s.st.update(func(st *State) { st.User, st.Authenticated = nil, false })
	case events.TokenChanged, events.UserChanged:
		if e.Remote {
			s.syncFromStore(context.Background())
		}
	}
}

// syncFromStore rebuilds the state from what is persisted.
func (s *AuthServiceImpl) syncFromStore(ctx context.Context) {
	_, hasTokens, terr := s.store.Tokens(ctx)
	u, hasUser, uerr := s.store.User(ctx)
	if terr != nil || uerr != nil {
		s.log.Warn("read session", zap.NamedError("tokens", terr), zap.NamedError("user", uerr))
	}
	s.st.update(func(st *State) {
		st.Loading = false
		if hasTokens && hasUser {
			st.User, st.Authenticated = &u, true
			return
		}
		st.User, st.Authenticated = nil, false
	})
}

// recoverPanic turns a panic in op into an UNKNOWN_ERROR.
func (s *AuthServiceImpl) recoverPanic(op string, err *error) {
	if r := recover(); r != nil {
		s.log.Error("panic",
			zap.Any("reason", r),
			zap.ByteString("stack", debug.Stack()),
			zap.String("op", op),
		)
		ae := errs.New(errs.CodeUnknown, "internal error", nil, true)
		s.st.update(func(st *State) { st.Loading = false; st.Error = errs.UserMessage(ae) })
		*err = ae
	}
}

// finish records the outcome of op in the state and normalises err.
func (s *AuthServiceImpl) finish(ctx context.Context, op string, err error) error {
	if err == nil {
		s.st.update(func(st *State) { st.Error = "" })
		if s.st.get().Authenticated {
			if terr := s.store.Touch(ctx); terr != nil {
				s.log.Debug("touch session", zap.Error(terr))
			}
		}
		return nil
	}
	ae := errs.From(err)
	s.log.Info("auth operation failed", zap.String("op", op), zap.String("code", string(ae.Code)))
	s.st.update(func(st *State) { st.Error = errs.UserMessage(ae) })
	return ae
}

func (s *AuthServiceImpl) loading(on bool) {
	s.st.update(func(st *State) { st.Loading = on })
}

// Login signs in with a password.
func (s *AuthServiceImpl) Login(ctx context.Context, email, password string, rememberMe bool) (res LoginResult, err error) {
	defer s.recoverPanic("login", &err)
	s.loading(true)
	defer s.loading(false)
	res, err = s.login(ctx, email, password, rememberMe)
	return res, s.finish(ctx, "login", err)
}

func (s *AuthServiceImpl) login(ctx context.Context, email, password string, rememberMe bool) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, errs.New(errs.CodeValidation, "email and password are required", nil, true)
	}
	if s.lim != nil {
		ok, retry, lerr := s.lim.Allow(ctx, email)
		if lerr != nil {
			s.log.Warn("login limiter", zap.Error(lerr))
		} else if !ok {
			return LoginResult{}, errs.New(errs.CodeRateLimited, "too many failed attempts", map[string]any{"retryAfter": retry.String()}, true)
		}
	}

	r, err := s.api.Login(ctx, email, password)
	if err != nil {
		if s.lim != nil && errs.CodeOf(err) == errs.CodeInvalidCredentials {
			if blocked, retry, ferr := s.lim.Failure(ctx, email); ferr == nil && blocked {
				s.log.Warn("login locked locally", redact.EmailField(email), zap.Duration("retry_after", retry))
				return LoginResult{}, errs.New(errs.CodeRateLimited, "too many failed attempts", map[string]any{"retryAfter": retry.String()}, true)
			}
		}
		return LoginResult{}, err
	}
	if r.MFARequired {
		s.mu.Lock()
		s.pendingRemember = rememberMe
		s.mu.Unlock()
		return LoginResult{MFARequired: true, MFAToken: r.MFAToken}, nil
	}
	if s.lim != nil {
		if lerr := s.lim.Success(ctx, email); lerr != nil {
			s.log.Debug("limiter reset", zap.Error(lerr))
		}
	}
	return s.establish(ctx, r, rememberMe)
}

// establish persists a fresh session and publishes it to the state.
func (s *AuthServiceImpl) establish(ctx context.Context, r api.LoginResult, rememberMe bool) (LoginResult, error) {
	if !r.HasTokens {
		return LoginResult{}, errs.Terminal(errs.CodeInvalidResponse, "sign-in returned no tokens")
	}
	if err := s.store.SaveTokens(ctx, r.Tokens, rememberMe); err != nil {
		return LoginResult{}, errs.Wrap(errs.CodeUnknown, err, true)
	}
	user := authutil.SanitizeUser(r.User)
	if err := s.store.SaveUser(ctx, user); err != nil {
		return LoginResult{}, errs.Wrap(errs.CodeUnknown, err, true)
	}
	if s.refresh != nil {
		s.refresh.Reset()
	}
	s.st.update(func(st *State) { st.User, st.Authenticated = &user, true })
	s.log.Info("signed in", zap.String("user_id", user.ID), zap.String("role", user.PrimaryRole))
	return LoginResult{User: user, Tokens: r.Tokens, RedirectTo: RedirectFor(user.PrimaryRole)}, nil
}

// Register creates an account and signs in when the server issues tokens.
func (s *AuthServiceImpl) Register(ctx context.Context, r model.Registration) (res LoginResult, err error) {
	defer s.recoverPanic("register", &err)
	s.loading(true)
	defer s.loading(false)
	res, err = s.register(ctx, r)
	return res, s.finish(ctx, "register", err)
}

func (s *AuthServiceImpl) register(ctx context.Context, r model.Registration) (LoginResult, error) {
	if !authutil.ValidEmail(r.Email) {
		return LoginResult{}, errs.New(errs.CodeValidation, "invalid email address", nil, true)
	}
	if err := checkPassword(r.Password); err != nil {
		return LoginResult{}, err
	}
	out, err := s.api.Register(ctx, r)
	if err != nil {
		return LoginResult{}, err
	}
	if !out.HasTokens {
		return LoginResult{User: out.User}, nil
	}
	return s.establish(ctx, out, false)
}

// VerifyMFA finishes a sign-in that asked for a second factor.
func (s *AuthServiceImpl) VerifyMFA(ctx context.Context, mfaToken, code string) (res LoginResult, err error) {
	defer s.recoverPanic("verify_mfa", &err)
	s.loading(true)
	defer s.loading(false)
	res, err = s.verifyMFA(ctx, mfaToken, code)
	return res, s.finish(ctx, "verify_mfa", err)
}

func (s *AuthServiceImpl) verifyMFA(ctx context.Context, mfaToken, code string) (LoginResult, error) {
	if strings.TrimSpace(mfaToken) == "" || strings.TrimSpace(code) == "" {
		return LoginResult{}, errs.New(errs.CodeValidation, "verification token and code are required", nil, true)
	}
	r, err := s.api.VerifyMFA(ctx, mfaToken, code)
	if err != nil {
		return LoginResult{}, err
	}
	s.mu.Lock()
	remember := s.pendingRemember
	s.pendingRemember = false
	s.mu.Unlock()
	return s.establish(ctx, r, remember)
}

// Logout ends this session. Local state is always cleared; a failed remote
// call is only logged.
func (s *AuthServiceImpl) Logout(ctx context.Context) (err error) {
	defer s.recoverPanic("logout", &err)
	if rerr := s.logout(ctx, false); rerr != nil {
		s.log.Warn("remote logout failed", zap.String("code", string(errs.CodeOf(rerr))))
	}
	return s.finish(ctx, "logout", nil)
}

// LogoutAll ends every session of the user. Local state is always cleared and
// a failed remote call is reported, since other devices may remain signed in.
func (s *AuthServiceImpl) LogoutAll(ctx context.Context) (err error) {
	defer s.recoverPanic("logout_all", &err)
	return s.finish(ctx, "logout_all", s.logout(ctx, true))
}

func (s *AuthServiceImpl) logout(ctx context.Context, everywhere bool) error {
	s.loading(true)
	defer s.loading(false)
	err := s.api.Logout(ctx, everywhere)
	// Clearing is idempotent; it guards against an API that skipped it.
	if cerr := s.store.Clear(context.WithoutCancel(ctx)); cerr != nil {
		s.log.Error("clear session", zap.Error(cerr))
	}
	s.st.update(func(st *State) { st.User, st.Authenticated = nil, false })
	return err
}

// LogoutSession revokes another session of the user.
func (s *AuthServiceImpl) LogoutSession(ctx context.Context, sessionID string) (err error) {
	defer s.recoverPanic("logout_session", &err)
	return s.finish(ctx, "logout_session", s.api.LogoutSession(ctx, sessionID))
}

// SetupMFA starts MFA enrolment.
func (s *AuthServiceImpl) SetupMFA(ctx context.Context) (m model.MFASetup, err error) {
	defer s.recoverPanic("setup_mfa", &err)
	m, err = s.api.EnableMFA(ctx)
	return m, s.finish(ctx, "setup_mfa", err)
}

// DisableMFA turns MFA off.
func (s *AuthServiceImpl) DisableMFA(ctx context.Context, password string) (err error) {
	defer s.recoverPanic("disable_mfa", &err)
	if password == "" {
		return s.finish(ctx, "disable_mfa", errs.New(errs.CodeValidation, "password is required", nil, true))
	}
	return s.finish(ctx, "disable_mfa", s.api.DisableMFA(ctx, password))
}

// RequestPasswordReset mails a reset link.
func (s *AuthServiceImpl) RequestPasswordReset(ctx context.Context, email string) (err error) {
	defer s.recoverPanic("request_password_reset", &err)
	if !authutil.ValidEmail(email) {
		return s.finish(ctx, "request_password_reset", errs.New(errs.CodeValidation, "invalid email address", nil, true))
	}
	return s.finish(ctx, "request_password_reset", s.api.RequestPasswordReset(ctx, email))
}

// ResetPassword sets a new password from a reset token.
func (s *AuthServiceImpl) ResetPassword(ctx context.Context, token, newPassword string) (err error) {
	defer s.recoverPanic("reset_password", &err)
	if strings.TrimSpace(token) == "" {
		return s.finish(ctx, "reset_password", errs.New(errs.CodeValidation, "reset token is required", nil, true))
	}
	if verr := checkPassword(newPassword); verr != nil {
		return s.finish(ctx, "reset_password", verr)
	}
	return s.finish(ctx, "reset_password", s.api.ResetPassword(ctx, token, newPassword))
}

// ChangePassword validates the new password locally before asking the server.
func (s *AuthServiceImpl) ChangePassword(ctx context.Context, current, next string) (err error) {
	defer s.recoverPanic("change_password", &err)
	switch {
	case current == "":
		err = errs.New(errs.CodeValidation, "current password is required", nil, true)
	case current == next:
		err = errs.New(errs.CodeValidation, "new password must differ from the current one", nil, true)
	default:
		err = checkPassword(next)
	}
	if err != nil {
		return s.finish(ctx, "change_password", err)
	}
	return s.finish(ctx, "change_password", s.api.ChangePassword(ctx, current, next))
}

// VerifyEmail confirms the address and reloads the user when signed in.
func (s *AuthServiceImpl) VerifyEmail(ctx context.Context, token string) (err error) {
	defer s.recoverPanic("verify_email", &err)
	if err = s.api.VerifyEmail(ctx, token); err == nil && s.st.get().Authenticated {
		if _, uerr := s.reloadUser(ctx); uerr != nil {
			s.log.Debug("reload user after email verification", zap.Error(uerr))
		}
	}
	return s.finish(ctx, "verify_email", err)
}

// UpdateProfile changes profile fields and persists the returned user.
func (s *AuthServiceImpl) UpdateProfile(ctx context.Context, p model.ProfileUpdate) (u model.AuthUser, err error) {
	defer s.recoverPanic("update_profile", &err)
	u, err = s.api.UpdateProfile(ctx, p)
	if err == nil {
		err = s.saveUser(ctx, u)
	}
	return u, s.finish(ctx, "update_profile", err)
}

// ListSessions lists the user's sessions.
func (s *AuthServiceImpl) ListSessions(ctx context.Context) (out []model.Session, err error) {
	defer s.recoverPanic("list_sessions", &err)
	out, err = s.api.ListSessions(ctx)
	return out, s.finish(ctx, "list_sessions", err)
}

// ValidateToken asks the server about the current token.
func (s *AuthServiceImpl) ValidateToken(ctx context.Context) (v api.TokenValidation, err error) {
	defer s.recoverPanic("validate_token", &err)
	v, err = s.api.ValidateToken(ctx)
	return v, s.finish(ctx, "validate_token", err)
}

// RefreshUser reloads the signed-in user from the server.
func (s *AuthServiceImpl) RefreshUser(ctx context.Context) (u model.AuthUser, err error) {
	defer s.recoverPanic("refresh_user", &err)
	u, err = s.reloadUser(ctx)
	return u, s.finish(ctx, "refresh_user", err)
}

func (s *AuthServiceImpl) reloadUser(ctx context.Context) (model.AuthUser, error) {
	u, err := s.api.CurrentUser(ctx)
	if err != nil {
		return model.AuthUser{}, err
	}
	return u, s.saveUser(ctx, u)
}

func (s *AuthServiceImpl) saveUser(ctx context.Context, u model.AuthUser) error {
	u = authutil.SanitizeUser(u)
	if err := s.store.SaveUser(ctx, u); err != nil {
		return errs.Wrap(errs.CodeUnknown, err, true)
	}
	s.st.update(func(st *State) {
		if st.Authenticated {
			st.User = &u
		}
	})
	return nil
}

func checkPassword(pw string) error {
	check := authutil.ValidatePassword(pw)
	if check.IsValid {
		return nil
	}
	return errs.New(errs.CodeValidation, check.Errors[0], check.Errors, true)
}
