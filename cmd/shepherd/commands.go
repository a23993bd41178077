package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/model"
	"github.com/and161185/shepherd/internal/redact"
	"github.com/and161185/shepherd/internal/refresh"
	"github.com/and161185/shepherd/internal/security"
	"github.com/and161185/shepherd/internal/service"
)

type command struct {
	run         func(ctx context.Context, a *app, c *cli, args []string) error
	longRunning bool
}

var commands = map[string]command{
	"login":                  {run: cmdLogin},
	"mfa-verify":             {run: cmdMFAVerify},
	"register":               {run: cmdRegister},
	"logout":                 {run: cmdLogout},
	"logout-session":         {run: cmdLogoutSession},
	"whoami":                 {run: cmdWhoami},
	"status":                 {run: cmdStatus},
	"refresh":                {run: cmdRefresh},
	"token":                  {run: cmdToken},
	"sessions":               {run: cmdSessions},
	"validate":               {run: cmdValidate},
	"password-reset-request": {run: cmdPasswordResetRequest},
	"password-reset":         {run: cmdPasswordReset},
	"password-change":        {run: cmdPasswordChange},
	"verify-email":           {run: cmdVerifyEmail},
	"mfa-enable":             {run: cmdMFAEnable},
	"mfa-disable":            {run: cmdMFADisable},
	"profile":                {run: cmdProfile},
	"risk":                   {run: cmdRisk},
	"watch":                  {run: cmdWatch, longRunning: true},
}

const passwordEnv = "SHEPHERD_PASSWORD"

func newFlags(name string, c *cli) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errw)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageErrorf("%s: %v", fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return usageErrorf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	return nil
}

func required(fs *flag.FlagSet, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return usageErrorf("%s: -%s is required", fs.Name(), pairs[i])
		}
	}
	return nil
}

// password returns v, or falls back to the environment and then to one line of stdin.
func (c *cli) password(v string) (string, error) {
	if v != "" {
		return v, nil
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return env, nil
	}
	if c.in == nil {
		return "", usageErrorf("password is required")
	}
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", usageErrorf("password is required")
	}
	return line, nil
}

// sessionView is what a sign-in prints. Tokens never reach stdout.
type sessionView struct {
	User             *model.AuthUser `json:"user,omitempty" yaml:"user,omitempty"`
	RedirectTo       string          `json:"redirectTo,omitempty" yaml:"redirectTo,omitempty"`
	ExpiresAt        *time.Time      `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	RefreshExpiresAt *time.Time      `json:"refreshExpiresAt,omitempty" yaml:"refreshExpiresAt,omitempty"`
	MFARequired      bool            `json:"mfaRequired" yaml:"mfaRequired"`
	MFAToken         string          `json:"mfaToken,omitempty" yaml:"mfaToken,omitempty"`
}

func viewOf(r service.LoginResult) sessionView {
	if r.MFARequired {
		return sessionView{MFARequired: true, MFAToken: r.MFAToken}
	}
	u := r.User
	v := sessionView{User: &u, RedirectTo: r.RedirectTo, ExpiresAt: timePtr(r.Tokens.ExpiresAt)}
	v.RefreshExpiresAt = timePtr(r.Tokens.RefreshExpiresAt)
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func cmdLogin(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("login", c)
	email := fs.String("e", "", "email")
	pw := fs.String("p", "", "password")
	remember := fs.Bool("remember", false, "keep the session beyond inactivity timeout")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "e", *email); err != nil {
		return err
	}
	password, err := c.password(*pw)
	if err != nil {
		return err
	}
	res, err := a.svc.Login(ctx, *email, password, *remember)
	if err != nil {
		return err
	}
	return c.print(viewOf(res))
}

func cmdMFAVerify(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("mfa-verify", c)
	token := fs.String("token", "", "mfa token from login")
	code := fs.String("code", "", "one-time code")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "token", *token, "code", *code); err != nil {
		return err
	}
	res, err := a.svc.VerifyMFA(ctx, *token, *code)
	if err != nil {
		return err
	}
	return c.print(viewOf(res))
}

func cmdRegister(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("register", c)
	var r model.Registration
	fs.StringVar(&r.Email, "e", "", "email")
	pw := fs.String("p", "", "password")
	fs.StringVar(&r.FirstName, "first", "", "first name")
	fs.StringVar(&r.LastName, "last", "", "last name")
	fs.StringVar(&r.OrganisationID, "org", "", "organisation id")
	fs.StringVar(&r.BranchID, "branch", "", "branch id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "e", r.Email, "first", r.FirstName, "last", r.LastName); err != nil {
		return err
	}
	password, err := c.password(*pw)
	if err != nil {
		return err
	}
	r.Password = password
	res, err := a.svc.Register(ctx, r)
	if err != nil {
		return err
	}
	return c.print(viewOf(res))
}

func cmdLogout(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("logout", c)
	all := fs.Bool("all", false, "end every session of this account")
	if err := parse(fs, args); err != nil {
		return err
	}
	var err error
	if *all {
		err = a.svc.LogoutAll(ctx)
	} else {
		err = a.svc.Logout(ctx)
	}
	if err != nil {
		return err
	}
	return c.print(map[string]bool{"loggedOut": true})
}

func cmdLogoutSession(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("logout-session", c)
	id := fs.String("id", "", "session id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "id", *id); err != nil {
		return err
	}
	if err := a.svc.LogoutSession(ctx, *id); err != nil {
		return err
	}
	return c.print(map[string]string{"revoked": *id})
}

func requireSignedIn(a *app) error {
	if !a.svc.State().Authenticated {
		return errs.New(errs.CodeNotAuthenticated, "Not signed in", nil, false)
	}
	return nil
}

func cmdWhoami(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("whoami", c)
	remote := fs.Bool("remote", false, "reload the profile from the API")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSignedIn(a); err != nil {
		return err
	}
	if *remote {
		u, err := a.svc.RefreshUser(ctx)
		if err != nil {
			return err
		}
		return c.print(u)
	}
	return c.print(a.svc.State().User)
}

type statusView struct {
	Session  service.State      `json:"session" yaml:"session"`
	Refresh  refreshView        `json:"refresh" yaml:"refresh"`
	Storage  storageView        `json:"storage" yaml:"storage"`
	Tokens   *model.TokenMeta   `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	Activity *model.SessionMeta `json:"activity,omitempty" yaml:"activity,omitempty"`
}

type refreshView struct {
	State    refresh.State `json:"state" yaml:"state"`
	Failures int           `json:"failures" yaml:"failures"`
}

type storageView struct {
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

func (a *app) status(ctx context.Context) (statusView, error) {
	v := statusView{
		Session: a.svc.State(),
		Refresh: refreshView{State: a.coord.State(), Failures: a.coord.Failures()},
		Storage: storageView{Backend: a.cfg.Storage.Backend},
	}
	if a.opened.File != nil {
		v.Storage.Path = a.opened.File.Path()
	}
	tm, ok, err := a.session.TokenMeta(ctx)
	if err != nil {
		return v, err
	}
	if ok {
		v.Tokens = &tm
	}
	if v.Session.Authenticated {
		m, err := a.session.Meta(ctx)
		if err != nil {
			return v, err
		}
		v.Activity = &m
	}
	return v, nil
}

func cmdStatus(ctx context.Context, a *app, c *cli, args []string) error {
	if err := parse(newFlags("status", c), args); err != nil {
		return err
	}
	v, err := a.status(ctx)
	if err != nil {
		return err
	}
	return c.print(v)
}

func cmdRefresh(ctx context.Context, a *app, c *cli, args []string) error {
	if err := parse(newFlags("refresh", c), args); err != nil {
		return err
	}
	res := a.coord.Refresh(ctx)
	if !res.OK() {
		return res.Err
	}
	return c.print(sessionView{
		ExpiresAt:        timePtr(res.Tokens.ExpiresAt),
		RefreshExpiresAt: timePtr(res.Tokens.RefreshExpiresAt),
	})
}

func cmdToken(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("token", c)
	reveal := fs.Bool("reveal", false, "print the full access token")
	if err := parse(fs, args); err != nil {
		return err
	}
	tok, err := a.coord.TokenSource(ctx).Token()
	if errors.Is(err, refresh.ErrNoSession) {
		return errs.New(errs.CodeNotAuthenticated, "Not signed in", nil, false)
	}
	if err != nil {
		return err
	}
	access := redact.Token(tok.AccessToken)
	if *reveal {
		access = tok.AccessToken
	}
	return c.print(map[string]any{
		"tokenType":   tok.TokenType,
		"accessToken": access,
		"expiry":      tok.Expiry,
	})
}

func cmdSessions(ctx context.Context, a *app, c *cli, args []string) error {
	if err := parse(newFlags("sessions", c), args); err != nil {
		return err
	}
	out, err := a.svc.ListSessions(ctx)
	if err != nil {
		return err
	}
	return c.print(out)
}

func cmdValidate(ctx context.Context, a *app, c *cli, args []string) error {
	if err := parse(newFlags("validate", c), args); err != nil {
		return err
	}
	v, err := a.svc.ValidateToken(ctx)
	if err != nil {
		return err
	}
	return c.print(map[string]any{"valid": v.Valid, "expiresAt": timePtr(v.ExpiresAt), "user": v.User})
}

func cmdPasswordResetRequest(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("password-reset-request", c)
	email := fs.String("e", "", "email")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "e", *email); err != nil {
		return err
	}
	if err := a.svc.RequestPasswordReset(ctx, *email); err != nil {
		return err
	}
	return c.print(map[string]bool{"requested": true})
}

func cmdPasswordReset(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("password-reset", c)
	token := fs.String("token", "", "reset token from the email")
	pw := fs.String("p", "", "new password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "token", *token); err != nil {
		return err
	}
	password, err := c.password(*pw)
	if err != nil {
		return err
	}
	if err := a.svc.ResetPassword(ctx, *token, password); err != nil {
		return err
	}
	return c.print(map[string]bool{"reset": true})
}

func cmdPasswordChange(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("password-change", c)
	current := fs.String("current", "", "current password")
	next := fs.String("new", "", "new password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "current", *current, "new", *next); err != nil {
		return err
	}
	if err := a.svc.ChangePassword(ctx, *current, *next); err != nil {
		return err
	}
	return c.print(map[string]bool{"changed": true})
}

func cmdVerifyEmail(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("verify-email", c)
	token := fs.String("token", "", "verification token")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required(fs, "token", *token); err != nil {
		return err
	}
	if err := a.svc.VerifyEmail(ctx, *token); err != nil {
		return err
	}
	return c.print(map[string]bool{"verified": true})
}

func cmdMFAEnable(ctx context.Context, a *app, c *cli, args []string) error {
	if err := parse(newFlags("mfa-enable", c), args); err != nil {
		return err
	}
	setup, err := a.svc.SetupMFA(ctx)
	if err != nil {
		return err
	}
	return c.print(setup)
}

func cmdMFADisable(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("mfa-disable", c)
	pw := fs.String("p", "", "password")
	if err := parse(fs, args); err != nil {
		return err
	}
	password, err := c.password(*pw)
	if err != nil {
		return err
	}
	if err := a.svc.DisableMFA(ctx, password); err != nil {
		return err
	}
	return c.print(map[string]bool{"mfaEnabled": false})
}

func cmdProfile(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("profile", c)
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	phone := fs.String("phone", "", "phone number")
	email := fs.String("email", "", "email")
	if err := parse(fs, args); err != nil {
		return err
	}
	var p model.ProfileUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "first":
			p.FirstName = first
		case "last":
			p.LastName = last
		case "phone":
			p.Phone = phone
		case "email":
			p.Email = email
		}
	})
	if p.Empty() {
		return usageErrorf("profile: nothing to update")
	}
	u, err := a.svc.UpdateProfile(ctx, p)
	if err != nil {
		return err
	}
	return c.print(u)
}

type riskView struct {
	Fingerprint string              `json:"fingerprint" yaml:"fingerprint"`
	Known       bool                `json:"knownDevice" yaml:"knownDevice"`
	Sessions    int                 `json:"activeSessions" yaml:"activeSessions"`
	Assessment  security.Assessment `json:"assessment" yaml:"assessment"`
}

func cmdRisk(ctx context.Context, a *app, c *cli, args []string) error {
	if err := parse(newFlags("risk", c), args); err != nil {
		return err
	}
	fp := security.Fingerprint(security.CurrentEnvironment(a.cfg.API.UserAgent))
	known, err := security.NewFingerprintStore(a.opened.Backend).Check(ctx, fp)
	if err != nil {
		return err
	}
	v := riskView{Fingerprint: fp, Known: known}
	if a.svc.State().Authenticated {
		list, err := a.svc.ListSessions(ctx)
		if err != nil {
			return err
		}
		v.Sessions = len(list)
	}
	v.Assessment = security.Assess(security.Signals{
		FingerprintMismatch: !known,
		AccessTime:          time.Now(),
		ActiveSessions:      v.Sessions,
		MaxSessions:         a.cfg.Security.MaxSessions,
	})
	return c.print(v)
}
