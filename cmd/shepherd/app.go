package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/and161185/shepherd/internal/api"
	"github.com/and161185/shepherd/internal/config"
	"github.com/and161185/shepherd/internal/errs"
	"github.com/and161185/shepherd/internal/events"
	"github.com/and161185/shepherd/internal/graphql"
	"github.com/and161185/shepherd/internal/hydrate"
	"github.com/and161185/shepherd/internal/limiter"
	"github.com/and161185/shepherd/internal/metrics"
	"github.com/and161185/shepherd/internal/model"
	"github.com/and161185/shepherd/internal/refresh"
	"github.com/and161185/shepherd/internal/security"
	"github.com/and161185/shepherd/internal/service"
	"github.com/and161185/shepherd/internal/storage"
	"go.uber.org/zap"
)

// app is the composition root of the CLI.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	opened  *storage.Opened
	bus     *events.Bus
	session *storage.Session
	gql     *graphql.Client
	api     *api.Client
	coord   *refresh.Coordinator
	csrf    *security.CSRF
	svc     *service.AuthServiceImpl
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, stderr io.Writer) (*app, error) {
	opened, err := storage.Open(ctx, storage.Options{
		Kind:        cfg.Storage.Backend,
		Dir:         cfg.Storage.Dir,
		Encrypt:     !cfg.Storage.Plaintext,
		Namespace:   cfg.Storage.Namespace,
		PostgresDSN: cfg.Storage.PostgresDSN,
		RedisURL:    cfg.Storage.RedisURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{cfg: cfg, log: log, metrics: metrics.New(), opened: opened, bus: events.NewBus()}
	a.session = storage.NewSession(opened.Backend, a.bus, log.Named("storage"))
	a.csrf = security.NewCSRF(storage.NewMemory(), cfg.Security.CSRFTTL, log.Named("csrf"))

	hc := &http.Client{Jar: storage.NewJar(a.session), Timeout: cfg.API.Timeout}
	a.gql, err = graphql.NewClient(graphql.Config{
		URL:       cfg.API.URL,
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		UserAgent: cfg.API.UserAgent,
	},
		graphql.WithHTTPClient(hc),
		graphql.WithLogger(log.Named("graphql")),
		graphql.WithMetrics(a.metrics),
		graphql.WithHeaders(a.csrf),
	)
	if err != nil {
		opened.Close()
		return nil, err
	}

	a.api = api.New(a.gql, a.session, api.Config{
		FallbackTokenTTL:   cfg.Auth.FallbackTokenTTL,
		RefreshFallbackTTL: cfg.Auth.RefreshFallbackTTL,
	}, log.Named("api"))

	a.coord = refresh.New(a.api, a.session, refresh.Config{
		Threshold:   cfg.Auth.RefreshThreshold,
		MaxAttempts: cfg.Auth.MaxRefreshAttempts,
	},
		refresh.WithLogger(log.Named("refresh")),
		refresh.WithMetrics(a.metrics),
		refresh.WithRedirector(refresh.RedirectFunc(func(_ context.Context, reason *errs.AuthError) {
			fmt.Fprintf(stderr, "%s Run `shepherd login` to sign in again.\n", errs.UserMessage(reason))
		})),
	)
	a.gql.SetAuthenticator(a.coord)

	hyd := hydrate.New(a.session, hydrate.Config{
		Settle:         cfg.Auth.HydrationSettle,
		SessionTimeout: cfg.Auth.SessionTimeout,
	},
		hydrate.WithLogger(log.Named("hydrate")),
		hydrate.WithMetrics(a.metrics),
		hydrate.WithRenew(func(ctx context.Context) (model.AuthTokens, error) {
			res := a.coord.Refresh(ctx)
			if !res.OK() {
				return model.AuthTokens{}, res.Err
			}
			return res.Tokens, nil
		}),
	)

	a.svc = service.NewAuthService(service.Deps{
		API:      a.api,
		Store:    a.session,
		Refresh:  a.coord,
		Hydrator: hyd,
		Bus:      a.bus,
		Limiter:  limiter.NewStore(opened.Backend, cfg.Auth.LoginWindow, cfg.Auth.LoginMaxFailures, cfg.Auth.LoginLockout),
		Log:      log.Named("auth"),
	}, service.Config{RefreshInterval: cfg.Auth.RefreshCheckInterval})
	return a, nil
}

// Close stops background work and releases storage.
func (a *app) Close() {
	a.svc.Close()
	a.opened.Close()
	_ = a.log.Sync()
}
