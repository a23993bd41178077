package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/and161185/shepherd/internal/events"
	"github.com/and161185/shepherd/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	followInterval  = time.Second
	shutdownTimeout = 5 * time.Second
)

// cmdWatch keeps the session alive until interrupted. Changes made by other
// processes through the session file are picked up while it runs.
func cmdWatch(ctx context.Context, a *app, c *cli, args []string) error {
	fs := newFlags("watch", c)
	addr := fs.String("addr", a.cfg.Metrics.Addr, "listen address for /metrics, /healthz and /status")
	if err := parse(fs, args); err != nil {
		return err
	}

	if a.opened.File != nil {
		go a.session.Follow(ctx, func(ctx context.Context, fn func([]string)) {
			a.opened.File.Watch(ctx, followInterval, fn)
		})
	}

	unsubBus := a.bus.Subscribe(func(e events.Event) {
		a.log.Info("session event", zap.String("type", string(e.Type)), zap.String("key", e.Key), zap.Bool("remote", e.Remote))
	})
	defer unsubBus()
	unsubState := a.svc.Subscribe(func(s service.State) {
		_ = c.print(s)
	})
	defer unsubState()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("watch listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve %s: %w", *addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("shutdown", zap.Error(err))
	}
	return nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		v, err := a.status(r.Context())
		if err != nil {
			a.log.Warn("status", zap.Error(err))
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = printJSON(w, v)
	})
	return r
}
