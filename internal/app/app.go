// Package app wires the scheduler service together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"reportsched/internal/adapter/external/report"
	"reportsched/internal/adapter/httpapi"
	"reportsched/internal/adapter/scheduler"
	"reportsched/internal/adapter/telegram"
	"reportsched/internal/config"
	"reportsched/internal/install"
	"reportsched/internal/kvstore"
	"reportsched/internal/orchestrator"
	"reportsched/internal/platform/httpclient"
	"reportsched/internal/storage"
	"reportsched/internal/tenant"
	"reportsched/pkg/retry"
)

// App holds the wired components.
type App struct {
	cfg   config.Config
	log   *slog.Logger
	store kvstore.Store
	orch  *orchestrator.Orchestrator
	sched *scheduler.Scheduler
	srv   *http.Server
}

// New connects to the store and builds every component. ctx bounds the startup wait
// for the store.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	acc := storage.NewAccessor(store, log)
	states := storage.NewStateStore(acc, cfg.Store.StateTTL, nil, log)
	markers := storage.NewMarkerStore(acc)
	installs := install.NewProvider(acc, log)

	hc := httpclient.New(
		httpclient.WithLogger(log.With("component", "report-client")),
		httpclient.WithTimeout(cfg.Report.Timeout),
		httpclient.WithRetries(cfg.Report.Retries, 500*time.Millisecond),
		httpclient.WithMaxBackoff(10*time.Second),
	)
	gen, err := report.New(hc, report.Options{
		URL:     cfg.Report.URL,
		Token:   cfg.Report.Token,
		Timeout: cfg.Report.Timeout,
		Logger:  log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var notifier orchestrator.Notifier
	if cfg.NotificationsEnabled() {
		b, err := telegram.NewBot(cfg.Telegram.Token)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		n, err := telegram.NewNotifier(b, cfg.Telegram.ChatID, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		notifier = n
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		States:    states,
		Markers:   markers,
		Installs:  installs,
		Generator: gen,
		Notifier:  notifier,
		Logger:    log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:   cfg,
		log:   log,
		store: store,
		orch:  orch,
		sched: scheduler.New(scheduler.Config{Logger: log}),
	}
	a.srv = &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Runner:   orch,
			Installs: installs,
			States:   states,
			Markers:  markers,
			Store:    store,
			Logger:   log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if _, err := a.sched.AddJob(cfg.Schedule.Tick, a.Tick, scheduler.JobOptions{
		Name:          "report-tick",
		OverlapPolicy: scheduler.SkipIfRunning,
	}); err != nil {
		_ = store.Close()
		return nil, err
	}
	if p, ok := store.(kvstore.Purger); ok {
		if _, err := a.sched.AddJob(cfg.Schedule.Purge, purgeJob(p, log), scheduler.JobOptions{
			Name:          "purge-expired",
			Timeout:       5 * time.Minute,
			OverlapPolicy: scheduler.SkipIfRunning,
		}); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return a, nil
}

// openStore opens the configured backend and waits until it answers a ping.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (kvstore.Store, error) {
	policy := retry.Config{
		MaxAttempts:    1,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		MaxElapsedTime: cfg.Store.WaitTimeout,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("store not ready, retrying",
				"backend", kvstore.Scheme(cfg.Store.DSN), "attempt", attempt, "delay", delay, "error", err)
		},
	}
	if cfg.Store.WaitTimeout > 0 {
		policy.MaxAttempts = 1000
	}

	var store kvstore.Store
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		s, err := kvstore.Open(ctx, cfg.Store.DSN, kvstore.Options{Logger: log})
		if err != nil {
			return err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return err
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store ready", "backend", kvstore.Scheme(cfg.Store.DSN))
	return store, nil
}

// Tick runs the orchestrator for every configured tenant, at most
// Schedule.Concurrency at a time. Runs report their own failures, so Tick only fails
// when ctx ends before every tenant was started.
func (a *App) Tick(ctx context.Context) error {
	tenants := a.cfg.Schedule.Tenants
	if len(tenants) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(max(a.cfg.Schedule.Concurrency, 1))

	outcomes := make([]orchestrator.Outcome, len(tenants))
	started := 0
	for i, key := range tenants {
		if ctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			res := a.orch.Run(ctx, tenant.InvocationContext{CloudID: key})
			outcomes[i] = res.Outcome
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[string]int)
	for _, o := range outcomes[:started] {
		counts[string(o)]++
	}
	a.log.InfoContext(ctx, "tick finished", "tenants", len(tenants), "started", started, "outcomes", counts)

	if started < len(tenants) {
		return fmt.Errorf("tick interrupted after %d of %d tenants: %w", started, len(tenants), ctx.Err())
	}
	return nil
}

func purgeJob(p kvstore.Purger, log *slog.Logger) scheduler.JobFunc {
	return func(ctx context.Context) error {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("purge expired entries: %w", err)
		}
		if n > 0 {
			log.InfoContext(ctx, "expired entries purged", "count", n)
		}
		return nil
	}
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

// Run serves the API and the schedule until ctx is done or the server fails, then
// shuts everything down within HTTP.ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting", "addr", a.cfg.HTTP.Addr, "schedule", a.cfg.Schedule.Tick, "tenants", len(a.cfg.Schedule.Tenants))

	serveErr := make(chan error, 1)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.sched.Start()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			a.log.Error("http server failed", "error", err)
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.shutdown(shutdownCtx))
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.sched.StopContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	a.log.Info("stopped")
	return errors.Join(errs...)
}

// Close releases the store without running. It is for callers that built an App but
// never ran it.
func (a *App) Close() error {
	a.sched.Stop()
	return a.store.Close()
}
