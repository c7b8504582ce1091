package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/config"
	"github.com/jkaninda/coderun/internal/httpapi"
	"github.com/jkaninda/coderun/internal/janitor"
	"github.com/jkaninda/coderun/internal/observability"
	"github.com/jkaninda/coderun/internal/ratelimit"
	"github.com/jkaninda/coderun/internal/scheduler"
	"github.com/jkaninda/coderun/internal/storage"
)

const (
	rateLimitPruneSchedule = "@every 5m"
	rateLimitIdle          = 10 * time.Minute
	historyPruneSchedule   = "@hourly"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API (POST /v1/run, /healthz, /metrics)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
}

// runServe starts the HTTP API and the maintenance scheduler.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.ListenAddr = serveAddr
	}

	// Guest programs never read the server's stdin.
	sc, err := initShared(cfg, logger, sharedOptions{client: "http", stdin: bytes.NewReader(nil)})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Health checks.
	health := observability.NewHealthChecker(logger)
	if sc.Obs != nil && sc.Obs.Health != nil {
		health = sc.Obs.Health
	}
	health.AddCheck("workspace_root", observability.DirCheck(sc.Workspaces.Root()))
	health.AddCheck("workspace_capacity", observability.CapacityCheck(sc.Workspaces))
	if sc.Store != nil {
		health.AddCheck("database", sc.Store.Ping)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.HTTP.RateLimit.BurstSize,
	})

	// Maintenance scheduler.
	sched, err := buildScheduler(cfg, sc, limiter)
	if err != nil {
		return err
	}
	cancelScheduler := sched.Start(ctx)
	defer cancelScheduler()

	var history storage.RunStore
	if sc.Store != nil {
		history = sc.Store.Runs()
	}

	metrics := sc.Obs.MetricsOrNil()
	apiCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.ListenAddr,
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
		Version:        version,
		MetricsPath:    cfg.MetricsPath(),
		HealthChecker:  health,
		Metrics:        metrics,
	}
	if metrics != nil {
		apiCfg.MetricsRegistry = metrics.Registry
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		apiCfg.Tracer = ts.Tracer()
	}
	if len(cfg.HTTP.APIKeys) == 0 {
		logger.Warn("http api has no API keys configured; every client is accepted")
	}

	server := httpapi.NewServer(apiCfg, sc.Runner, sc.Registry, history, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	// Graceful shutdown with deadline. In-flight runs hold workspaces until
	// their own timeouts fire.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Limits.CompileTimeout()+cfg.Limits.RunTimeout())
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	return nil
}

// buildScheduler registers the periodic maintenance tasks serve mode needs.
func buildScheduler(cfg *config.Config, sc *SharedComponents, limiter *ratelimit.Limiter) (*scheduler.Scheduler, error) {
	metrics := sc.Obs.MetricsOrNil()
	var schedMetrics *scheduler.Metrics
	if metrics != nil {
		schedMetrics = scheduler.NewMetrics(metrics.Registry)
	}
	sched := scheduler.New(schedMetrics, sc.Logger)

	if cfg.Janitor.Enabled {
		jan := janitor.New(janitor.Config{
			Root:   sc.Workspaces.Root(),
			Prefix: sc.Workspaces.Prefix(),
			MaxAge: cfg.Janitor.MaxAge(),
		}, sc.Workspaces, sc.Logger)

		err := sched.Add(scheduler.Task{
			Name:     "workspace_janitor",
			Schedule: cfg.Janitor.Schedule,
			Run: func(ctx context.Context) error {
				res, err := jan.Sweep(ctx)
				if metrics != nil {
					metrics.JanitorRemovedTotal.Add(float64(len(res.Removed)))
				}
				if err != nil {
					return err
				}
				if res.Failed > 0 {
					return fmt.Errorf("%d stale workspaces could not be removed", res.Failed)
				}
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		sc.Logger.Debug("workspace janitor scheduled",
			slog.String("schedule", cfg.Janitor.Schedule),
			slog.Duration("max_age", cfg.Janitor.MaxAge()),
		)
	}

	if !limiter.Unlimited() {
		err := sched.Add(scheduler.Task{
			Name:     "ratelimit_prune",
			Schedule: rateLimitPruneSchedule,
			Run: func(context.Context) error {
				limiter.Prune(rateLimitIdle)
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if retention := cfg.Storage.Retention(); retention > 0 && sc.Store != nil {
		runs := sc.Store.Runs()
		err := sched.Add(scheduler.Task{
			Name:     "history_prune",
			Schedule: historyPruneSchedule,
			Run: func(ctx context.Context) error {
				n, err := runs.Prune(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				if n > 0 {
					sc.Logger.Info("pruned run history", slog.Int64("rows", n))
				}
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return sched, nil
}
