package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/coderun/internal/config"
	"github.com/jkaninda/coderun/internal/observability"
	"github.com/jkaninda/coderun/internal/pipeline"
	"github.com/jkaninda/coderun/internal/runner"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/storage"
	pgstore "github.com/jkaninda/coderun/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/coderun/internal/storage/sqlite"
	"github.com/jkaninda/coderun/internal/toolchain"
	"github.com/jkaninda/coderun/internal/workspace"
)

var (
	configPath string
	logLevel   string
	keepFlag   bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to config file (default ~/.coderun/config.yaml when present, or CODERUN_CONFIG)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&keepFlag, "keep", false, "keep workspaces on disk after each run (same as KEEP_TEMP)")
}

// loadConfig resolves the config file, applies flag overrides and builds the
// logger. JSON logs are used by long-running modes.
func loadConfig(jsonLogs bool) (*config.Config, *slog.Logger, error) {
	path := goutils.Env("CODERUN_CONFIG", configPath)
	if path == "" {
		if p := config.DefaultConfigPath(); fileExists(p) {
			path = p
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		if _, err := config.ParseLevel(logLevel); err != nil {
			return nil, nil, err
		}
		cfg.LogLevel = logLevel
	}
	if keepFlag {
		cfg.Workspace.Keep = true
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	if path != "" {
		logger.Debug("config loaded", slog.String("path", path))
	}
	return cfg, logger, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// sharedOptions tailors the shared components to one front end.
type sharedOptions struct {
	client string    // history tag: "cli", "http", "mcp"
	stdin  io.Reader // nil = inherit
	stdout io.Writer // nil = inherit
}

// SharedComponents holds every subsystem a run needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Store      storage.Store // nil = history disabled.
	Workspaces *workspace.Manager
	Registry   *pipeline.Registry
	Runner     observability.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the initialization shared by every mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	sc.Registry = pipeline.DefaultRegistry()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger, observability.WithBuildInfo(observability.BuildInfo{
		Version:   version,
		Languages: languageNames(sc.Registry),
	}))
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage (optional).
	if cfg.StorageEnabled() {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		logger.Debug("run history enabled", slog.String("driver", store.Driver()))
	}

	// Workspaces.
	sc.Workspaces = workspace.NewManager(workspace.Config{
		Root:    cfg.Workspace.Root,
		Prefix:  cfg.Workspace.Prefix,
		MaxLive: cfg.Workspace.MaxLive,
	}, logger)
	obs.MetricsOrNil().WatchWorkspaces(sc.Workspaces)
	logger.Debug("workspace manager initialized",
		slog.String("root", sc.Workspaces.Root()),
		slog.Int("max_live", sc.Workspaces.Limit()),
		slog.Bool("keep", cfg.Workspace.Keep),
	)

	// Guard.
	var executor sandbox.Executor = sandbox.NewGuard(sandbox.GuardConfig{
		DefaultTimeout: cfg.Limits.RunTimeout(),
		Stdin:          opts.stdin,
		Stdout:         opts.stdout,
	}, logger)
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		executor = observability.NewInstrumentedExecutor(executor, obs.MetricsOrNil(), obs.TracerOrNil())
	}

	// Pipelines.
	engine := pipeline.NewEngine(pipeline.Config{
		CompileTimeout: cfg.Limits.CompileTimeout(),
		RunTimeout:     cfg.Limits.RunTimeout(),
		Retain:         cfg.Workspace.Keep,
	}, sc.Workspaces, executor, toolchain.FromEnv(), logger)

	var history runner.Recorder
	if sc.Store != nil {
		history = sc.Store.Runs()
	}
	base := runner.NewRunner(runner.Config{
		MaxSourceBytes: cfg.Limits.MaxSourceBytes,
		Client:         opts.client,
	}, sc.Registry, engine, history, logger)

	sc.Runner = base
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		sc.Runner = observability.NewInstrumentedRunner(base, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	return sc, nil
}

func languageNames(registry *pipeline.Registry) []string {
	recipes := registry.Recipes()
	names := make([]string, 0, len(recipes))
	for _, r := range recipes {
		names = append(names, r.Language)
	}
	return names
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.Storage.StorageDriver()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.SQLitePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CODERUN_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}
