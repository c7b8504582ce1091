package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/janitor"
	"github.com/jkaninda/coderun/internal/workspace"
)

var (
	cleanMaxAge        time.Duration
	cleanHistoryBefore time.Duration
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale workspaces left behind by earlier runs",
	Long: `Remove directories under the workspace root that carry the workspace prefix
and are older than --max-age. Kept workspaces (KEEP_TEMP) are removed too once
they are old enough. With --history-older-than, old run history is pruned as well.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", 0, "minimum workspace age to remove (default from janitor.max_age_seconds)")
	cleanCmd.Flags().DurationVar(&cleanHistoryBefore, "history-older-than", 0, "also delete run history older than this (e.g. 720h)")
}

func runClean(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}

	maxAge := cfg.Janitor.MaxAge()
	if cleanMaxAge > 0 {
		maxAge = cleanMaxAge
	}

	mgr := workspace.NewManager(workspace.Config{
		Root:    cfg.Workspace.Root,
		Prefix:  cfg.Workspace.Prefix,
		MaxLive: cfg.Workspace.MaxLive,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// This process owns no workspaces, so nothing is live.
	jan := janitor.New(janitor.Config{Root: mgr.Root(), Prefix: mgr.Prefix(), MaxAge: maxAge}, nil, logger)
	res, err := jan.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d of %d workspaces under %s\n", len(res.Removed), res.Scanned, mgr.Root())
	if res.Failed > 0 {
		return fmt.Errorf("%d workspaces could not be removed", res.Failed)
	}

	if cleanHistoryBefore <= 0 {
		return nil
	}
	if !cfg.StorageEnabled() {
		logger.Warn("run history is disabled; nothing to prune")
		return nil
	}
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	n, err := store.Runs().Prune(ctx, time.Now().Add(-cleanHistoryBefore))
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	logger.Debug("history pruned", slog.Duration("older_than", cleanHistoryBefore))
	fmt.Printf("deleted %d history rows\n", n)
	return nil
}
