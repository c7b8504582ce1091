package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/storage"
)

var (
	historyLimit    int
	historyLanguage string
	historyFailed   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the run history",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of runs to show")
	historyCmd.Flags().StringVar(&historyLanguage, "language", "", "only show runs of this language")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "only show runs that did not succeed")
}

func runHistory(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}
	if !cfg.StorageEnabled() {
		return fmt.Errorf("%w: configure storage or set CODERUN_DB_DSN", storage.ErrDisabled)
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runs, err := store.Runs().List(ctx, storage.ListOptions{
		Limit:    historyLimit,
		Language: historyLanguage,
		Failed:   historyFailed,
	})
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	return printRuns(os.Stdout, runs)
}

func printRuns(out io.Writer, runs []storage.Run) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tLANGUAGE\tSTATE\tEXIT\tDURATION\tCLIENT\tSOURCE")
	for _, r := range runs {
		state := r.State
		if r.Kind != "" {
			state += " (" + r.Kind + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime),
			r.Language,
			state,
			r.ExitCode,
			r.Duration.Round(time.Millisecond),
			r.Client,
			filepath.Base(r.Source),
		)
	}
	return w.Flush()
}
