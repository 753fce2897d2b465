package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/app"
	"github.com/JakeFAU/catalog-sync/internal/policy/jitter"
)

type syncFlags struct {
	queries      []string
	forceResume  bool
	skipExisting bool
	onlyMissing  bool
	immediate    bool
}

// newSyncCmd creates the 'sync' subcommand, which runs or resumes the configured
// sync until every query completes or a list page fails.
func newSyncCmd(opts *rootOptions) *cobra.Command {
	flags := &syncFlags{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run or resume the catalog sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			applySyncFlags(cmd, flags, opts)
			return runSync(cmd, opts)
		},
	}
	bindSyncFlags(cmd, flags)
	return cmd
}

func bindSyncFlags(cmd *cobra.Command, flags *syncFlags) {
	cmd.Flags().StringArrayVar(&flags.queries, "query", nil, "search query to sync (repeatable; replaces sync.queries)")
	cmd.Flags().BoolVar(&flags.forceResume, "force-resume", false, "run again even if the previous run completed")
	cmd.Flags().BoolVar(&flags.skipExisting, "skip-existing", false, "skip items that already have a detail record")
	cmd.Flags().BoolVar(&flags.onlyMissing, "only-missing", false, "only fetch details that are not stored yet")
	cmd.Flags().BoolVar(&flags.immediate, "immediate", false, "disable the randomized delays between items and pages")
}

// applySyncFlags overrides configuration with the flags that were set explicitly.
func applySyncFlags(cmd *cobra.Command, flags *syncFlags, opts *rootOptions) {
	fs := cmd.Flags()
	if fs.Changed("query") {
		opts.cfg.Sync.Queries = flags.queries
	}
	if fs.Changed("force-resume") {
		opts.cfg.Sync.ForceResume = flags.forceResume
	}
	if fs.Changed("skip-existing") {
		opts.cfg.Sync.SkipExisting = flags.skipExisting
	}
	if fs.Changed("only-missing") {
		opts.cfg.Sync.OnlyMissing = flags.onlyMissing
	}
	if fs.Changed("immediate") && flags.immediate {
		opts.cfg.Delay.Mode = string(jitter.ModeImmediate)
	}
}

func runSync(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, opts.cfg, opts.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	state, err := a.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			opts.logger.Warn("sync interrupted, progress is checkpointed", zap.Error(err))
			return fmt.Errorf("interrupted: %w", context.Cause(ctx))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"sync %s: %d list items, %d details saved, %d skipped, %d failed requests\n",
		state.Status, state.ListItemsSaved, state.DetailItemsSaved, state.DetailItemsSkipped, state.FailedRequests,
	)
	return nil
}
