// Package cmd defines and implements the CLI commands for the catalog-sync executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/logging"
)

// rootOptions carries the state shared by every subcommand once the persistent
// pre-run hook has loaded configuration and built the logger.
type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "catalog-sync",
		Short: "Resumable catalog sync with asset mirroring.",
		Long: `catalog-sync pages through a remote catalog's list endpoint, stores every
list item and detail record, mirrors the assets they reference and checkpoints
progress so an interrupted run resumes where it stopped.`,
		SilenceErrors: true,
		SilenceUsage:  true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); CATALOG_* environment variables override it")

	cmd.AddCommand(newSyncCmd(opts))
	cmd.AddCommand(newStateCmd(opts))

	return cmd
}

// Execute is the main entry point. Failures are written to stderr as
// "<command> failed: <error>" and exit with status 1.
func Execute() {
	os.Exit(execute(newRootCmd(), os.Args[1:]))
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	c, err := root.ExecuteC()
	if err != nil {
		name := root.Name()
		if c != nil {
			name = c.Name()
		}
		fmt.Fprintf(root.ErrOrStderr(), "%s failed: %v\n", name, err)
		return 1
	}
	return 0
}
