package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-sync/internal/app"
	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// newStateCmd creates the 'state' subcommand, which prints the persisted sync state.
func newStateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted sync state as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.BuildStore(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("failed to open catalog store: %w", err)
			}
			defer a.Close()

			state, err := a.Store().LoadState(cmd.Context(), opts.cfg.Sync.StateID)
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("no sync state recorded for %q", opts.cfg.Sync.StateID)
			}
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(state); err != nil {
				return fmt.Errorf("write state: %w", err)
			}
			return nil
		},
	}
}
