package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddielth/scada-core/historian"
)

// NewRollupCommand creates the rollup command.
func NewRollupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollup",
		Short: "Run both historian rollups and retention once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			h, err := historian.Open(cfg.Historian, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			ctx, now := cmd.Context(), time.Now()
			r30, err := h.Rollup30s(ctx, now)
			if err != nil {
				return err
			}
			r5, err := h.Rollup5m(ctx, now)
			if err != nil {
				return err
			}
			purged, err := h.Purge(ctx, now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "30s rows: %d, 5m rows: %d, purged: %d\n", r30, r5, purged)
			return nil
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the archived points and retention as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			h, err := historian.Open(cfg.Historian, nil)
			if err != nil {
				return err
			}
			defer h.Close()

			info, err := h.History(cmd.Context(), source, time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}

	cmd.Flags().StringVar(&source, "source", "scada", "source name reported in the output")
	return cmd
}
