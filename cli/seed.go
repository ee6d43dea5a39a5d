package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eddielth/scada-core/controller"
	"github.com/eddielth/scada-core/point"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Force bool
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write the controller image from the point definitions",
		Long: `Derive the file controller image from the point definitions with
manual override flags cleared. An existing image is kept unless --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			if cfg.Controller.Type != "file" {
				return fmt.Errorf("seed needs a file controller, configured type is %q", cfg.Controller.Type)
			}

			defs, err := point.ReadFile(cfg.System.DefsPath)
			if err != nil {
				return err
			}

			if opts.Force {
				if err := point.WriteFile(cfg.Controller.Path, controller.Seed(defs)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d points)\n", cfg.Controller.Path, len(defs.Points))
				return nil
			}

			written, err := controller.NewFileFeed(cfg.Controller.Path).SeedIfMissing(defs)
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d points)\n", cfg.Controller.Path, len(defs.Points))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s exists, use --force to overwrite\n", cfg.Controller.Path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite an existing controller image")
	return cmd
}
