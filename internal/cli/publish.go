package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"guidance-engine/internal/config"
	"guidance-engine/internal/fixture"
	"guidance-engine/internal/storage"
)

// NewPublishCommand writes a validated bundle to the content database. The
// change trigger notifies running servers.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:          "publish <bundle.yaml>",
		Short:        "Publish a content bundle to Postgres",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := fixture.LoadBundle(args[0])
			if err != nil {
				return err
			}
			if err := fixture.Validate(b.Contents); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			cfg, err := config.LoadFrom(configDir)
			if err != nil {
				return err
			}
			if !cfg.UsePostgres() {
				return fmt.Errorf("postgres.host is not configured")
			}

			ctx := cmd.Context()
			pg, err := storage.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			for _, th := range b.Themes {
				if err := pg.PublishTheme(ctx, th); err != nil {
					return err
				}
			}
			for i, d := range b.Contents {
				if err := pg.Publish(ctx, d, i); err != nil {
					return err
				}
				if rootOpts.Verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "published %s (%s)\n", d.ContentID, d.ID)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ published %d contents\n", len(b.Contents))
			return nil
		},
	}
	cmd.Flags().StringVar(&configDir, "config", "configs", "directory holding application.yaml")
	return cmd
}
