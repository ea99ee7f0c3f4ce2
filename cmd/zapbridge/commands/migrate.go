package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates the `zapbridge migrate` command.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply datastore schema migrations",
		Long: `Apply pending schema migrations to the configured datastore.

Examples:
  zapbridge migrate
  zapbridge migrate --target 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			target, _ := cmd.Flags().GetInt("target")

			// Migrations run explicitly below.
			cfg.Database.AutoMigrate = false
			hub, err := openHub(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer hub.Close()

			if err := hub.Migrate(cmd.Context(), target); err != nil {
				return fmt.Errorf("migrating: %w", err)
			}
			version, err := hub.Primary().Migrator.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().Int("target", 0, "target schema version (0 = latest)")
	return cmd
}
