package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bulk-hydrator/internal/config"
)

// newProvisionCmd runs only the worker provisioner.
func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Build the extraction worker if it is missing or stale",
		Long: `Checks that the configured worker executable is runnable and rebuilds it
from --worker-source according to --build, without processing any records.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Nothing is hydrated, so no artifacts, history or status surface.
			cfg.Storage.Backend = config.StorageMemory
			cfg.Database = config.DatabaseConfig{}
			cfg.PubSub = config.PubSubConfig{}
			cfg.Progress.Enabled = false
			cfg.Server.Addr = ""
			a, err := newApp(cmd.Context(), cfg, "")
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer closeApp(cmd.Context(), a)
			if err := a.Provision(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("worker ready:", cfg.Worker.Path)
			return nil
		},
	}
}
