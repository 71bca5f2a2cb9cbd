package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"task-api/config"
	"task-api/storage"
)

var storageInitCmd = &cobra.Command{
	Use:   "storage-init",
	Short: "Create the table or indexes the configured store needs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		logger.WithField("driver", cfg.Store.Driver).Info("storage init starting")

		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.Store, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close(ctx)

		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("storage init complete")
		return nil
	},
}
