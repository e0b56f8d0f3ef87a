package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mirrornode/edgenode/internal/config"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/storage"
)

func checkStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-storage",
		Short: "Verify the configured storage backend is writable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := logging.NewFromConfig(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return checkStorage(cmd.Context(), cfg.Storage, logger)
		},
	}
}

func checkStorage(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) error {
	engine, err := storage.New(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine)

	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", cfg.Type, err)
	}
	if !engine.Check(ctx) {
		return fmt.Errorf("%s storage is not writable", cfg.Type)
	}

	logger.Info("Storage is writable", "type", cfg.Type)
	return nil
}

// closeEngine releases backends that hold background resources
func closeEngine(engine storage.Engine) {
	if c, ok := engine.(io.Closer); ok {
		_ = c.Close()
	}
}
