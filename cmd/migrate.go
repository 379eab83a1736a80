package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/internal/config"
	"github.com/eaglebank/transactional-ms/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Prepare the configured transaction store",
	Long:  `Creates the capped Mongo collection, or applies the Postgres schema and its insert-notification trigger.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return migrate(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		client, err := repository.NewMongoClient(ctx, cfg.Store.Mongo.URI)
		if err != nil {
			return err
		}
		repo := repository.NewMongoTransactionRepository(client, cfg.Store.Mongo.Database, logger)
		defer func() { _ = repo.Close(context.Background()) }()
		if err := repo.EnsureCappedCollection(ctx, cfg.Store.Mongo.CappedSizeBytes); err != nil {
			return err
		}

	case config.StorePostgres:
		db, err := openPostgres(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := repository.MigratePostgres(ctx, db); err != nil {
			return err
		}

	default:
		logger.Info("nothing to migrate", zap.String("store", cfg.Store.Driver))
		return nil
	}

	logger.Info("migration complete", zap.String("store", cfg.Store.Driver))
	return nil
}
