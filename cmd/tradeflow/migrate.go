package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradeflow/internal/storage/migrations"
	pgstore "tradeflow/internal/storage/postgres"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded PostgreSQL and ClickHouse migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger := a.cfg, a.logger

			if cfg.Postgres.DSN == "" && cfg.ClickHouse.DSN == "" {
				return errors.New("nothing to migrate: set postgres.dsn and/or clickhouse.dsn")
			}

			if cfg.Postgres.DSN != "" {
				pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
				if err != nil {
					return err
				}
				defer pool.Close()

				applied, err := migrations.RunPostgres(ctx, pool)
				if err != nil {
					return fmt.Errorf("postgres: %w", err)
				}
				logger.Info("postgres migrated", zap.Strings("files", applied))
			}

			if cfg.ClickHouse.DSN != "" {
				conn, err := migrations.RunClickhouse(ctx, cfg.ClickHouse.DSN)
				if err != nil {
					return fmt.Errorf("clickhouse: %w", err)
				}
				_ = conn.Close()
				logger.Info("clickhouse migrated")
			}
			return nil
		},
	}
}
