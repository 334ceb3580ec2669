package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tradeflow/internal/config"
	"tradeflow/internal/storage"
	chstore "tradeflow/internal/storage/clickhouse"
	"tradeflow/internal/storage/memory"
	pgstore "tradeflow/internal/storage/postgres"
)

// allStores holds all storage implementations.
type allStores struct {
	config     storage.ConfigStore
	ledger     storage.LedgerStore
	watermarks storage.WatermarkStore
	events     storage.TradeEventStore
}

// createStores opens the configured backends. The returned cleanup closes
// every connection that was opened.
func createStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*allStores, func(), error) {
	var (
		stores  = &allStores{}
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		stores.config = pgstore.NewConfigStore(pool, logger)
		stores.ledger = pgstore.NewLedgerStore(pool)
		stores.watermarks = pgstore.NewWatermarkStore(pool)

	default:
		cs := memory.NewConfigStore()
		if cfg.Storage.SeedFile != "" {
			res, err := cs.LoadSeedFile(cfg.Storage.SeedFile)
			if err != nil {
				return nil, nil, err
			}
			for _, skipped := range res.Skipped {
				logger.Warn("seed entry skipped", zap.Error(skipped))
			}
			logger.Info("seed loaded",
				zap.Int("wallets", res.Wallets),
				zap.Int("triggers", res.Triggers),
				zap.Int("profiles", res.Profiles))
		}
		stores.config = cs
		stores.ledger = memory.NewLedgerStore()
		stores.watermarks = memory.NewWatermarkStore()
	}

	if cfg.ClickHouse.DSN != "" {
		conn, err := chstore.NewConn(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		closers = append(closers, func() { _ = conn.Close() })
		stores.events = chstore.NewTradeEventStore(conn)
	} else {
		stores.events = memory.NewTradeEventStore()
	}

	return stores, cleanup, nil
}
