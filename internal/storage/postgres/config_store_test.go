package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

func TestConfigStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewConfigStore(pool, zap.NewNop())

	_, err := pool.Exec(ctx, `
		INSERT INTO tracked_wallets (agent_id, chain, address) VALUES
			('a1', 'bsc', '0xAbC0000000000000000000000000000000000001'),
			('a2', 'bsc', '0xabc0000000000000000000000000000000000001'),
			('a1', 'solana', 'WalletSol');
		INSERT INTO tracked_wallets (agent_id, chain, address, role) VALUES
			('a3', 'bsc', '0xABC0000000000000000000000000000000000001', 'owned');
		INSERT INTO buy_triggers (id, agent_id, type, enabled, config) VALUES
			('t1', 'a1', 'copy_trade', true, '{"buy_amount": 0.1}'),
			('t2', 'a1', 'consensus', true, '{"buy_amount": 0.2, "min_wallets": 3}'),
			('t3', 'a1', 'volume', true, '{"buy_amount": 0.1, "bogus": 1}'),
			('t4', 'a1', 'liquidity', false, '{"buy_amount": 0.1, "min_liquidity_usd": 5}');
		INSERT INTO execution_profiles (agent_id, chain, kind, key_ref) VALUES
			('a1', 'bsc', 'local_key', 'A1_BSC_KEY');
	`)
	require.NoError(t, err)

	agents, err := store.AgentsForWallet(ctx, domain.ChainBSC, "0xABC0000000000000000000000000000000000001", domain.WalletFollowed)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, agents)

	owners, err := store.AgentsForWallet(ctx, domain.ChainBSC, "0xabc0000000000000000000000000000000000001", domain.WalletOwned)
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, owners)

	wallets, err := store.TrackedWallets(ctx, domain.ChainSolana)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "WalletSol", wallets[0].Address)
	assert.Equal(t, domain.WalletFollowed, wallets[0].Role)

	triggers, err := store.TriggersForAgent(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, triggers, 2, "invalid and disabled triggers are skipped")
	cfg, ok := triggers[1].Config.(domain.ConsensusConfig)
	require.True(t, ok)
	assert.Equal(t, 3, cfg.MinWallets)
	assert.Equal(t, time.Hour, cfg.Window())

	p, err := store.ExecutionProfile(ctx, "a1", domain.ChainBSC)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecLocalKey, p.Kind)
	assert.Equal(t, "A1_BSC_KEY", p.KeyRef)

	_, err = store.ExecutionProfile(ctx, "a1", domain.ChainBase)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWatermarkStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewWatermarkStore(pool)

	_, err := store.Get(ctx, domain.ChainBase)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Set(ctx, &domain.Watermark{Chain: domain.ChainBase, LastBlock: 100, UpdatedAt: now}))
	require.NoError(t, store.Set(ctx, &domain.Watermark{Chain: domain.ChainBase, LastBlock: 103, UpdatedAt: now}))

	w, err := store.Get(ctx, domain.ChainBase)
	require.NoError(t, err)
	assert.Equal(t, uint64(103), w.LastBlock)
}
