package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
)

const seedDoc = `{
  "wallets": [
    {"agent_id": "agent-a", "chain": "bsc", "address": "0xABC0000000000000000000000000000000000001"},
    {"agent_id": "agent-a", "chain": "bsc", "address": "0xABC0000000000000000000000000000000000002", "role": "owned"},
    {"agent_id": "agent-a", "chain": "dogechain", "address": "0x1"},
    {"agent_id": "agent-a", "chain": "bsc", "address": "0x3", "role": "admin"}
  ],
  "triggers": [
    {"id": "t1", "agent_id": "agent-a", "type": "copy_trade", "enabled": true, "config": {"buy_amount": 0.1}},
    {"id": "t2", "agent_id": "agent-a", "type": "consensus", "enabled": true, "config": {"buy_amount": 0.1, "min_walets": 3}},
    {"id": "t3", "agent_id": "agent-a", "type": "volume", "enabled": true, "config": {"buy_amount": -1}}
  ],
  "profiles": [
    {"agent_id": "agent-a", "chain": "bsc", "kind": "local_key", "key_ref": "AGENT_A_BSC_KEY"}
  ]
}`

func TestConfigStore_LoadSeed(t *testing.T) {
	store := NewConfigStore()
	ctx := context.Background()

	res, err := store.LoadSeed(strings.NewReader(seedDoc))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Wallets)
	assert.Equal(t, 1, res.Triggers)
	assert.Equal(t, 1, res.Profiles)
	assert.Len(t, res.Skipped, 4, "unknown chain, unknown role, unknown field, negative amount")

	agents, err := store.AgentsForWallet(ctx, domain.ChainBSC, "0xabc0000000000000000000000000000000000001", domain.WalletFollowed)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a"}, agents)

	owners, err := store.AgentsForWallet(ctx, domain.ChainBSC, "0xabc0000000000000000000000000000000000002", domain.WalletOwned)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a"}, owners)

	triggers, err := store.TriggersForAgent(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, domain.CopyTradeConfig{AmountNative: 0.1}, triggers[0].Config)

	p, err := store.ExecutionProfile(ctx, "agent-a", domain.ChainBSC)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecLocalKey, p.Kind)
	assert.Equal(t, "AGENT_A_BSC_KEY", p.KeyRef)
}

func TestConfigStore_LoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(seedDoc), 0o600))

	res, err := NewConfigStore().LoadSeedFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggers)

	_, err = NewConfigStore().LoadSeedFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = NewConfigStore().LoadSeed(strings.NewReader("{"))
	assert.Error(t, err)
}
