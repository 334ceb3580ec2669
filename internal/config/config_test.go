package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, RateStoreMemory, cfg.Trigger.RateStore)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(56), cfg.BSC.ChainID)
	assert.Equal(t, int64(8453), cfg.Base.ChainID)
	assert.Equal(t, "0x10ED43C718714eb63d5aA57B78B54704E256024E", cfg.BSC.Router)
	assert.Equal(t, 5, cfg.Trigger.DailyLimit)
	assert.Equal(t, 60*time.Second, cfg.Trigger.Cooldown)
	assert.Equal(t, 10, cfg.Trigger.MaxOpenPositions)
	assert.InDelta(t, 5_000.0, cfg.Trigger.MinLiquidityUSD, 1e-9)
	assert.InDelta(t, 10_000.0, cfg.Trigger.MinMarketCapUSD, 1e-9)
	assert.InDelta(t, 0.001, cfg.Ledger.FIFOEpsilon, 1e-12)
	assert.Equal(t, int64(300), cfg.Executor.SlippageBps)
	assert.False(t, cfg.Production())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
log:
  level: debug
storage:
  driver: Postgres
postgres:
  dsn: postgres://file/db
trigger:
  daily_limit: 3
  cooldown: 2m
bsc:
  rpc_url: https://bsc.example
`), 0o600))

	t.Setenv("TRADEFLOW_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("TRADEFLOW_LEDGER_FIFO_EPSILON", "0.01")
	t.Setenv("TRADEFLOW_DISPATCH_INTERVAL", "250ms")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN, "env wins over file")
	assert.Equal(t, 3, cfg.Trigger.DailyLimit)
	assert.Equal(t, 2*time.Minute, cfg.Trigger.Cooldown)
	assert.Equal(t, "https://bsc.example", cfg.BSC.RPCURL)
	assert.InDelta(t, 0.01, cfg.Ledger.FIFOEpsilon, 1e-12)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.Interval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(NewViper(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, wantErr: "storage.driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = DriverPostgres }, wantErr: "postgres.dsn"},
		{name: "redis without addr", mutate: func(c *Config) { c.Trigger.RateStore = RateStoreRedis }, wantErr: "redis.addr"},
		{name: "zero daily limit", mutate: func(c *Config) { c.Trigger.DailyLimit = 0 }, wantErr: "daily_limit"},
		{name: "zero epsilon", mutate: func(c *Config) { c.Ledger.FIFOEpsilon = 0 }, wantErr: "fifo_epsilon"},
		{name: "slippage too high", mutate: func(c *Config) { c.Executor.SlippageBps = 10_000 }, wantErr: "slippage_bps"},
		{name: "custodial without key", mutate: func(c *Config) { c.Executor.Custodial.URL = "https://wallets" }, wantErr: "signing_key"},
		{name: "bad rpc scheme", mutate: func(c *Config) { c.BSC.RPCURL = "ftp://node" }, wantErr: "bsc.rpc_url"},
		{name: "rpc without host", mutate: func(c *Config) { c.Solana.WSURL = "wss://" }, wantErr: "solana.ws_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
