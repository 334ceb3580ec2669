package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradeflow/internal/config"
	"tradeflow/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.NewViper(), "")
	require.NoError(t, err)
	return cfg
}

func TestCreateStores_MemorySeed(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(seed, []byte(`{
		"wallets": [{"agent_id": "agent-a", "chain": "solana", "address": "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"}],
		"triggers": [{"id": "t1", "agent_id": "agent-a", "type": "copy_trade", "enabled": true, "config": {"buy_amount": 0.1}}]
	}`), 0o600))

	cfg := testConfig(t)
	cfg.Storage.SeedFile = seed

	stores, cleanup, err := createStores(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer cleanup()

	wallets, err := stores.config.TrackedWallets(context.Background(), domain.ChainSolana)
	require.NoError(t, err)
	assert.Len(t, wallets, 1)

	_, _, err = createStores(context.Background(), &config.Config{
		Storage: config.StorageConfig{Driver: config.DriverMemory, SeedFile: filepath.Join(t.TempDir(), "none.json")},
	}, zap.NewNop())
	assert.Error(t, err)
}

func TestService_HTTP(t *testing.T) {
	cfg := testConfig(t)
	stores, cleanup, err := createStores(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer cleanup()

	svc, err := newService(context.Background(), cfg, stores, zap.NewNop())
	require.NoError(t, err)
	defer svc.close()

	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, config.DriverMemory, status.Storage)
	assert.Zero(t, status.EVMPollers)
	assert.False(t, status.SolanaLogs)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/webhooks/solana")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReconcileCmd_EmptyLedger(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"reconcile", "--env-file", filepath.Join(t.TempDir(), "absent.env")})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"Positions": 0`)
}

func TestMigrateCmd_RequiresDSN(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"migrate", "--env-file", filepath.Join(t.TempDir(), "absent.env")})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to migrate")
}
