package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/classifier"
	"tradeflow/internal/domain"
	"tradeflow/internal/events"
	"tradeflow/internal/ledger"
	"tradeflow/internal/storage"
	"tradeflow/internal/storage/memory"
	"tradeflow/internal/trigger"
)

const (
	walletW = "WaLLetW1111111111111111111111111111111111111"
	mintA   = "MintA111111111111111111111111111111111111111"
	mintB   = "MintB111111111111111111111111111111111111111"
)

type harness struct {
	config    *memory.ConfigStore
	ledger    *memory.LedgerStore
	analytics *memory.TradeEventStore
	engine    *trigger.Engine
	bus       *events.Bus
	pipeline  *Pipeline
}

type staticEnricher struct{ liquidity float64 }

func (e staticEnricher) Enrich(_ context.Context, t *domain.DetectedTrade) {
	if t.LiquidityUSD == nil {
		v := e.liquidity
		t.LiquidityUSD = &v
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		config:    memory.NewConfigStore(),
		ledger:    memory.NewLedgerStore(),
		analytics: memory.NewTradeEventStore(),
		bus:       events.NewBus(64, nil),
	}
	h.engine = trigger.NewEngine(trigger.Deps{
		Config:    h.config,
		Positions: h.ledger,
		Limits:    trigger.DefaultLimits(),
	})
	h.pipeline = NewPipeline(PipelineDeps{
		Classifier: classifier.New(nil, classifier.Options{}),
		Config:     h.config,
		Enricher:   staticEnricher{liquidity: 25_000},
		Ledger:     ledger.NewReconciler(h.ledger, ledger.Options{}),
		Triggers:   h.engine,
		Analytics:  h.analytics,
		Events:     h.bus,
	})
	return h
}

func (h *harness) track(agent, wallet string, role domain.WalletRole) {
	h.config.AddWallet(&domain.TrackedWallet{AgentID: agent, Chain: domain.ChainSolana, Address: wallet, Role: role})
}

func (h *harness) addTrigger(id, agent string, cfg domain.TriggerConfig) {
	h.config.PutTrigger(&domain.BuyTrigger{ID: id, AgentID: agent, Type: cfg.Type(), Enabled: true, Config: cfg})
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buyInput(tx string) classifier.Input {
	return buyInputFrom(walletW, tx)
}

// buyInputFrom is wallet spending 1 SOL on 1000 mintA.
func buyInputFrom(wallet, tx string) classifier.Input {
	return classifier.Input{
		Chain:     domain.ChainSolana,
		Wallet:    wallet,
		TxID:      tx,
		Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Source:    domain.SourceWebhook,
		Deltas: []classifier.Delta{
			{Asset: domain.NativeSOLMint, Amount: d("-1")},
			{Asset: mintA, Amount: d("1000")},
		},
	}
}

func TestPipeline_AppliesForEveryOwner(t *testing.T) {
	h := newHarness(t)
	h.track("agent-a", walletW, domain.WalletOwned)
	h.track("agent-b", walletW, domain.WalletOwned)
	h.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 0.1})
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buyInput("sig1"))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Applied)
	assert.Equal(t, 0, out.Evaluated)
	assert.Equal(t, 0, out.Duplicates)

	for _, agent := range []string{"agent-a", "agent-b"} {
		pos, err := h.ledger.GetPosition(ctx, agent, mintA)
		require.NoError(t, err)
		assert.InDelta(t, 1000.0, pos.Quantity, 1e-9)
		assert.InDelta(t, 0.001, pos.EntryPrice, 1e-12)
	}

	// An agent's own buys never trigger its rules.
	assert.Equal(t, 0, h.engine.Queue().Len())

	activity, err := h.analytics.ActivitySince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, 1, activity[0].Buys)
}

func TestPipeline_CopyTradeFiresForFollowers(t *testing.T) {
	h := newHarness(t)
	h.track("agent-a", walletW, domain.WalletFollowed)
	h.track("agent-b", walletW, domain.WalletFollowed)
	h.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 0.1})
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buyInput("sig1"))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Applied)
	assert.Equal(t, 2, out.Evaluated)
	assert.False(t, out.Duplicate())

	// Followed wallets do not touch the follower's ledger.
	_, err = h.ledger.GetPosition(ctx, "agent-a", mintA)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Only agent-a has a trigger.
	reqs := h.engine.Queue().Drain()
	require.Len(t, reqs, 1)
	assert.Equal(t, "agent-a", reqs[0].AgentID)
	assert.Equal(t, mintA, reqs[0].Token)
	assert.Equal(t, walletW, reqs[0].SourceWallet)
	assert.Equal(t, 0.1, reqs[0].AmountNative)

	activity, err := h.analytics.ActivitySince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, activity, 1)
}

func TestPipeline_ConsensusFiresOnceAcrossWallets(t *testing.T) {
	h := newHarness(t)
	h.addTrigger("t1", "agent-a", domain.ConsensusConfig{AmountNative: 0.2, MinWallets: 3, WindowMinutes: 60})
	ctx := context.Background()

	wallets := []string{
		"Whale11111111111111111111111111111111111111",
		"Whale22222222222222222222222222222222222222",
		"Whale33333333333333333333333333333333333333",
		"Whale44444444444444444444444444444444444444",
		"Whale55555555555555555555555555555555555555",
	}
	for _, w := range wallets {
		h.track("agent-a", w, domain.WalletFollowed)
	}

	var queued []int
	for i, w := range wallets {
		out, err := h.pipeline.Process(ctx, buyInputFrom(w, "sig-"+w[:6]))
		require.NoError(t, err)
		assert.Equal(t, 1, out.Evaluated)
		if h.engine.Queue().Len() > 0 {
			queued = append(queued, i+1)
			h.engine.Queue().Drain()
		}
	}
	assert.Equal(t, []int{3}, queued)
}

func TestPipeline_ReplayIsDuplicate(t *testing.T) {
	tests := []struct {
		name string
		role domain.WalletRole
	}{
		{name: "owned", role: domain.WalletOwned},
		{name: "followed", role: domain.WalletFollowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.track("agent-a", walletW, tt.role)
			h.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 0.1})
			ctx := context.Background()

			_, err := h.pipeline.Process(ctx, buyInput("sig1"))
			require.NoError(t, err)
			h.engine.Queue().Drain()

			out, err := h.pipeline.Process(ctx, buyInput("sig1"))
			require.NoError(t, err)
			assert.True(t, out.Duplicate())
			assert.Equal(t, 1, out.Duplicates)
			assert.Equal(t, 0, h.engine.Queue().Len(), "replay must not re-trigger")
		})
	}
}

func TestPipeline_OwnerAndFollower(t *testing.T) {
	h := newHarness(t)
	h.track("agent-a", walletW, domain.WalletOwned)
	h.track("agent-b", walletW, domain.WalletFollowed)
	h.addTrigger("t1", "agent-b", domain.CopyTradeConfig{AmountNative: 0.1})
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buyInput("sig1"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Applied)
	assert.Equal(t, 1, out.Evaluated)

	pos, err := h.ledger.GetPosition(ctx, "agent-a", mintA)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, pos.Quantity, 1e-9)
	_, err = h.ledger.GetPosition(ctx, "agent-b", mintA)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	reqs := h.engine.Queue().Drain()
	require.Len(t, reqs, 1)
	assert.Equal(t, "agent-b", reqs[0].AgentID)
}

func TestPipeline_SwapPairAppliedAtomically(t *testing.T) {
	h := newHarness(t)
	h.track("agent-a", walletW, domain.WalletOwned)
	ctx := context.Background()

	_, err := h.pipeline.Process(ctx, buyInput("sig-buy"))
	require.NoError(t, err)

	swap := classifier.Input{
		Chain:     domain.ChainSolana,
		Wallet:    walletW,
		TxID:      "sig-swap",
		Timestamp: time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
		Source:    domain.SourceWebhook,
		Deltas: []classifier.Delta{
			{Asset: mintA, Amount: d("-1000")},
			{Asset: mintB, Amount: d("50")},
		},
	}
	out, err := h.pipeline.Process(ctx, swap)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Applied)

	_, err = h.ledger.GetPosition(ctx, "agent-a", mintA)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	pos, err := h.ledger.GetPosition(ctx, "agent-a", mintB)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pos.Quantity, 1e-9)
}

func TestPipeline_Skips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("untracked wallet", func(t *testing.T) {
		out, err := h.pipeline.Process(ctx, buyInput("sig1"))
		require.NoError(t, err)
		assert.True(t, out.Skipped)
	})

	t.Run("failed transaction", func(t *testing.T) {
		h.track("agent-a", walletW, domain.WalletFollowed)
		in := buyInput("sig2")
		in.Failed = true
		out, err := h.pipeline.Process(ctx, in)
		require.NoError(t, err)
		assert.True(t, out.Skipped)
	})
}

type failingLedger struct{}

func (failingLedger) Apply(context.Context, string, *domain.DetectedTrade) (*ledger.Result, error) {
	return nil, errors.New("db down")
}

func (failingLedger) ApplyPair(context.Context, string, *domain.SwapPair) (*ledger.Result, error) {
	return nil, errors.New("db down")
}

func TestPipeline_LedgerErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	h.track("agent-a", walletW, domain.WalletOwned)
	p := NewPipeline(PipelineDeps{
		Classifier: classifier.New(nil, classifier.Options{}),
		Config:     h.config,
		Ledger:     failingLedger{},
	})

	_, err := p.Process(context.Background(), buyInput("sig1"))
	assert.Error(t, err)
}
