package trigger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
	"tradeflow/internal/storage/memory"
)

const testToken = "TokenMint1111111111111111111111111111111111"

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	engine *Engine
	config *memory.ConfigStore
	ledger *memory.LedgerStore
	clock  *clock
}

func newFixture(t *testing.T, limits Limits) *fixture {
	t.Helper()
	f := &fixture{
		config: memory.NewConfigStore(),
		ledger: memory.NewLedgerStore(),
		clock:  &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	f.engine = NewEngine(Deps{
		Config:    f.config,
		Positions: f.ledger,
		Limits:    limits,
		Now:       f.clock.Now,
	})
	return f
}

func (f *fixture) addTrigger(id, agent string, cfg domain.TriggerConfig) {
	f.config.PutTrigger(&domain.BuyTrigger{ID: id, AgentID: agent, Type: cfg.Type(), Enabled: true, Config: cfg})
}

func (f *fixture) hold(t *testing.T, agent, token string) {
	t.Helper()
	err := f.ledger.InTx(context.Background(), func(tx storage.LedgerTx) error {
		return tx.SavePosition(context.Background(), &domain.Position{
			AgentID: agent, Token: token, Chain: domain.ChainSolana, Quantity: 1, EntryPrice: 1,
		})
	})
	require.NoError(t, err)
}

func f64(v float64) *float64 { return &v }

// buy builds a BUY at the fixture's current time with healthy market data.
func (f *fixture) buy(wallet, token, tx string) *domain.DetectedTrade {
	return &domain.DetectedTrade{
		Chain:        domain.ChainSolana,
		Wallet:       wallet,
		Token:        token,
		Action:       domain.ActionBuy,
		NativeAmount: 1,
		TokenAmount:  1000,
		TxID:         tx,
		Timestamp:    f.clock.Now(),
		Source:       domain.SourceWebhook,
		LiquidityUSD: f64(50_000),
		MarketCapUSD: f64(100_000),
		Volume24hUSD: f64(250_000),
	}
}

func requests(ds []Decision) []*domain.AutoBuyRequest {
	var out []*domain.AutoBuyRequest
	for _, d := range ds {
		if d.Request != nil {
			out = append(out, d.Request)
		}
	}
	return out
}

func TestEvaluate_CopyTrade(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 0.5})

	ds, err := f.engine.Evaluate(context.Background(), "agent-a", f.buy("walletW", testToken, "sig1"))
	require.NoError(t, err)

	reqs := requests(ds)
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "agent-a", req.AgentID)
	assert.Equal(t, testToken, req.Token)
	assert.Equal(t, domain.ChainSolana, req.Chain)
	assert.Equal(t, 0.5, req.AmountNative)
	assert.Equal(t, domain.TriggerCopyTrade, req.TriggerType)
	assert.Equal(t, "walletW", req.SourceWallet)
	assert.Len(t, req.ID, 24)

	queued := f.engine.Queue().Drain()
	require.Len(t, queued, 1)
	assert.Equal(t, req.ID, queued[0].ID)
}

func TestEvaluate_IgnoresSells(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 0.5})

	trade := f.buy("walletW", testToken, "sig1")
	trade.Action = domain.ActionSell

	ds, err := f.engine.Evaluate(context.Background(), "agent-a", trade)
	require.NoError(t, err)
	assert.Empty(t, ds)
	assert.Equal(t, 0, f.engine.Queue().Len())
}

func TestEvaluate_ThresholdRules(t *testing.T) {
	tests := []struct {
		name   string
		cfg    domain.TriggerConfig
		mutate func(*domain.DetectedTrade)
		fires  bool
	}{
		{
			name:  "volume above threshold",
			cfg:   domain.VolumeConfig{AmountNative: 1, MinVolume24hUSD: 100_000},
			fires: true,
		},
		{
			name:  "volume below threshold",
			cfg:   domain.VolumeConfig{AmountNative: 1, MinVolume24hUSD: 1_000_000},
			fires: false,
		},
		{
			name:   "volume unknown",
			cfg:    domain.VolumeConfig{AmountNative: 1, MinVolume24hUSD: 100_000},
			mutate: func(t *domain.DetectedTrade) { t.Volume24hUSD = nil },
			fires:  false,
		},
		{
			name:  "liquidity above threshold",
			cfg:   domain.LiquidityConfig{AmountNative: 1, MinLiquidityUSD: 20_000},
			fires: true,
		},
		{
			name:  "liquidity below threshold",
			cfg:   domain.LiquidityConfig{AmountNative: 1, MinLiquidityUSD: 80_000},
			fires: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultLimits())
			f.addTrigger("t1", "agent-a", tt.cfg)

			trade := f.buy("walletW", testToken, "sig1")
			if tt.mutate != nil {
				tt.mutate(trade)
			}

			ds, err := f.engine.Evaluate(context.Background(), "agent-a", trade)
			require.NoError(t, err)
			if tt.fires {
				assert.Len(t, requests(ds), 1)
			} else {
				assert.Empty(t, ds)
			}
		})
	}
}

func TestEvaluate_Gates(t *testing.T) {
	tests := []struct {
		name   string
		limits func(*Limits)
		setup  func(*testing.T, *fixture)
		mutate func(*domain.DetectedTrade)
		want   Reason
	}{
		{
			name:   "max positions",
			limits: func(l *Limits) { l.MaxOpenPositions = 2 },
			setup: func(t *testing.T, f *fixture) {
				f.hold(t, "agent-a", "other1")
				f.hold(t, "agent-a", "other2")
			},
			want: ReasonMaxPositions,
		},
		{
			name:  "already holds",
			setup: func(t *testing.T, f *fixture) { f.hold(t, "agent-a", testToken) },
			want:  ReasonAlreadyHolds,
		},
		{
			name:   "low liquidity",
			mutate: func(t *domain.DetectedTrade) { t.LiquidityUSD = f64(4_999) },
			want:   ReasonLowLiquidity,
		},
		{
			name:   "low market cap",
			mutate: func(t *domain.DetectedTrade) { t.MarketCapUSD = f64(9_999) },
			want:   ReasonLowMarketCap,
		},
		{
			name: "max positions checked before already holds",
			limits: func(l *Limits) {
				l.MaxOpenPositions = 1
			},
			setup: func(t *testing.T, f *fixture) { f.hold(t, "agent-a", testToken) },
			want:  ReasonMaxPositions,
		},
		{
			name: "liquidity checked before market cap",
			mutate: func(t *domain.DetectedTrade) {
				t.LiquidityUSD = f64(1)
				t.MarketCapUSD = f64(1)
			},
			want: ReasonLowLiquidity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := DefaultLimits()
			if tt.limits != nil {
				tt.limits(&limits)
			}
			f := newFixture(t, limits)
			f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 1})
			if tt.setup != nil {
				tt.setup(t, f)
			}
			trade := f.buy("walletW", testToken, "sig1")
			if tt.mutate != nil {
				tt.mutate(trade)
			}

			ds, err := f.engine.Evaluate(context.Background(), "agent-a", trade)
			require.NoError(t, err)
			require.Len(t, ds, 1)
			require.NotNil(t, ds[0].Rejection)
			assert.Equal(t, tt.want, ds[0].Rejection.Reason)
			assert.Nil(t, ds[0].Request)
			assert.Equal(t, 0, f.engine.Queue().Len())
		})
	}
}

func TestEvaluate_UnknownMarketDataPasses(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 1})

	trade := f.buy("walletW", testToken, "sig1")
	trade.LiquidityUSD = nil
	trade.MarketCapUSD = nil

	ds, err := f.engine.Evaluate(context.Background(), "agent-a", trade)
	require.NoError(t, err)
	assert.Len(t, requests(ds), 1)
}

func TestEvaluate_Cooldown(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 1})
	ctx := context.Background()

	ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("walletW", "tokenA", "sig1"))
	require.NoError(t, err)
	require.Len(t, requests(ds), 1)

	f.clock.Advance(59 * time.Second)
	ds, err = f.engine.Evaluate(ctx, "agent-a", f.buy("walletW", "tokenB", "sig2"))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NotNil(t, ds[0].Rejection)
	assert.Equal(t, ReasonCooldown, ds[0].Rejection.Reason)

	f.clock.Advance(time.Second)
	ds, err = f.engine.Evaluate(ctx, "agent-a", f.buy("walletW", "tokenC", "sig3"))
	require.NoError(t, err)
	assert.Len(t, requests(ds), 1)
}

func TestEvaluate_DailyLimitResetsAtUTCMidnight(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.clock.t = time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("walletW", fmt.Sprintf("token%d", i), fmt.Sprintf("sig%d", i)))
		require.NoError(t, err)
		require.Len(t, requests(ds), 1, "buy %d", i)
		f.clock.Advance(2 * time.Minute)
	}

	ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("walletW", "token6", "sig6"))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NotNil(t, ds[0].Rejection)
	assert.Equal(t, ReasonDailyLimit, ds[0].Rejection.Reason)

	f.clock.t = time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	ds, err = f.engine.Evaluate(ctx, "agent-a", f.buy("walletW", "token7", "sig7"))
	require.NoError(t, err)
	assert.Len(t, requests(ds), 1)

	state, err := f.engine.limiter.State(ctx, "agent-a", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, state.DailyCount)
	assert.Equal(t, "2026-03-11", state.Day)
}

func TestEvaluate_OneRequestPerTrade(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 1})
	f.addTrigger("t2", "agent-a", domain.VolumeConfig{AmountNative: 2, MinVolume24hUSD: 1})

	ds, err := f.engine.Evaluate(context.Background(), "agent-a", f.buy("walletW", testToken, "sig1"))
	require.NoError(t, err)
	assert.Len(t, requests(ds), 1)
	assert.Equal(t, 1, f.engine.Queue().Len())
}

func TestEvaluate_SkipsDisabledTriggers(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.config.PutTrigger(&domain.BuyTrigger{
		ID: "t1", AgentID: "agent-a", Type: domain.TriggerCopyTrade, Enabled: false,
		Config: domain.CopyTradeConfig{AmountNative: 1},
	})

	ds, err := f.engine.Evaluate(context.Background(), "agent-a", f.buy("walletW", testToken, "sig1"))
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestEvaluate_ConsensusFiresOncePerWindow(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.ConsensusConfig{AmountNative: 1, MinWallets: 3, WindowMinutes: 60})
	ctx := context.Background()

	var fired []int
	for i := 1; i <= 5; i++ {
		ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy(fmt.Sprintf("wallet%d", i), testToken, fmt.Sprintf("sig%d", i)))
		require.NoError(t, err)
		if len(requests(ds)) > 0 {
			fired = append(fired, i)
		}
		f.clock.Advance(2 * time.Minute)
	}
	assert.Equal(t, []int{3}, fired)

	// A sixth wallet within the hour does not fire again.
	f.clock.Advance(30 * time.Minute)
	ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("wallet6", testToken, "sig6"))
	require.NoError(t, err)
	assert.Empty(t, requests(ds))
	assert.Equal(t, 1, f.engine.Queue().Len())
}

func TestEvaluate_ConsensusDedupsRepeatWallet(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.ConsensusConfig{AmountNative: 1, MinWallets: 2, WindowMinutes: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("wallet1", testToken, fmt.Sprintf("sig%d", i)))
		require.NoError(t, err)
		assert.Empty(t, requests(ds))
		f.clock.Advance(10 * time.Second)
	}

	ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("wallet2", testToken, "sig-w2"))
	require.NoError(t, err)
	assert.Len(t, requests(ds), 1)
}

func TestEvaluate_ConsensusWindowExpires(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.ConsensusConfig{AmountNative: 1, MinWallets: 2, WindowMinutes: 5})
	ctx := context.Background()

	_, err := f.engine.Evaluate(ctx, "agent-a", f.buy("wallet1", testToken, "sig1"))
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("wallet2", testToken, "sig2"))
	require.NoError(t, err)
	assert.Empty(t, requests(ds))
}

func TestEvaluateTrending(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.TrendingConfig{AmountNative: 0.2, MinActivityScore: 10})
	ctx := context.Background()

	hot := []HotToken{
		{Chain: domain.ChainBase, Token: "0xhot", Score: 25, LiquidityUSD: f64(80_000)},
		{Chain: domain.ChainBase, Token: "0xcold", Score: 2},
	}

	ds, err := f.engine.EvaluateTrending(ctx, hot)
	require.NoError(t, err)
	reqs := requests(ds)
	require.Len(t, reqs, 1)
	assert.Equal(t, "0xhot", reqs[0].Token)
	assert.Equal(t, domain.TriggerTrending, reqs[0].TriggerType)
	assert.Equal(t, 0.2, reqs[0].AmountNative)

	// Same hour: guarded.
	f.clock.Advance(10 * time.Minute)
	ds, err = f.engine.EvaluateTrending(ctx, hot)
	require.NoError(t, err)
	assert.Empty(t, requests(ds))

	// Next hour fires again.
	f.clock.Advance(time.Hour)
	ds, err = f.engine.EvaluateTrending(ctx, hot)
	require.NoError(t, err)
	reqs2 := requests(ds)
	require.Len(t, reqs2, 1)
	assert.NotEqual(t, reqs[0].ID, reqs2[0].ID)
}

func TestEvaluate_IgnoresTrendingOnTrade(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.TrendingConfig{AmountNative: 1, MinActivityScore: 1})

	ds, err := f.engine.Evaluate(context.Background(), "agent-a", f.buy("walletW", testToken, "sig1"))
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestEvaluate_DeterministicRequestID(t *testing.T) {
	ids := make([]string, 2)
	for i := range ids {
		f := newFixture(t, DefaultLimits())
		f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 1})
		ds, err := f.engine.Evaluate(context.Background(), "agent-a", f.buy("walletW", testToken, "sig1"))
		require.NoError(t, err)
		require.Len(t, requests(ds), 1)
		ids[i] = requests(ds)[0].ID
	}
	assert.Equal(t, ids[0], ids[1])
}

func TestEvaluate_ReplayedTradeIsIgnored(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.addTrigger("t1", "agent-a", domain.CopyTradeConfig{AmountNative: 1})
	ctx := context.Background()

	trade := f.buy("walletW", testToken, "sig1")
	ds, err := f.engine.Evaluate(ctx, "agent-a", trade)
	require.NoError(t, err)
	require.Len(t, requests(ds), 1)

	f.clock.Advance(2 * time.Minute)
	ds, err = f.engine.Evaluate(ctx, "agent-a", trade)
	require.ErrorIs(t, err, ErrAlreadyEvaluated)
	assert.Empty(t, ds)
	assert.Equal(t, 1, f.engine.Queue().Len())

	// Another agent following the same wallet evaluates it independently.
	f.addTrigger("t2", "agent-b", domain.CopyTradeConfig{AmountNative: 1})
	ds, err = f.engine.Evaluate(ctx, "agent-b", trade)
	require.NoError(t, err)
	assert.Len(t, requests(ds), 1)
}

// rejectOnce passes Check and rejects the first Reserve.
type rejectOnce struct {
	*MemoryRateLimiter
	rejected bool
}

func (r *rejectOnce) Check(context.Context, string, time.Time) (*Rejection, error) {
	return nil, nil
}

func (r *rejectOnce) Reserve(ctx context.Context, agentID string, now time.Time) (*Rejection, error) {
	if !r.rejected {
		r.rejected = true
		return reject(ReasonCooldown, "reserved concurrently"), nil
	}
	return r.MemoryRateLimiter.Reserve(ctx, agentID, now)
}

func TestEvaluate_ConsensusReleasedWhenReserveRejects(t *testing.T) {
	f := newFixture(t, DefaultLimits())
	f.engine.limiter = &rejectOnce{MemoryRateLimiter: NewMemoryRateLimiter(DefaultLimits())}
	f.addTrigger("t1", "agent-a", domain.ConsensusConfig{AmountNative: 1, MinWallets: 2, WindowMinutes: 60})
	ctx := context.Background()

	_, err := f.engine.Evaluate(ctx, "agent-a", f.buy("wallet1", testToken, "sig1"))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	ds, err := f.engine.Evaluate(ctx, "agent-a", f.buy("wallet2", testToken, "sig2"))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NotNil(t, ds[0].Rejection)
	assert.Equal(t, ReasonCooldown, ds[0].Rejection.Reason)

	f.clock.Advance(time.Minute)
	ds, err = f.engine.Evaluate(ctx, "agent-a", f.buy("wallet3", testToken, "sig3"))
	require.NoError(t, err)
	assert.Len(t, requests(ds), 1)
	assert.Equal(t, 1, f.engine.Queue().Len())
}
