// Package trigger decides whether observed trades or trending signals
// should produce automated buys.
//
// Every qualified candidate passes the safety gates in a fixed order:
// daily limit, cooldown, open-position cap, already-held token, minimum
// liquidity and minimum market cap. The daily counter and the cooldown are
// consumed by a single RateLimiter.Reserve call just before enqueueing, so
// two concurrent evaluations for one agent cannot both pass.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/idhash"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
)

// TrendingFireWindow is how long a trending trigger stays fired per token.
const TrendingFireWindow = time.Hour

// ReplayWindow is how long an evaluated trade is remembered per agent.
const ReplayWindow = 24 * time.Hour

// ErrAlreadyEvaluated is returned by Evaluate when the agent already
// evaluated the same trade leg inside ReplayWindow.
var ErrAlreadyEvaluated = errors.New("trade already evaluated")

// PositionReader is the ledger view the gates need.
type PositionReader interface {
	CountPositions(ctx context.Context, agentID string) (int, error)
	GetPosition(ctx context.Context, agentID, token string) (*domain.Position, error)
}

// HotToken is one entry of the trending list.
type HotToken struct {
	Chain        domain.Chain
	Token        string
	Score        float64
	LiquidityUSD *float64
	MarketCapUSD *float64
}

// Decision is the outcome for one trigger. Exactly one of Request and
// Rejection is set.
type Decision struct {
	Trigger   *domain.BuyTrigger
	Request   *domain.AutoBuyRequest
	Rejection *Rejection
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Config    storage.ConfigStore
	Positions PositionReader
	Limiter   RateLimiter
	Consensus ConsensusTracker
	Guard     FireGuard
	Queue     *Queue
	Limits    Limits
	Logger    *zap.Logger
	Now       func() time.Time
}

// Engine evaluates buy triggers.
type Engine struct {
	config    storage.ConfigStore
	positions PositionReader
	limiter   RateLimiter
	consensus ConsensusTracker
	guard     FireGuard
	queue     *Queue
	limits    Limits
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. Nil trackers default to in-memory ones.
func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Limiter == nil {
		d.Limiter = NewMemoryRateLimiter(d.Limits)
	}
	if d.Consensus == nil {
		d.Consensus = NewMemoryConsensus(DefaultWalletDedup)
	}
	if d.Guard == nil {
		d.Guard = NewMemoryFireGuard()
	}
	if d.Queue == nil {
		d.Queue = NewQueue()
	}
	return &Engine{
		config:    d.Config,
		positions: d.Positions,
		limiter:   d.Limiter,
		consensus: d.Consensus,
		guard:     d.Guard,
		queue:     d.Queue,
		limits:    d.Limits,
		logger:    d.Logger.Named("trigger"),
		now:       d.Now,
	}
}

// Queue returns the queue requests are pushed to.
func (e *Engine) Queue() *Queue {
	return e.queue
}

// candidate is a qualified trigger awaiting the gates.
type candidate struct {
	trigger   *domain.BuyTrigger
	chain     domain.Chain
	token     string
	wallet    string
	cause     string
	reason    string
	liquidity *float64
	marketCap *float64
	// fireKey and fireTTL are set for rules that fire once per window.
	fireKey string
	fireTTL time.Duration
	at      time.Time
}

// Evaluate runs agentID's triggers against a trade of a wallet it follows.
// At most one request is enqueued per call. A redelivered trade returns
// ErrAlreadyEvaluated and changes nothing.
func (e *Engine) Evaluate(ctx context.Context, agentID string, t *domain.DetectedTrade) ([]Decision, error) {
	if t.Action != domain.ActionBuy {
		return nil, nil
	}

	replayKey := "trade:" + agentID + ":" + t.Key()
	fresh, err := e.guard.TryFire(ctx, replayKey, t.Timestamp, ReplayWindow)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	if !fresh {
		return nil, ErrAlreadyEvaluated
	}

	decisions, err := e.evaluate(ctx, agentID, t)
	if err != nil {
		// Let a redelivery try again.
		if rerr := e.guard.Release(ctx, replayKey); rerr != nil {
			e.logger.Warn("release replay key", zap.String("key", replayKey), zap.Error(rerr))
		}
	}
	return decisions, err
}

func (e *Engine) evaluate(ctx context.Context, agentID string, t *domain.DetectedTrade) ([]Decision, error) {
	if _, err := e.consensus.Record(ctx, t.Chain, t.Token, t.Wallet, t.Timestamp); err != nil {
		return nil, fmt.Errorf("record consensus: %w", err)
	}

	triggers, err := e.config.TriggersForAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load triggers for %s: %w", agentID, err)
	}

	var decisions []Decision
	for _, trg := range triggers {
		if !trg.Enabled || trg.Type == domain.TriggerTrending {
			continue
		}

		c, err := e.qualify(ctx, trg, t)
		if err != nil {
			return decisions, err
		}
		if c == nil {
			continue
		}

		d, err := e.admit(ctx, c)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, d)
		if d.Request != nil {
			break
		}
	}
	return decisions, nil
}

// qualify applies the rule semantics of trg. Returns nil when the rule
// does not apply to t.
func (e *Engine) qualify(ctx context.Context, trg *domain.BuyTrigger, t *domain.DetectedTrade) (*candidate, error) {
	c := &candidate{
		trigger:   trg,
		chain:     t.Chain,
		token:     t.Token,
		wallet:    t.Wallet,
		cause:     t.TxID,
		liquidity: t.LiquidityUSD,
		marketCap: t.MarketCapUSD,
		at:        t.Timestamp,
	}

	switch cfg := trg.Config.(type) {
	case domain.CopyTradeConfig:
		c.reason = fmt.Sprintf("copy trade of %s (tx %s)", t.Wallet, t.TxID)

	case domain.VolumeConfig:
		if t.Volume24hUSD == nil || *t.Volume24hUSD < cfg.MinVolume24hUSD {
			return nil, nil
		}
		c.reason = fmt.Sprintf("24h volume $%.0f >= $%.0f", *t.Volume24hUSD, cfg.MinVolume24hUSD)

	case domain.LiquidityConfig:
		if t.LiquidityUSD == nil || *t.LiquidityUSD < cfg.MinLiquidityUSD {
			return nil, nil
		}
		c.reason = fmt.Sprintf("liquidity $%.0f >= $%.0f", *t.LiquidityUSD, cfg.MinLiquidityUSD)

	case domain.ConsensusConfig:
		window := cfg.Window()
		n, err := e.consensus.Count(ctx, t.Chain, t.Token, t.Timestamp, window)
		if err != nil {
			return nil, fmt.Errorf("count consensus: %w", err)
		}
		if n < cfg.MinWallets {
			return nil, nil
		}
		c.reason = fmt.Sprintf("%d distinct wallets bought within %s", n, window)
		c.fireKey = fireKey(trg.AgentID, trg.Type, t.Chain, t.Token)
		c.fireTTL = window

	default:
		e.logger.Warn("unsupported trigger config",
			zap.String("trigger", trg.ID), zap.String("type", string(trg.Type)))
		return nil, nil
	}
	return c, nil
}

// EvaluateTrending runs every enabled trending trigger against the hot list.
func (e *Engine) EvaluateTrending(ctx context.Context, hot []HotToken) ([]Decision, error) {
	if len(hot) == 0 {
		return nil, nil
	}

	triggers, err := e.config.TriggersByType(ctx, domain.TriggerTrending)
	if err != nil {
		return nil, fmt.Errorf("load trending triggers: %w", err)
	}

	now := e.now()
	bucket := strconv.FormatInt(now.Truncate(TrendingFireWindow).Unix(), 10)

	var decisions []Decision
	for _, trg := range triggers {
		cfg, ok := trg.Config.(domain.TrendingConfig)
		if !ok || !trg.Enabled {
			continue
		}
		for _, h := range hot {
			if h.Score < cfg.MinActivityScore {
				continue
			}
			d, err := e.admit(ctx, &candidate{
				trigger:   trg,
				chain:     h.Chain,
				token:     h.Token,
				cause:     "trending:" + bucket,
				reason:    fmt.Sprintf("activity score %.2f >= %.2f", h.Score, cfg.MinActivityScore),
				liquidity: h.LiquidityUSD,
				marketCap: h.MarketCapUSD,
				fireKey:   fireKey(trg.AgentID, trg.Type, h.Chain, h.Token),
				fireTTL:   TrendingFireWindow,
				at:        now,
			})
			if err != nil {
				return decisions, err
			}
			decisions = append(decisions, d)
		}
	}
	return decisions, nil
}

// admit runs the gates for c and enqueues a request when all pass.
func (e *Engine) admit(ctx context.Context, c *candidate) (Decision, error) {
	d := Decision{Trigger: c.trigger}
	agentID := c.trigger.AgentID
	now := e.now()

	rej, err := e.gates(ctx, agentID, c, now)
	if err != nil {
		return d, err
	}
	if rej == nil && c.fireKey != "" {
		fired, err := e.guard.TryFire(ctx, c.fireKey, c.at, c.fireTTL)
		if err != nil {
			return d, fmt.Errorf("fire guard: %w", err)
		}
		if !fired {
			// Already fired in this window; not a gate rejection.
			e.logger.Debug("already fired in window",
				zap.String("agent", agentID), zap.String("token", c.token),
				zap.String("type", string(c.trigger.Type)))
			return d, nil
		}
	}
	if rej == nil {
		if rej, err = e.limiter.Reserve(ctx, agentID, now); err != nil {
			e.release(ctx, c)
			return d, fmt.Errorf("reserve: %w", err)
		}
		if rej != nil {
			// Nothing was queued, so the window stays open.
			e.release(ctx, c)
		}
	}
	if rej != nil {
		observability.RecordTriggerRejection(string(c.trigger.Type), string(rej.Reason))
		e.logger.Info("candidate rejected",
			zap.String("agent", agentID),
			zap.String("type", string(c.trigger.Type)),
			zap.String("chain", string(c.chain)),
			zap.String("token", c.token),
			zap.String("reason", string(rej.Reason)),
			zap.String("detail", rej.Detail))
		d.Rejection = rej
		return d, nil
	}

	req := &domain.AutoBuyRequest{
		ID:           idhash.RequestID(agentID, string(c.trigger.Type), string(c.chain), c.token, c.cause),
		AgentID:      agentID,
		Chain:        c.chain,
		Token:        c.token,
		AmountNative: c.trigger.Config.BuyAmount(),
		TriggerType:  c.trigger.Type,
		SourceWallet: c.wallet,
		Reason:       c.reason,
		CreatedAt:    now,
	}
	e.queue.Push(req)
	observability.RecordTriggerFire(string(c.trigger.Type))
	e.logger.Info("auto-buy queued",
		zap.String("agent", agentID),
		zap.String("type", string(c.trigger.Type)),
		zap.String("chain", string(c.chain)),
		zap.String("token", c.token),
		zap.Float64("amount", req.AmountNative),
		zap.String("reason", c.reason))

	d.Request = req
	return d, nil
}

// release frees the once-per-window key claimed for c, if any.
func (e *Engine) release(ctx context.Context, c *candidate) {
	if c.fireKey == "" {
		return
	}
	if err := e.guard.Release(ctx, c.fireKey); err != nil {
		e.logger.Warn("release fire key", zap.String("key", c.fireKey), zap.Error(err))
	}
}

// gates applies the read-only checks in order. The rate limits are
// re-checked atomically by Reserve.
func (e *Engine) gates(ctx context.Context, agentID string, c *candidate, now time.Time) (*Rejection, error) {
	rej, err := e.limiter.Check(ctx, agentID, now)
	if err != nil || rej != nil {
		return rej, err
	}

	n, err := e.positions.CountPositions(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("count positions: %w", err)
	}
	if n >= e.limits.MaxOpenPositions {
		return reject(ReasonMaxPositions, "%d open positions", n), nil
	}

	if _, err := e.positions.GetPosition(ctx, agentID, c.token); err == nil {
		return reject(ReasonAlreadyHolds, "%s", c.token), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get position: %w", err)
	}

	if c.liquidity != nil && *c.liquidity < e.limits.MinLiquidityUSD {
		return reject(ReasonLowLiquidity, "$%.0f < $%.0f", *c.liquidity, e.limits.MinLiquidityUSD), nil
	}
	if c.marketCap != nil && *c.marketCap < e.limits.MinMarketCapUSD {
		return reject(ReasonLowMarketCap, "$%.0f < $%.0f", *c.marketCap, e.limits.MinMarketCapUSD), nil
	}
	return nil, nil
}

func fireKey(agentID string, t domain.TriggerType, chain domain.Chain, token string) string {
	return fmt.Sprintf("%s:%s:%s:%s", t, agentID, chain, token)
}
