package trending

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/oracle"
	"tradeflow/internal/storage"
	"tradeflow/internal/trigger"
)

// Worker defaults.
const (
	DefaultInterval  = 60 * time.Second
	DefaultLookback  = time.Hour
	DefaultTopN      = 20
	DefaultMinBuyers = 2
)

// Quoter supplies market snapshots of hot tokens.
type Quoter interface {
	Quote(ctx context.Context, chain domain.Chain, token string) *oracle.Quote
}

// Evaluator runs trending triggers.
type Evaluator interface {
	EvaluateTrending(ctx context.Context, hot []trigger.HotToken) ([]trigger.Decision, error)
}

// Config configures a Worker.
type Config struct {
	Interval  time.Duration
	Lookback  time.Duration
	TopN      int
	MinBuyers int
}

// Worker periodically ranks recent activity and evaluates trending triggers.
type Worker struct {
	cfg      Config
	events   storage.TradeEventStore
	quotes   Quoter
	triggers Evaluator
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorker creates a Worker. quotes may be nil.
func NewWorker(cfg Config, events storage.TradeEventStore, quotes Quoter, triggers Evaluator, logger *zap.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.MinBuyers <= 0 {
		cfg.MinBuyers = DefaultMinBuyers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		events:   events,
		quotes:   quotes,
		triggers: triggers,
		logger:   logger.Named("trending"),
		now:      time.Now,
	}
}

// Run ticks every interval until ctx is cancelled. Tick failures are logged.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.logger.Warn("trending tick failed", zap.Error(err))
			}
		}
	}
}

// Tick ranks activity within the lookback window, attaches market data and
// evaluates trending triggers. It returns the number of queued requests.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	activity, err := w.events.ActivitySince(ctx, w.now().Add(-w.cfg.Lookback))
	if err != nil {
		return 0, fmt.Errorf("load activity: %w", err)
	}

	hot := Rank(activity, w.cfg.MinBuyers, w.cfg.TopN)
	if len(hot) == 0 {
		return 0, nil
	}
	if w.quotes != nil {
		for i := range hot {
			if q := w.quotes.Quote(ctx, hot[i].Chain, hot[i].Token); q != nil {
				hot[i].LiquidityUSD = q.LiquidityUSD
				hot[i].MarketCapUSD = q.MarketCapUSD
			}
		}
	}

	decisions, err := w.triggers.EvaluateTrending(ctx, hot)
	if err != nil {
		return 0, fmt.Errorf("evaluate trending: %w", err)
	}

	queued := 0
	for _, d := range decisions {
		if d.Request != nil {
			queued++
		}
	}
	w.logger.Debug("trending evaluated",
		zap.Int("tokens", len(activity)), zap.Int("hot", len(hot)), zap.Int("queued", queued))
	return queued, nil
}
