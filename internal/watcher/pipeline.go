// Package watcher receives chain activity of tracked wallets and feeds it
// through classification, the ledger, the trigger engine and the analytics
// sink.
package watcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradeflow/internal/classifier"
	"tradeflow/internal/domain"
	"tradeflow/internal/events"
	"tradeflow/internal/ledger"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
	"tradeflow/internal/trigger"
)

// Enricher fills missing market data on a trade.
type Enricher interface {
	Enrich(ctx context.Context, t *domain.DetectedTrade)
}

// Ledger applies trades to agent positions.
type Ledger interface {
	Apply(ctx context.Context, agentID string, t *domain.DetectedTrade) (*ledger.Result, error)
	ApplyPair(ctx context.Context, agentID string, pair *domain.SwapPair) (*ledger.Result, error)
}

// Evaluator runs an agent's buy triggers against a trade.
type Evaluator interface {
	Evaluate(ctx context.Context, agentID string, t *domain.DetectedTrade) ([]trigger.Decision, error)
}

// Publisher receives side-effect events.
type Publisher interface {
	Publish(e events.Event) bool
}

// Outcome summarizes processing of one transaction.
type Outcome struct {
	// Applied is the number of owning agents whose ledger changed.
	Applied int
	// Evaluated is the number of following agents that ran their triggers.
	Evaluated int
	// Duplicates is the number of agents that had already seen it.
	Duplicates int
	// Skipped is set when the transaction produced no trade or no agent
	// tracks the wallet.
	Skipped bool
}

// Duplicate reports whether every agent had already seen the transaction.
func (o Outcome) Duplicate() bool {
	return o.Applied == 0 && o.Evaluated == 0 && o.Duplicates > 0
}

// PipelineDeps are the collaborators of a Pipeline. Enricher, Triggers,
// Analytics and Events are optional.
type PipelineDeps struct {
	Classifier *classifier.Classifier
	Config     storage.ConfigStore
	Enricher   Enricher
	Ledger     Ledger
	Triggers   Evaluator
	Analytics  storage.TradeEventStore
	Events     Publisher
	Logger     *zap.Logger
}

// Pipeline processes classifier inputs from every watcher.
type Pipeline struct {
	classifier *classifier.Classifier
	config     storage.ConfigStore
	enricher   Enricher
	ledger     Ledger
	triggers   Evaluator
	analytics  storage.TradeEventStore
	events     Publisher
	logger     *zap.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Pipeline{
		classifier: d.Classifier,
		config:     d.Config,
		enricher:   d.Enricher,
		ledger:     d.Ledger,
		triggers:   d.Triggers,
		analytics:  d.Analytics,
		events:     d.Events,
		logger:     d.Logger.Named("pipeline"),
	}
}

// Process classifies in and routes the result by wallet role: agents that
// own in.Wallet apply it to their ledger, agents that follow it run their
// buy triggers. Errors are transient storage failures; the input can be
// replayed safely.
func (p *Pipeline) Process(ctx context.Context, in classifier.Input) (Outcome, error) {
	res := p.classifier.Classify(ctx, in)
	if res.Kind == classifier.KindNone {
		observability.RecordClassifySkipped(string(in.Chain), res.Reason)
		p.logger.Debug("transaction skipped",
			zap.String("chain", string(in.Chain)), zap.String("tx", in.TxID), zap.String("reason", res.Reason))
		return Outcome{Skipped: true}, nil
	}

	owners, err := p.config.AgentsForWallet(ctx, in.Chain, in.Wallet, domain.WalletOwned)
	if err != nil {
		return Outcome{}, fmt.Errorf("owners of wallet: %w", err)
	}
	followers, err := p.config.AgentsForWallet(ctx, in.Chain, in.Wallet, domain.WalletFollowed)
	if err != nil {
		return Outcome{}, fmt.Errorf("followers of wallet: %w", err)
	}
	if len(owners) == 0 && len(followers) == 0 {
		return Outcome{Skipped: true}, nil
	}

	legs := p.legs(ctx, res)
	for _, t := range legs {
		observability.RecordTradeDetected(string(t.Chain), string(t.Source), string(t.Action))
	}

	var out Outcome
	for _, agentID := range owners {
		var r *ledger.Result
		if res.Pair != nil {
			r, err = p.ledger.ApplyPair(ctx, agentID, res.Pair)
		} else {
			r, err = p.ledger.Apply(ctx, agentID, res.Trade)
		}
		if err != nil {
			return out, fmt.Errorf("apply for %s: %w", agentID, err)
		}

		switch r.Outcome {
		case ledger.OutcomeDuplicate:
			out.Duplicates++
			continue
		case ledger.OutcomeRejected:
			continue
		}
		out.Applied++
		for _, t := range legs {
			p.publish(agentID, t)
		}
	}

	for _, agentID := range followers {
		switch p.evaluate(ctx, agentID, legs) {
		case errDuplicate:
			out.Duplicates++
		case nil:
			out.Evaluated++
			for _, t := range legs {
				p.publish(agentID, t)
			}
		}
	}

	if out.Applied > 0 || out.Evaluated > 0 {
		p.record(ctx, legs)
	}
	return out, nil
}

// legs returns the enriched trade legs of res.
func (p *Pipeline) legs(ctx context.Context, res classifier.Result) []*domain.DetectedTrade {
	var legs []*domain.DetectedTrade
	if res.Pair != nil {
		legs = []*domain.DetectedTrade{&res.Pair.Sell, &res.Pair.Buy}
	} else {
		legs = []*domain.DetectedTrade{res.Trade}
	}
	if p.enricher != nil {
		for _, t := range legs {
			if t.Action == domain.ActionBuy {
				p.enricher.Enrich(ctx, t)
			}
		}
	}
	return legs
}

var errDuplicate = errors.New("duplicate")

// evaluate runs agentID's triggers against the BUY legs. Returns
// errDuplicate when every leg was already evaluated.
func (p *Pipeline) evaluate(ctx context.Context, agentID string, legs []*domain.DetectedTrade) error {
	if p.triggers == nil {
		return nil
	}
	seen, buys := 0, 0
	for _, t := range legs {
		if t.Action != domain.ActionBuy {
			continue
		}
		buys++
		_, err := p.triggers.Evaluate(ctx, agentID, t)
		switch {
		case errors.Is(err, trigger.ErrAlreadyEvaluated):
			seen++
		case err != nil:
			// Trigger failures are scoped to this trade.
			p.logger.Warn("trigger evaluation failed",
				zap.String("agent", agentID), zap.String("tx", t.TxID), zap.Error(err))
		}
	}
	if buys > 0 && seen == buys {
		return errDuplicate
	}
	return nil
}

func (p *Pipeline) publish(agentID string, t *domain.DetectedTrade) {
	if p.events == nil {
		return
	}
	p.events.Publish(events.Event{Kind: events.KindTradeDetected, AgentID: agentID, Trade: t})
}

func (p *Pipeline) record(ctx context.Context, legs []*domain.DetectedTrade) {
	if p.analytics == nil {
		return
	}
	if err := p.analytics.InsertBulk(ctx, legs); err != nil {
		observability.RecordAnalyticsFailure()
		p.logger.Warn("analytics insert failed", zap.Error(err))
	}
}
