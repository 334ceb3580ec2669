package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
)

// Outcome is the result class of applying a trade to an agent's ledger.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Result reports what Apply did.
type Result struct {
	Outcome Outcome
	// Match is set for SELL legs that reached the matcher.
	Match *MatchResult
	Stats *domain.AgentStats
}

// Options configures a Reconciler.
type Options struct {
	Epsilon float64
	Logger  *zap.Logger
	Now     func() time.Time
}

// Reconciler applies classified trades to the ledger: trade record, position
// and lots, then stats, all in one transaction per trade (or swap pair).
type Reconciler struct {
	store     storage.LedgerStore
	positions *Positions
	matcher   *Matcher
	epsilon   float64
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler on store.
func NewReconciler(store storage.LedgerStore, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := NewMatcher(opts.Epsilon, opts.Logger)
	return &Reconciler{
		store:     store,
		positions: NewPositions(opts.Logger),
		matcher:   m,
		epsilon:   m.epsilon,
		logger:    opts.Logger.Named("reconciler"),
		now:       opts.Now,
	}
}

// Apply records t for agentID. A leg already applied for the agent yields
// OutcomeDuplicate with a nil error.
func (r *Reconciler) Apply(ctx context.Context, agentID string, t *domain.DetectedTrade) (*Result, error) {
	if reason := invalidTrade(t); reason != "" {
		r.logger.Warn("rejecting trade", zap.String("agent_id", agentID), zap.String("reason", reason))
		observability.RecordApply(string(OutcomeRejected))
		return &Result{Outcome: OutcomeRejected}, nil
	}

	res := &Result{Outcome: OutcomeApplied}
	err := r.store.InTx(ctx, func(tx storage.LedgerTx) error {
		match, err := r.applyLeg(ctx, tx, agentID, t)
		if err != nil {
			return err
		}
		res.Match = match
		res.Stats, err = tx.RecomputeStats(ctx, agentID, r.now())
		if err != nil {
			return fmt.Errorf("recompute stats: %w", err)
		}
		return nil
	})
	return r.finish(agentID, t.TxID, res, err)
}

// ApplyPair records both legs of a token-to-token swap, SELL first, in one
// transaction. Either both legs land or neither does.
func (r *Reconciler) ApplyPair(ctx context.Context, agentID string, pair *domain.SwapPair) (*Result, error) {
	for _, leg := range []*domain.DetectedTrade{&pair.Sell, &pair.Buy} {
		if reason := invalidTrade(leg); reason != "" {
			r.logger.Warn("rejecting swap pair", zap.String("agent_id", agentID), zap.String("reason", reason))
			observability.RecordApply(string(OutcomeRejected))
			return &Result{Outcome: OutcomeRejected}, nil
		}
	}

	res := &Result{Outcome: OutcomeApplied}
	err := r.store.InTx(ctx, func(tx storage.LedgerTx) error {
		match, err := r.applyLeg(ctx, tx, agentID, &pair.Sell)
		if err != nil {
			return err
		}
		if _, err := r.applyLeg(ctx, tx, agentID, &pair.Buy); err != nil {
			return err
		}
		res.Match = match
		res.Stats, err = tx.RecomputeStats(ctx, agentID, r.now())
		if err != nil {
			return fmt.Errorf("recompute stats: %w", err)
		}
		return nil
	})
	return r.finish(agentID, pair.Sell.TxID, res, err)
}

func (r *Reconciler) finish(agentID, txID string, res *Result, err error) (*Result, error) {
	if errors.Is(err, storage.ErrDuplicateKey) {
		r.logger.Debug("trade already applied", zap.String("agent_id", agentID), zap.String("tx_id", txID))
		observability.RecordApply(string(OutcomeDuplicate))
		return &Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		observability.RecordApply("failed")
		return nil, err
	}
	observability.RecordApply(string(OutcomeApplied))
	return res, nil
}

func (r *Reconciler) applyLeg(ctx context.Context, tx storage.LedgerTx, agentID string, t *domain.DetectedTrade) (*MatchResult, error) {
	if err := tx.InsertTrade(ctx, domain.NewTradeRecord(agentID, t)); err != nil {
		return nil, err
	}

	switch t.Action {
	case domain.ActionBuy:
		if _, err := r.positions.OnBuy(ctx, tx, t.Chain, agentID, t.Token, t.TokenAmount, t.Price(), t.Timestamp); err != nil {
			return nil, err
		}
		if _, err := r.matcher.OpenLot(ctx, tx, agentID, t); err != nil {
			return nil, err
		}
		return nil, nil

	case domain.ActionSell:
		effect, err := r.positions.OnSell(ctx, tx, agentID, t.Token, t.TokenAmount, t.Timestamp)
		if err != nil {
			return nil, err
		}
		if effect == SellNoPosition {
			return nil, nil
		}
		match, err := r.matcher.Match(ctx, tx, agentID, t)
		if err != nil {
			return nil, err
		}
		if effect == SellReduced && match.Consumed > 0 {
			if err := r.alignDust(ctx, tx, agentID, t.Token, t.TokenAmount); err != nil {
				return nil, err
			}
		}
		return match, nil
	}
	return nil, fmt.Errorf("unknown action %q", t.Action)
}

// alignDust snaps the position to the sum of open lots when the two differ by
// less than the matcher tolerance, so a lot closed within epsilon does not
// leave a dust position behind.
func (r *Reconciler) alignDust(ctx context.Context, tx storage.LedgerTx, agentID, token string, sold float64) error {
	lots, err := tx.OpenLots(ctx, agentID, token)
	if err != nil {
		return fmt.Errorf("load open lots: %w", err)
	}
	open := 0.0
	for _, l := range lots {
		open += l.Quantity
	}

	pos, err := tx.GetPosition(ctx, agentID, token)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	diff := math.Abs(pos.Quantity - open)
	if diff == 0 || diff > (pos.Quantity+sold)*r.epsilon {
		return nil
	}
	if open <= 0 {
		return tx.DeletePosition(ctx, agentID, token)
	}
	pos.Quantity = open
	return tx.SavePosition(ctx, pos)
}

func invalidTrade(t *domain.DetectedTrade) string {
	switch {
	case t == nil:
		return "nil trade"
	case t.TxID == "":
		return "missing tx id"
	case t.Token == "":
		return "missing token"
	case t.TokenAmount <= 0:
		return "non-positive token amount"
	case t.NativeAmount < 0:
		return "negative native amount"
	case t.Action != domain.ActionBuy && t.Action != domain.ActionSell:
		return "unknown action"
	}
	return ""
}
