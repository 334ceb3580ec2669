// Package ledger maintains per-agent positions and FIFO cost-basis lots.
//
// Positions reflect current holdings; lots reflect cost-basis history.
// Both are mutated inside one storage.LedgerTx per trade leg by the Reconciler.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
)

// ErrDataGap marks state that cannot be explained by recorded trades, such as
// a sell with no position or no open lots. It is logged, never returned.
var ErrDataGap = errors.New("data gap")

// SellEffect describes what OnSell did to the position.
type SellEffect int

const (
	SellNoPosition SellEffect = iota
	SellReduced
	SellClosed
)

// Positions applies BUY and SELL mutations to position rows.
type Positions struct {
	logger *zap.Logger
}

// NewPositions creates a Positions bound to logger.
func NewPositions(logger *zap.Logger) *Positions {
	return &Positions{logger: logger.Named("positions")}
}

// OnBuy creates the position or folds qty at price into its weighted-average
// entry. qty <= 0 is logged and ignored.
func (p *Positions) OnBuy(ctx context.Context, tx storage.LedgerTx, chain domain.Chain, agentID, token string, qty, price float64, at time.Time) (*domain.Position, error) {
	if qty <= 0 {
		p.logger.Warn("ignoring buy with non-positive quantity",
			zap.String("agent_id", agentID),
			zap.String("token", token),
			zap.Float64("qty", qty),
		)
		return nil, nil
	}

	pos, err := tx.GetPosition(ctx, agentID, token)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		pos = &domain.Position{
			AgentID:    agentID,
			Token:      token,
			Chain:      chain,
			Quantity:   qty,
			EntryPrice: price,
		}
	case err != nil:
		return nil, fmt.Errorf("load position: %w", err)
	default:
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / total
		pos.Quantity = total
		// Cached valuation is stale once the entry price moves.
		pos.CurrentValue = nil
		pos.UnrealizedPnL = nil
	}
	pos.UpdatedAt = at

	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return pos, nil
}

// OnSell reduces the position by qty and deletes it once nothing is left.
// A missing position is a data gap: logged, no-op.
func (p *Positions) OnSell(ctx context.Context, tx storage.LedgerTx, agentID, token string, qty float64, at time.Time) (SellEffect, error) {
	pos, err := tx.GetPosition(ctx, agentID, token)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("sell without position",
			zap.String("agent_id", agentID),
			zap.String("token", token),
			zap.Float64("qty", qty),
			zap.Error(ErrDataGap),
		)
		observability.RecordDataGap("no_position")
		return SellNoPosition, nil
	}
	if err != nil {
		return SellNoPosition, fmt.Errorf("load position: %w", err)
	}

	remaining := pos.Quantity - qty
	if remaining <= 0 {
		if remaining < 0 {
			p.logger.Warn("oversell closes position",
				zap.String("agent_id", agentID),
				zap.String("token", token),
				zap.Float64("held", pos.Quantity),
				zap.Float64("sold", qty),
			)
			observability.RecordDataGap("oversell")
		}
		if err := tx.DeletePosition(ctx, agentID, token); err != nil {
			return SellNoPosition, fmt.Errorf("delete position: %w", err)
		}
		return SellClosed, nil
	}

	pos.Quantity = remaining
	pos.UpdatedAt = at
	if err := tx.SavePosition(ctx, pos); err != nil {
		return SellNoPosition, fmt.Errorf("save position: %w", err)
	}
	return SellReduced, nil
}
