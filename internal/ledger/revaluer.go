package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

// NativePricer returns the current native-currency price of a token.
// ok is false when the price is unknown.
type NativePricer interface {
	PriceNative(ctx context.Context, chain domain.Chain, token string) (price float64, ok bool)
}

// Revaluer refreshes the cached mark-to-market fields of positions.
type Revaluer struct {
	store  storage.LedgerStore
	prices NativePricer
	logger *zap.Logger
}

// NewRevaluer creates a Revaluer.
func NewRevaluer(store storage.LedgerStore, prices NativePricer, logger *zap.Logger) *Revaluer {
	return &Revaluer{store: store, prices: prices, logger: logger.Named("revaluer")}
}

// Run revalues every position once. Unknown prices leave the cache untouched.
// Returns the number of positions updated.
func (v *Revaluer) Run(ctx context.Context) (int, error) {
	positions, err := v.store.ListAllPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}

	updated := 0
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		price, ok := v.prices.PriceNative(ctx, p.Chain, p.Token)
		if !ok {
			continue
		}
		value := p.Quantity * price
		pnl := value - p.Quantity*p.EntryPrice
		err := v.store.UpdateValuation(ctx, p.AgentID, p.Token, value, pnl)
		if errors.Is(err, storage.ErrNotFound) {
			// Closed since listing.
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("update valuation: %w", err)
		}
		updated++
	}

	v.logger.Debug("revaluation done", zap.Int("positions", len(positions)), zap.Int("updated", updated))
	return updated, nil
}
