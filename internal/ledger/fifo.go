package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/idhash"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
)

// DefaultEpsilon is the relative tolerance under which a lot counts as fully
// consumed by a sell.
const DefaultEpsilon = 0.001

// MatchResult summarizes one sell walked against open lots.
type MatchResult struct {
	Closed      []*domain.Lot // lots closed by this sell, in FIFO order
	Consumed    float64       // tokens matched against lots
	Unmatched   float64       // tokens sold beyond recorded lots
	CostBasis   float64       // native cost of the consumed tokens
	RealizedPnL float64
}

// Matcher realizes PnL on sells by consuming OPEN lots oldest first.
type Matcher struct {
	epsilon float64
	logger  *zap.Logger
}

// NewMatcher creates a Matcher. epsilon <= 0 selects DefaultEpsilon.
func NewMatcher(epsilon float64, logger *zap.Logger) *Matcher {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Matcher{
		epsilon: epsilon,
		logger:  logger.Named("fifo"),
	}
}

// OpenLot records the cost basis of a BUY leg.
func (m *Matcher) OpenLot(ctx context.Context, tx storage.LedgerTx, agentID string, t *domain.DetectedTrade) (*domain.Lot, error) {
	lot := &domain.Lot{
		ID:          idhash.LotID(agentID, string(t.Chain), t.TxID, t.Token),
		AgentID:     agentID,
		Token:       t.Token,
		Chain:       t.Chain,
		Quantity:    t.TokenAmount,
		NativeSpent: t.NativeAmount,
		EntryPrice:  t.Price(),
		Status:      domain.LotOpen,
		OpenedAt:    t.Timestamp,
		TxID:        t.TxID,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("insert lot: %w", err)
	}
	return lot, nil
}

// Match closes lots against sale, a SELL of TokenAmount for NativeAmount.
//
// A lot is closed whole when the remaining sell covers it within epsilon.
// Otherwise it is split: the original keeps (1 - fraction) of its quantity
// and spend, and a new CLOSED lot with the original OpenedAt carries the
// consumed fraction. Tokens left over once lots run out are reported as a
// data gap; no lot is invented for them.
func (m *Matcher) Match(ctx context.Context, tx storage.LedgerTx, agentID string, sale *domain.DetectedTrade) (*MatchResult, error) {
	token, tokensSold, proceeds, at := sale.Token, sale.TokenAmount, sale.NativeAmount, sale.Timestamp
	res := &MatchResult{}
	if tokensSold <= 0 {
		return res, nil
	}

	lots, err := tx.OpenLots(ctx, agentID, token)
	if err != nil {
		return nil, fmt.Errorf("load open lots: %w", err)
	}

	exitPrice := proceeds / tokensSold
	remaining := tokensSold

	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		tradeTokens := lot.Quantity
		if tradeTokens <= 0 {
			continue
		}

		if remaining >= tradeTokens*(1-m.epsilon) {
			consumed := math.Min(remaining, tradeTokens)
			pnl := proceeds*consumed/tokensSold - lot.NativeSpent

			res.CostBasis += lot.NativeSpent
			closeLot(lot, at, exitPrice, pnl)
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return nil, fmt.Errorf("close lot %s: %w", lot.ID, err)
			}
			res.Closed = append(res.Closed, lot)
			res.Consumed += consumed
			res.RealizedPnL += pnl
			remaining -= consumed
			continue
		}

		fraction := remaining / tradeTokens
		cost := lot.NativeSpent * fraction
		pnl := proceeds*remaining/tokensSold - cost

		part := &domain.Lot{
			ID:          idhash.SplitLotID(lot.ID, sale.TxID),
			AgentID:     lot.AgentID,
			Token:       lot.Token,
			Chain:       lot.Chain,
			Quantity:    remaining,
			NativeSpent: cost,
			EntryPrice:  lot.EntryPrice,
			OpenedAt:    lot.OpenedAt,
			TxID:        lot.TxID,
		}
		closeLot(part, at, exitPrice, pnl)

		lot.Quantity = tradeTokens - remaining
		lot.NativeSpent -= cost
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return nil, fmt.Errorf("shrink lot %s: %w", lot.ID, err)
		}
		if err := tx.InsertLot(ctx, part); err != nil {
			return nil, fmt.Errorf("insert closed part of %s: %w", lot.ID, err)
		}

		res.Closed = append(res.Closed, part)
		res.CostBasis += cost
		res.Consumed += remaining
		res.RealizedPnL += pnl
		remaining = 0
	}

	if remaining > tokensSold*m.epsilon {
		res.Unmatched = remaining
		m.logger.Warn("sell exceeds open lots",
			zap.String("agent_id", agentID),
			zap.String("token", token),
			zap.Float64("sold", tokensSold),
			zap.Float64("unmatched", remaining),
			zap.Error(ErrDataGap),
		)
		observability.RecordDataGap("lots_exhausted")
	}
	return res, nil
}

func closeLot(l *domain.Lot, at time.Time, exitPrice, pnl float64) {
	closedAt := at
	l.Status = domain.LotClosed
	l.ClosedAt = &closedAt
	l.ExitPrice = &exitPrice
	l.RealizedPnL = &pnl
}
