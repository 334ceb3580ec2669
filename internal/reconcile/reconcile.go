// Package reconcile verifies that every position quantity equals the sum of
// its OPEN lots.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
)

// Defaults.
const (
	DefaultInterval  = 10 * time.Minute
	DefaultTolerance = 1e-6
)

// Mismatch is a position whose quantity disagrees with its lots.
type Mismatch struct {
	AgentID          string
	Chain            domain.Chain
	Token            string
	PositionQuantity float64
	OpenLotQuantity  float64
	OpenLots         int
}

// Diff is PositionQuantity - OpenLotQuantity.
func (m Mismatch) Diff() float64 {
	return m.PositionQuantity - m.OpenLotQuantity
}

// Report is the result of one pass.
type Report struct {
	Positions  int
	Mismatches []Mismatch
	RanAt      time.Time
}

// OK reports whether the pass found no mismatches.
func (r *Report) OK() bool { return len(r.Mismatches) == 0 }

// Config configures a Checker.
type Config struct {
	Interval time.Duration
	// Tolerance is the allowed absolute difference relative to max(1, quantity).
	Tolerance float64
}

// Checker runs the position/lot invariant check.
type Checker struct {
	cfg    Config
	store  storage.LedgerStore
	logger *zap.Logger
	now    func() time.Time
}

// NewChecker creates a Checker.
func NewChecker(cfg Config, store storage.LedgerStore, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{cfg: cfg, store: store, logger: logger.Named("reconcile"), now: time.Now}
}

// Run checks every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				c.logger.Warn("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Check compares every position with its OPEN lots. Mismatches are logged
// and reported, never repaired.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	positions, err := c.store.ListAllPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	report := &Report{Positions: len(positions), RanAt: c.now().UTC()}
	for _, p := range positions {
		lots, err := c.store.ListLots(ctx, p.AgentID, p.Token)
		if err != nil {
			return nil, fmt.Errorf("list lots %s/%s: %w", p.AgentID, p.Token, err)
		}

		m := Mismatch{AgentID: p.AgentID, Chain: p.Chain, Token: p.Token, PositionQuantity: p.Quantity}
		for _, l := range lots {
			if l.Status == domain.LotOpen {
				m.OpenLotQuantity += l.Quantity
				m.OpenLots++
			}
		}
		if math.Abs(m.Diff()) <= c.cfg.Tolerance*math.Max(1, math.Abs(p.Quantity)) {
			continue
		}

		report.Mismatches = append(report.Mismatches, m)
		c.logger.Warn("position does not match open lots",
			zap.String("agent_id", m.AgentID),
			zap.String("token", m.Token),
			zap.Float64("position_quantity", m.PositionQuantity),
			zap.Float64("open_lot_quantity", m.OpenLotQuantity),
			zap.Int("open_lots", m.OpenLots))
	}

	observability.RecordReconcileRun(len(report.Mismatches), report.RanAt.Unix())
	c.logger.Info("reconciliation complete",
		zap.Int("positions", report.Positions), zap.Int("mismatches", len(report.Mismatches)))
	return report, nil
}
