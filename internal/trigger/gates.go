package trigger

import (
	"fmt"
	"time"
)

// Reason names the safety gate that rejected a candidate.
type Reason string

// Gate reasons, in evaluation order.
const (
	ReasonDailyLimit   Reason = "daily_limit"
	ReasonCooldown     Reason = "cooldown"
	ReasonMaxPositions Reason = "max_positions"
	ReasonAlreadyHolds Reason = "already_holds"
	ReasonLowLiquidity Reason = "low_liquidity"
	ReasonLowMarketCap Reason = "low_market_cap"
)

// Rejection is a gate decision. It is a value, not a failure.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Limits are the safety gate thresholds.
type Limits struct {
	DailyLimit       int
	Cooldown         time.Duration
	MaxOpenPositions int
	MinLiquidityUSD  float64
	MinMarketCapUSD  float64
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() Limits {
	return Limits{
		DailyLimit:       5,
		Cooldown:         60 * time.Second,
		MaxOpenPositions: 10,
		MinLiquidityUSD:  5_000,
		MinMarketCapUSD:  10_000,
	}
}

// dayKey is the UTC calendar day the daily counter belongs to.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
