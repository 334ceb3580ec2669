package domain

import "time"

// Position is the current aggregate holding of one token by one agent.
// Quantity is always > 0 while the position exists.
type Position struct {
	AgentID       string
	Token         string
	Chain         Chain
	Quantity      float64
	EntryPrice    float64 // weighted-average, native terms
	CurrentValue  *float64
	UnrealizedPnL *float64
	UpdatedAt     time.Time
}

// LotStatus is the lifecycle state of a lot.
type LotStatus string

// Lot statuses.
const (
	LotOpen   LotStatus = "OPEN"
	LotClosed LotStatus = "CLOSED"
)

// Lot is a cost-basis record created at buy time and closed, fully or
// partially, by later sells in FIFO (OpenedAt ascending) order.
type Lot struct {
	ID          string
	AgentID     string
	Token       string
	Chain       Chain
	Quantity    float64
	NativeSpent float64
	EntryPrice  float64
	Status      LotStatus
	OpenedAt    time.Time
	ClosedAt    *time.Time
	ExitPrice   *float64
	RealizedPnL *float64 // nil while OPEN
	TxID        string   // buy transaction that opened the lot
}

// Clone returns a deep copy of the lot.
func (l *Lot) Clone() *Lot {
	c := *l
	if l.ClosedAt != nil {
		t := *l.ClosedAt
		c.ClosedAt = &t
	}
	if l.ExitPrice != nil {
		p := *l.ExitPrice
		c.ExitPrice = &p
	}
	if l.RealizedPnL != nil {
		p := *l.RealizedPnL
		c.RealizedPnL = &p
	}
	return &c
}

// AgentStats aggregates an agent's lot history.
type AgentStats struct {
	AgentID       string
	TotalTrades   int // all lots, open or closed
	ClosedTrades  int
	WinningTrades int
	WinRate       float64 // WinningTrades / ClosedTrades, 0 when nothing closed
	RealizedPnL   float64
	UpdatedAt     time.Time
}

// ComputeAgentStats aggregates stats from a full lot history.
func ComputeAgentStats(agentID string, lots []*Lot, now time.Time) *AgentStats {
	stats := &AgentStats{AgentID: agentID, UpdatedAt: now}
	for _, l := range lots {
		stats.TotalTrades++
		if l.Status != LotClosed {
			continue
		}
		stats.ClosedTrades++
		if l.RealizedPnL != nil {
			stats.RealizedPnL += *l.RealizedPnL
			if *l.RealizedPnL > 0 {
				stats.WinningTrades++
			}
		}
	}
	if stats.ClosedTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.ClosedTrades)
	}
	return stats
}

// Watermark is the last fully processed block of a polled chain.
type Watermark struct {
	Chain     Chain
	LastBlock uint64
	UpdatedAt time.Time
}
