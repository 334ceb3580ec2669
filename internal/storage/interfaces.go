package storage

import (
	"context"
	"time"

	"tradeflow/internal/domain"
)

// LedgerTx is the unit of work for one ledger mutation. All changes made
// through a LedgerTx commit together or not at all.
type LedgerTx interface {
	// InsertTrade records an applied trade leg. Returns ErrDuplicateKey if
	// (agent_id, chain, tx_id, token, action) exists.
	InsertTrade(ctx context.Context, r *domain.TradeRecord) error

	// GetPosition returns the position for (agent, token). Returns ErrNotFound if absent.
	GetPosition(ctx context.Context, agentID, token string) (*domain.Position, error)

	// SavePosition inserts or replaces the position row.
	SavePosition(ctx context.Context, p *domain.Position) error

	// DeletePosition removes the position row. Deleting a missing row is not an error.
	DeletePosition(ctx context.Context, agentID, token string) error

	// OpenLots returns OPEN lots for (agent, token) ordered by opened_at ASC, id ASC.
	OpenLots(ctx context.Context, agentID, token string) ([]*domain.Lot, error)

	// InsertLot adds a new lot. Returns ErrDuplicateKey if the lot id exists.
	InsertLot(ctx context.Context, l *domain.Lot) error

	// UpdateLot replaces an existing lot. Returns ErrNotFound if absent.
	UpdateLot(ctx context.Context, l *domain.Lot) error

	// RecomputeStats recalculates and persists the agent's aggregate stats.
	RecomputeStats(ctx context.Context, agentID string, now time.Time) (*domain.AgentStats, error)
}

// LedgerStore persists positions, lots, trade records and agent stats.
type LedgerStore interface {
	// InTx runs fn inside a transaction. If fn returns an error, nothing is persisted
	// and the error is returned unchanged.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// GetPosition returns a position. Returns ErrNotFound if absent.
	GetPosition(ctx context.Context, agentID, token string) (*domain.Position, error)

	// ListPositions returns all positions of an agent ordered by token.
	ListPositions(ctx context.Context, agentID string) ([]*domain.Position, error)

	// ListAllPositions returns every position ordered by (agent_id, token).
	ListAllPositions(ctx context.Context) ([]*domain.Position, error)

	// CountPositions returns the number of open positions of an agent.
	CountPositions(ctx context.Context, agentID string) (int, error)

	// UpdateValuation sets the cached mark-to-market fields of a position.
	// Returns ErrNotFound if the position no longer exists.
	UpdateValuation(ctx context.Context, agentID, token string, value, pnl float64) error

	// ListLots returns all lots of (agent, token) ordered by opened_at ASC, id ASC.
	ListLots(ctx context.Context, agentID, token string) ([]*domain.Lot, error)

	// GetStats returns the agent's stats. Returns ErrNotFound if never computed.
	GetStats(ctx context.Context, agentID string) (*domain.AgentStats, error)

	// HasTrade reports whether a trade leg was already applied for the agent.
	HasTrade(ctx context.Context, agentID string, chain domain.Chain, txID, token string, action domain.Action) (bool, error)
}

// WatermarkStore persists per-chain block watermarks.
type WatermarkStore interface {
	// Get returns the chain's watermark. Returns ErrNotFound if none saved yet.
	Get(ctx context.Context, chain domain.Chain) (*domain.Watermark, error)

	// Set saves the chain's watermark (upsert).
	Set(ctx context.Context, w *domain.Watermark) error
}

// ConfigStore provides the externally managed trigger, wallet and execution configuration.
type ConfigStore interface {
	// TrackedWallets returns all tracked wallets on a chain.
	TrackedWallets(ctx context.Context, chain domain.Chain) ([]*domain.TrackedWallet, error)

	// AgentsForWallet returns the IDs of agents tracking address on chain
	// with the given role, sorted.
	AgentsForWallet(ctx context.Context, chain domain.Chain, address string, role domain.WalletRole) ([]string, error)

	// TriggersForAgent returns the enabled triggers of an agent.
	TriggersForAgent(ctx context.Context, agentID string) ([]*domain.BuyTrigger, error)

	// TriggersByType returns all enabled triggers of a type across agents.
	TriggersByType(ctx context.Context, t domain.TriggerType) ([]*domain.BuyTrigger, error)

	// ExecutionProfile returns how an agent executes on chain. Returns ErrNotFound if unset.
	ExecutionProfile(ctx context.Context, agentID string, chain domain.Chain) (*domain.ExecutionProfile, error)
}

// TokenActivity is an aggregate of recent trade events for one token.
type TokenActivity struct {
	Chain          domain.Chain
	Token          string
	Buys           int
	Sells          int
	DistinctBuyers int
	BuyVolume      float64 // native
	SellVolume     float64 // native
	LastTradeAt    time.Time
}

// TradeEventStore is the append-only analytics sink of detected trades.
type TradeEventStore interface {
	// InsertBulk appends trade events. Duplicate (chain, tx_id, token, action) are ignored.
	InsertBulk(ctx context.Context, trades []*domain.DetectedTrade) error

	// ActivitySince aggregates events per token with timestamp >= since.
	ActivitySince(ctx context.Context, since time.Time) ([]*TokenActivity, error)
}
