package domain

import "time"

// AutoBuyRequest is a queued buy decision, consumed exactly once by the dispatcher.
type AutoBuyRequest struct {
	ID           string
	AgentID      string
	Chain        Chain
	Token        string
	AmountNative float64
	TriggerType  TriggerType
	SourceWallet string
	Reason       string
	CreatedAt    time.Time
}

// ExecutionKind is the signing capability an agent has on a chain.
type ExecutionKind string

// Execution kinds.
const (
	ExecLocalKey  ExecutionKind = "local_key"
	ExecCustodial ExecutionKind = "custodial"
	ExecNone      ExecutionKind = "none"
)

// ExecutionProfile describes how AgentID executes on Chain.
// KeyRef names an environment variable holding the signing key; the key
// itself is never persisted.
type ExecutionProfile struct {
	AgentID  string
	Chain    Chain
	Kind     ExecutionKind
	KeyRef   string
	WalletID string // custodial wallet handle
}

// Recommendation is emitted instead of executing when direct execution is
// unavailable or fails.
type Recommendation struct {
	Request   AutoBuyRequest
	Cause     string
	CreatedAt time.Time
}

// RateLimitState is the per-agent safety counter. Day is the UTC date
// (YYYY-MM-DD) DailyCount belongs to.
type RateLimitState struct {
	DailyCount int
	Day        string
	LastBuyAt  time.Time
}

// ExecutionOrder is one request handed to an executor. Key holds the
// resolved local signing key and is empty for custodial execution.
type ExecutionOrder struct {
	Request *AutoBuyRequest
	Profile *ExecutionProfile
	Key     string
}

// ExecutionResult is a confirmed buy.
type ExecutionResult struct {
	TxID        string
	Wallet      string
	TokenAmount float64
	NativeSpent float64
	ExecutedAt  time.Time
}
