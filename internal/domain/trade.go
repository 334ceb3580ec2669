package domain

import (
	"fmt"
	"time"
)

// Action is the semantic direction of a trade relative to a wallet.
type Action string

// Trade actions.
const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// TradeSource identifies where a DetectedTrade came from.
type TradeSource string

// Trade sources.
const (
	SourceWebhook TradeSource = "webhook"
	SourceWSLogs  TradeSource = "ws_logs"
	SourceLogPoll TradeSource = "log_poll"
	SourceSelf    TradeSource = "self" // produced by the dispatcher after own execution
)

// DetectedTrade is an immutable, classified trade of one token leg by one wallet.
// Produced once per on-chain transaction per token leg.
type DetectedTrade struct {
	Chain        Chain
	Wallet       string
	Token        string // mint (Solana) or contract address (EVM)
	Action       Action
	NativeAmount float64 // base-currency amount spent (BUY) or received (SELL)
	TokenAmount  float64 // decimal-adjusted quantity of Token
	LiquidityUSD *float64
	MarketCapUSD *float64
	Volume24hUSD *float64
	TxID         string // chain-native transaction identifier
	LegIndex     int    // 0 for single-leg trades; 0/1 for token-to-token pairs
	Timestamp    time.Time
	Source       TradeSource
}

// Price returns the per-token price in native terms, or 0 when unknown.
func (t *DetectedTrade) Price() float64 {
	if t.TokenAmount <= 0 {
		return 0
	}
	return t.NativeAmount / t.TokenAmount
}

// Key returns the idempotency key of the trade leg.
func (t *DetectedTrade) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", t.Chain, t.TxID, t.Token, t.Action)
}

// SwapPair groups the two legs of a token-to-token swap. Both legs must be
// applied to the ledger in one transaction.
type SwapPair struct {
	Sell DetectedTrade
	Buy  DetectedTrade
}

// TradeRecord is the persisted, per-agent record of an applied trade leg.
// The (AgentID, Chain, TxID, Token, Action) tuple is unique.
type TradeRecord struct {
	AgentID      string
	Chain        Chain
	TxID         string
	Token        string
	Action       Action
	Wallet       string
	NativeAmount float64
	TokenAmount  float64
	Price        float64
	Source       TradeSource
	Timestamp    time.Time
}

// NewTradeRecord builds the ledger record of trade applied for agentID.
func NewTradeRecord(agentID string, t *DetectedTrade) *TradeRecord {
	return &TradeRecord{
		AgentID:      agentID,
		Chain:        t.Chain,
		TxID:         t.TxID,
		Token:        t.Token,
		Action:       t.Action,
		Wallet:       t.Wallet,
		NativeAmount: t.NativeAmount,
		TokenAmount:  t.TokenAmount,
		Price:        t.Price(),
		Source:       t.Source,
		Timestamp:    t.Timestamp,
	}
}
