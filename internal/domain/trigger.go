package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TriggerType names a buy-trigger rule kind.
type TriggerType string

// Trigger types.
const (
	TriggerCopyTrade TriggerType = "copy_trade"
	TriggerVolume    TriggerType = "volume"
	TriggerLiquidity TriggerType = "liquidity"
	TriggerConsensus TriggerType = "consensus"
	TriggerTrending  TriggerType = "trending"
)

// ErrInvalidTriggerConfig is returned when a trigger config fails validation.
var ErrInvalidTriggerConfig = errors.New("invalid trigger config")

// TriggerConfig is the validated, per-kind configuration of a BuyTrigger.
// Exactly one concrete type exists per TriggerType.
type TriggerConfig interface {
	Type() TriggerType
	BuyAmount() float64
	Validate() error
}

// CopyTradeConfig mirrors every BUY of a tracked wallet.
type CopyTradeConfig struct {
	AmountNative float64 `json:"buy_amount"`
}

// VolumeConfig fires when 24h volume reaches a threshold.
type VolumeConfig struct {
	AmountNative    float64 `json:"buy_amount"`
	MinVolume24hUSD float64 `json:"min_volume_24h_usd"`
}

// LiquidityConfig fires when pool liquidity reaches a minimum.
type LiquidityConfig struct {
	AmountNative    float64 `json:"buy_amount"`
	MinLiquidityUSD float64 `json:"min_liquidity_usd"`
}

// ConsensusConfig fires when enough distinct tracked wallets bought the same
// token inside a sliding window.
type ConsensusConfig struct {
	AmountNative  float64 `json:"buy_amount"`
	MinWallets    int     `json:"min_wallets"`
	WindowMinutes int     `json:"window_minutes"`
}

// TrendingConfig fires when an externally computed activity score is high enough.
type TrendingConfig struct {
	AmountNative     float64 `json:"buy_amount"`
	MinActivityScore float64 `json:"min_activity_score"`
}

func (c CopyTradeConfig) Type() TriggerType  { return TriggerCopyTrade }
func (c VolumeConfig) Type() TriggerType     { return TriggerVolume }
func (c LiquidityConfig) Type() TriggerType  { return TriggerLiquidity }
func (c ConsensusConfig) Type() TriggerType  { return TriggerConsensus }
func (c TrendingConfig) Type() TriggerType   { return TriggerTrending }
func (c CopyTradeConfig) BuyAmount() float64 { return c.AmountNative }
func (c VolumeConfig) BuyAmount() float64    { return c.AmountNative }
func (c LiquidityConfig) BuyAmount() float64 { return c.AmountNative }
func (c ConsensusConfig) BuyAmount() float64 { return c.AmountNative }
func (c TrendingConfig) BuyAmount() float64  { return c.AmountNative }

func validAmount(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: buy_amount must be > 0", ErrInvalidTriggerConfig)
	}
	return nil
}

func (c CopyTradeConfig) Validate() error { return validAmount(c.AmountNative) }

func (c VolumeConfig) Validate() error {
	if c.MinVolume24hUSD <= 0 {
		return fmt.Errorf("%w: min_volume_24h_usd must be > 0", ErrInvalidTriggerConfig)
	}
	return validAmount(c.AmountNative)
}

func (c LiquidityConfig) Validate() error {
	if c.MinLiquidityUSD <= 0 {
		return fmt.Errorf("%w: min_liquidity_usd must be > 0", ErrInvalidTriggerConfig)
	}
	return validAmount(c.AmountNative)
}

func (c ConsensusConfig) Validate() error {
	if c.MinWallets < 2 {
		return fmt.Errorf("%w: min_wallets must be >= 2", ErrInvalidTriggerConfig)
	}
	if c.WindowMinutes < 0 {
		return fmt.Errorf("%w: window_minutes must be >= 0", ErrInvalidTriggerConfig)
	}
	return validAmount(c.AmountNative)
}

func (c TrendingConfig) Validate() error {
	if c.MinActivityScore <= 0 {
		return fmt.Errorf("%w: min_activity_score must be > 0", ErrInvalidTriggerConfig)
	}
	return validAmount(c.AmountNative)
}

// DefaultConsensusWindow applies when window_minutes is unset.
const DefaultConsensusWindow = 60 * time.Minute

// Window returns the configured sliding window.
func (c ConsensusConfig) Window() time.Duration {
	if c.WindowMinutes <= 0 {
		return DefaultConsensusWindow
	}
	return time.Duration(c.WindowMinutes) * time.Minute
}

// ParseTriggerConfig decodes raw JSON for the given trigger type and validates it.
// Unknown fields are rejected so that typos do not silently disable a rule.
func ParseTriggerConfig(t TriggerType, raw []byte) (TriggerConfig, error) {
	var cfg TriggerConfig
	switch t {
	case TriggerCopyTrade:
		var c CopyTradeConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	case TriggerVolume:
		var c VolumeConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	case TriggerLiquidity:
		var c LiquidityConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	case TriggerConsensus:
		var c ConsensusConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	case TriggerTrending:
		var c TrendingConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		cfg = c
	default:
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTriggerConfig, t)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(raw []byte, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTriggerConfig, err)
	}
	return nil
}

// BuyTrigger is a per-agent rule. Read-only to the core.
type BuyTrigger struct {
	ID      string
	AgentID string
	Type    TriggerType
	Enabled bool
	Config  TriggerConfig
}

// WalletRole is how an agent relates to a tracked wallet.
type WalletRole string

// Wallet roles.
const (
	// WalletFollowed trades are evaluated against the agent's buy triggers
	// and never touch its ledger.
	WalletFollowed WalletRole = "followed"
	// WalletOwned trades are the agent's own; they feed its positions and lots.
	WalletOwned WalletRole = "owned"
)

// ParseWalletRole normalizes a role name. Empty selects WalletFollowed.
func ParseWalletRole(s string) (WalletRole, bool) {
	switch WalletRole(strings.ToLower(strings.TrimSpace(s))) {
	case "", WalletFollowed:
		return WalletFollowed, true
	case WalletOwned:
		return WalletOwned, true
	}
	return "", false
}

// TrackedWallet routes trades of Address on Chain to AgentID according to Role.
type TrackedWallet struct {
	AgentID string
	Chain   Chain
	Address string
	Role    WalletRole
}
