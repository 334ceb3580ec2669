// Package classifier turns per-wallet balance deltas of one transaction into
// semantic trades: a BUY, a SELL, or a token-to-token swap pair.
//
// The base currency of a chain is its native asset, the wrapped native token
// and the recognized stablecoins. Base flowing out of the wallet buys the
// other leg; base flowing in sells it. A swap with no base leg yields a
// SwapPair whose legs are valued with the oracle's native price of the sold
// token.
package classifier

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeflow/internal/domain"
)

// Kind is the classification outcome.
type Kind string

// Classification kinds.
const (
	KindBuy  Kind = "buy"
	KindSell Kind = "sell"
	KindSwap Kind = "swap"
	KindNone Kind = "none"
)

// Skip reasons reported with KindNone.
const (
	ReasonFailedTx   = "failed_tx"
	ReasonNoTokenLeg = "no_token_leg"
	ReasonTransfer   = "transfer"
	ReasonMultiLeg   = "multi_leg"
)

// DefaultSolanaDust is the native delta below which a Solana transaction is
// treated as moving no SOL (fees, account rent).
var DefaultSolanaDust = decimal.RequireFromString("0.003")

// Delta is a signed, decimal-adjusted balance change of one asset.
// Positive flows into the wallet.
type Delta struct {
	Asset  string
	Amount decimal.Decimal
}

// Input is everything the classifier needs about one transaction as seen
// from one wallet.
type Input struct {
	Chain     domain.Chain
	Wallet    string
	TxID      string
	Timestamp time.Time
	Source    domain.TradeSource
	Failed    bool
	Deltas    []Delta
}

// Result is the outcome of Classify. Trade is set for KindBuy and KindSell,
// Pair for KindSwap, Reason for KindNone.
type Result struct {
	Kind   Kind
	Trade  *domain.DetectedTrade
	Pair   *domain.SwapPair
	Reason string
}

// Pricer returns the native-currency price of a token.
type Pricer interface {
	PriceNative(ctx context.Context, chain domain.Chain, token string) (float64, bool)
}

// Options configures a Classifier.
type Options struct {
	// SolanaDust overrides DefaultSolanaDust.
	SolanaDust *decimal.Decimal
	Logger     *zap.Logger
}

// Classifier classifies transactions. Safe for concurrent use.
type Classifier struct {
	prices Pricer
	dust   map[domain.Chain]decimal.Decimal
	logger *zap.Logger
}

// New creates a Classifier. prices may be nil, in which case stablecoin legs
// and token-to-token swaps are valued at 0.
func New(prices Pricer, opts Options) *Classifier {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dust := DefaultSolanaDust
	if opts.SolanaDust != nil {
		dust = *opts.SolanaDust
	}
	return &Classifier{
		prices: prices,
		dust:   map[domain.Chain]decimal.Decimal{domain.ChainSolana: dust},
		logger: logger.Named("classifier"),
	}
}

// Classify classifies one transaction for in.Wallet.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	if in.Failed {
		return none(ReasonFailedTx)
	}

	native, direction, baseMoved := c.baseFlow(ctx, in)

	var incoming, outgoing []Delta
	for _, d := range aggregate(in) {
		switch d.Amount.Sign() {
		case 1:
			incoming = append(incoming, d)
		case -1:
			outgoing = append(outgoing, d)
		}
	}

	switch {
	case len(incoming)+len(outgoing) == 0:
		return none(ReasonNoTokenLeg)
	case len(incoming) > 1 || len(outgoing) > 1:
		return none(ReasonMultiLeg)
	}

	if baseMoved {
		switch {
		case len(incoming) == 1 && len(outgoing) == 0 && direction < 0:
			return Result{Kind: KindBuy, Trade: c.trade(in, incoming[0], domain.ActionBuy, native.Neg(), 0)}
		case len(outgoing) == 1 && len(incoming) == 0 && direction > 0:
			return Result{Kind: KindSell, Trade: c.trade(in, outgoing[0], domain.ActionSell, native, 0)}
		}
		if len(incoming) == 1 && len(outgoing) == 1 {
			return none(ReasonMultiLeg)
		}
		return none(ReasonTransfer)
	}

	if len(incoming) == 1 && len(outgoing) == 1 {
		sold, bought := outgoing[0], incoming[0]
		price, ok := c.priceNative(ctx, in.Chain, sold.Asset)
		if !ok {
			c.logger.Debug("no native price for sold leg, valuing swap at 0",
				zap.String("chain", string(in.Chain)),
				zap.String("token", sold.Asset),
				zap.String("tx", in.TxID))
		}
		value := sold.Amount.Abs().Mul(decimal.NewFromFloat(price))
		return Result{
			Kind: KindSwap,
			Pair: &domain.SwapPair{
				Sell: *c.trade(in, sold, domain.ActionSell, value, 0),
				Buy:  *c.trade(in, bought, domain.ActionBuy, value, 1),
			},
		}
	}

	// A single token leg with no base movement is a plain transfer.
	return none(ReasonTransfer)
}

// baseFlow returns the net native-equivalent base movement, its direction
// and whether it is large enough to count as a trade leg. The direction
// falls back to the raw stablecoin flow when the stablecoin has no price.
func (c *Classifier) baseFlow(ctx context.Context, in Input) (decimal.Decimal, int, bool) {
	native := decimal.Zero
	stable := decimal.Zero
	stableRaw := decimal.Zero

	for _, d := range in.Deltas {
		if !in.Chain.IsBaseCurrency(d.Asset) {
			continue
		}
		if in.Chain.IsNative(d.Asset) {
			native = native.Add(d.Amount)
			continue
		}
		if d.Amount.IsZero() {
			continue
		}
		stableRaw = stableRaw.Add(d.Amount)
		price, ok := c.priceNative(ctx, in.Chain, d.Asset)
		if !ok {
			c.logger.Debug("no native price for stablecoin",
				zap.String("chain", string(in.Chain)), zap.String("token", d.Asset))
		}
		stable = stable.Add(d.Amount.Mul(decimal.NewFromFloat(price)))
	}

	if dust, ok := c.dust[in.Chain]; ok && native.Abs().LessThanOrEqual(dust) {
		native = decimal.Zero
	}

	total := native.Add(stable)
	direction := total.Sign()
	if direction == 0 {
		direction = stableRaw.Sign()
	}
	return total, direction, direction != 0
}

func (c *Classifier) priceNative(ctx context.Context, chain domain.Chain, token string) (float64, bool) {
	if c.prices == nil {
		return 0, false
	}
	return c.prices.PriceNative(ctx, chain, token)
}

func (c *Classifier) trade(in Input, leg Delta, action domain.Action, native decimal.Decimal, legIndex int) *domain.DetectedTrade {
	return &domain.DetectedTrade{
		Chain:        in.Chain,
		Wallet:       in.Chain.NormalizeAddress(in.Wallet),
		Token:        leg.Asset,
		Action:       action,
		NativeAmount: native.InexactFloat64(),
		TokenAmount:  leg.Amount.Abs().InexactFloat64(),
		TxID:         in.TxID,
		LegIndex:     legIndex,
		Timestamp:    in.Timestamp,
		Source:       in.Source,
	}
}

// aggregate sums non-base deltas per normalized asset, dropping zero nets.
// Output is sorted by asset for deterministic results.
func aggregate(in Input) []Delta {
	sums := make(map[string]decimal.Decimal)
	for _, d := range in.Deltas {
		if in.Chain.IsBaseCurrency(d.Asset) {
			continue
		}
		asset := in.Chain.NormalizeAddress(d.Asset)
		sums[asset] = sums[asset].Add(d.Amount)
	}

	out := make([]Delta, 0, len(sums))
	for asset, amount := range sums {
		if !amount.IsZero() {
			out = append(out, Delta{Asset: asset, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func none(reason string) Result {
	return Result{Kind: KindNone, Reason: reason}
}
