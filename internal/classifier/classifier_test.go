package classifier

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
)

type fixedPrices map[string]float64

func (p fixedPrices) PriceNative(_ context.Context, _ domain.Chain, token string) (float64, bool) {
	v, ok := p[token]
	return v, ok
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var ts = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func solInput(deltas ...Delta) Input {
	return Input{
		Chain:     domain.ChainSolana,
		Wallet:    "WalletA",
		TxID:      "sig1",
		Timestamp: ts,
		Source:    domain.SourceWebhook,
		Deltas:    deltas,
	}
}

func TestClassify(t *testing.T) {
	prices := fixedPrices{
		"TokenX":          0.002,
		domain.USDCSolana: 0.005,
	}

	tests := []struct {
		name       string
		in         Input
		wantKind   Kind
		wantReason string
		wantAction domain.Action
		wantToken  string
		wantNative float64
		wantTokens float64
	}{
		{
			name:       "sol out token in is a buy",
			in:         solInput(Delta{domain.NativeSOLMint, d("-1.5")}, Delta{"TokenX", d("1000")}),
			wantKind:   KindBuy,
			wantAction: domain.ActionBuy,
			wantToken:  "TokenX",
			wantNative: 1.5,
			wantTokens: 1000,
		},
		{
			name:       "token out sol in is a sell",
			in:         solInput(Delta{"TokenX", d("-400")}, Delta{domain.NativeSOLMint, d("0.9")}),
			wantKind:   KindSell,
			wantAction: domain.ActionSell,
			wantToken:  "TokenX",
			wantNative: 0.9,
			wantTokens: 400,
		},
		{
			name: "wsol and sol merge into one native leg",
			in: solInput(
				Delta{domain.NativeSOLMint, d("-0.5")},
				Delta{domain.WSOLMint, d("-0.5")},
				Delta{"TokenX", d("10")},
			),
			wantKind:   KindBuy,
			wantAction: domain.ActionBuy,
			wantToken:  "TokenX",
			wantNative: 1,
			wantTokens: 10,
		},
		{
			name:       "usdc funded buy is valued in native",
			in:         solInput(Delta{domain.USDCSolana, d("-200")}, Delta{"TokenX", d("50")}),
			wantKind:   KindBuy,
			wantAction: domain.ActionBuy,
			wantToken:  "TokenX",
			wantNative: 1,
			wantTokens: 50,
		},
		{
			name:       "failed transaction",
			in:         func() Input { in := solInput(Delta{"TokenX", d("1")}); in.Failed = true; return in }(),
			wantKind:   KindNone,
			wantReason: ReasonFailedTx,
		},
		{
			name:       "sol only",
			in:         solInput(Delta{domain.NativeSOLMint, d("-2")}),
			wantKind:   KindNone,
			wantReason: ReasonNoTokenLeg,
		},
		{
			name:       "token received without payment is a transfer",
			in:         solInput(Delta{"TokenX", d("5")}, Delta{domain.NativeSOLMint, d("-0.002")}),
			wantKind:   KindNone,
			wantReason: ReasonTransfer,
		},
		{
			name: "two bought tokens are ambiguous",
			in: solInput(
				Delta{domain.NativeSOLMint, d("-1")},
				Delta{"TokenX", d("5")},
				Delta{"TokenY", d("5")},
			),
			wantKind:   KindNone,
			wantReason: ReasonMultiLeg,
		},
		{
			name:       "token and sol both received",
			in:         solInput(Delta{domain.NativeSOLMint, d("1")}, Delta{"TokenX", d("5")}),
			wantKind:   KindNone,
			wantReason: ReasonTransfer,
		},
	}

	c := New(prices, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(context.Background(), tt.in)
			require.Equal(t, tt.wantKind, res.Kind, "reason=%s", res.Reason)
			if tt.wantKind == KindNone {
				assert.Equal(t, tt.wantReason, res.Reason)
				assert.Nil(t, res.Trade)
				return
			}
			require.NotNil(t, res.Trade)
			assert.Equal(t, tt.wantAction, res.Trade.Action)
			assert.Equal(t, tt.wantToken, res.Trade.Token)
			assert.InDelta(t, tt.wantNative, res.Trade.NativeAmount, 1e-9)
			assert.InDelta(t, tt.wantTokens, res.Trade.TokenAmount, 1e-9)
			assert.Equal(t, "sig1", res.Trade.TxID)
			assert.Equal(t, ts, res.Trade.Timestamp)
			assert.Equal(t, domain.SourceWebhook, res.Trade.Source)
		})
	}
}

func TestClassify_TokenToTokenSwap(t *testing.T) {
	c := New(fixedPrices{"TokenX": 0.002}, Options{})

	// Rent for the new token account is under the dust threshold.
	res := c.Classify(context.Background(), solInput(
		Delta{"TokenX", d("-500")},
		Delta{"TokenY", d("20")},
		Delta{domain.NativeSOLMint, d("-0.00204")},
	))

	require.Equal(t, KindSwap, res.Kind)
	require.NotNil(t, res.Pair)

	assert.Equal(t, domain.ActionSell, res.Pair.Sell.Action)
	assert.Equal(t, "TokenX", res.Pair.Sell.Token)
	assert.InDelta(t, 500, res.Pair.Sell.TokenAmount, 1e-9)
	assert.InDelta(t, 1.0, res.Pair.Sell.NativeAmount, 1e-9)
	assert.Equal(t, 0, res.Pair.Sell.LegIndex)

	assert.Equal(t, domain.ActionBuy, res.Pair.Buy.Action)
	assert.Equal(t, "TokenY", res.Pair.Buy.Token)
	assert.InDelta(t, 20, res.Pair.Buy.TokenAmount, 1e-9)
	assert.InDelta(t, 1.0, res.Pair.Buy.NativeAmount, 1e-9)
	assert.Equal(t, 1, res.Pair.Buy.LegIndex)
}

func TestClassify_SwapWithoutPriceIsValuedAtZero(t *testing.T) {
	c := New(nil, Options{})

	res := c.Classify(context.Background(), solInput(
		Delta{"TokenX", d("-500")},
		Delta{"TokenY", d("20")},
	))

	require.Equal(t, KindSwap, res.Kind)
	assert.Zero(t, res.Pair.Sell.NativeAmount)
	assert.Zero(t, res.Pair.Buy.NativeAmount)
}

func TestClassify_UnpricedStablecoinKeepsDirection(t *testing.T) {
	c := New(nil, Options{})

	res := c.Classify(context.Background(), solInput(
		Delta{"TokenX", d("-10")},
		Delta{domain.USDCSolana, d("25")},
	))

	require.Equal(t, KindSell, res.Kind)
	assert.Zero(t, res.Trade.NativeAmount)
	assert.InDelta(t, 10, res.Trade.TokenAmount, 1e-9)
}

func TestClassify_EVMAddressesAreCaseInsensitive(t *testing.T) {
	c := New(nil, Options{})
	token := "0xAbCdEf0000000000000000000000000000000001"

	res := c.Classify(context.Background(), Input{
		Chain:  domain.ChainBSC,
		Wallet: "0xWALLET",
		TxID:   "0xhash",
		Deltas: []Delta{
			{Asset: "0xBB4CDB9CBD36B01BD1CBAEBF2DE08D9173BC095C", Amount: d("-0.1")},
			{Asset: token, Amount: d("100")},
		},
	})

	require.Equal(t, KindBuy, res.Kind)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", res.Trade.Token)
	assert.Equal(t, "0xwallet", res.Trade.Wallet)
	assert.InDelta(t, 0.1, res.Trade.NativeAmount, 1e-12)
}

func TestClassify_DustThresholdOption(t *testing.T) {
	zero := decimal.Zero
	c := New(nil, Options{SolanaDust: &zero})

	// With no dust allowance the rent payment counts as base movement.
	res := c.Classify(context.Background(), solInput(
		Delta{"TokenY", d("20")},
		Delta{domain.NativeSOLMint, d("-0.002")},
	))
	require.Equal(t, KindBuy, res.Kind)
	assert.InDelta(t, 0.002, res.Trade.NativeAmount, 1e-12)
}
