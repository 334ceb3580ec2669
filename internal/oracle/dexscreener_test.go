package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
)

const tokenXResponse = `{
  "schemaVersion": "1.0.0",
  "pairs": [
    {
      "chainId": "solana",
      "pairAddress": "PairUSDC",
      "baseToken": {"address": "TokenX", "symbol": "X"},
      "quoteToken": {"address": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "symbol": "USDC"},
      "priceNative": "0.3",
      "priceUsd": "0.30",
      "liquidity": {"usd": 900000},
      "volume": {"h24": 1000}
    },
    {
      "chainId": "solana",
      "pairAddress": "PairSOL",
      "baseToken": {"address": "TokenX", "symbol": "X"},
      "quoteToken": {"address": "So11111111111111111111111111111111111111112", "symbol": "SOL"},
      "priceNative": "0.002",
      "priceUsd": "0.30",
      "liquidity": {"usd": 50000},
      "volume": {"h24": 250000},
      "marketCap": 3000000
    },
    {
      "chainId": "bsc",
      "pairAddress": "OtherChain",
      "baseToken": {"address": "TokenX", "symbol": "X"},
      "quoteToken": {"address": "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c", "symbol": "WBNB"},
      "priceNative": "9",
      "priceUsd": "9",
      "liquidity": {"usd": 99999999}
    }
  ]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Options{BaseURL: server.URL, Timeout: time.Second})
}

func TestQuote_PrefersNativeQuotedPair(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/TokenX", r.URL.Path)
		w.Write([]byte(tokenXResponse))
	})

	q := c.Quote(context.Background(), domain.ChainSolana, "TokenX")
	require.NotNil(t, q)
	assert.Equal(t, "PairSOL", q.PairAddress)
	assert.InDelta(t, 0.002, q.PriceNative, 1e-12)
	assert.InDelta(t, 0.30, q.PriceUSD, 1e-12)
	require.NotNil(t, q.LiquidityUSD)
	assert.Equal(t, 50000.0, *q.LiquidityUSD)
	require.NotNil(t, q.Volume24hUSD)
	assert.Equal(t, 250000.0, *q.Volume24hUSD)
	require.NotNil(t, q.MarketCapUSD)
	assert.Equal(t, 3000000.0, *q.MarketCapUSD)

	price, ok := c.PriceNative(context.Background(), domain.ChainSolana, "TokenX")
	assert.True(t, ok)
	assert.InDelta(t, 0.002, price, 1e-12)
}

func TestQuote_InvertsNativeBasePair(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":[{
			"chainId":"solana","pairAddress":"SOLUSDC",
			"baseToken":{"address":"So11111111111111111111111111111111111111112"},
			"quoteToken":{"address":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"},
			"priceNative":"200","priceUsd":"200","liquidity":{"usd":1000000}}]}`))
	})

	price, ok := c.PriceNative(context.Background(), domain.ChainSolana, domain.USDCSolana)
	require.True(t, ok)
	assert.InDelta(t, 0.005, price, 1e-12)
}

func TestQuote_FailuresReturnNil(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"pairs":`)) }},
		{"no pairs", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"pairs":null}`)) }},
		{"wrong chain only", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"pairs":[{"chainId":"ethereum","baseToken":{"address":"TokenX"},"quoteToken":{"address":"Q"}}]}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			assert.Nil(t, c.Quote(context.Background(), domain.ChainSolana, "TokenX"))
			_, ok := c.PriceNative(context.Background(), domain.ChainSolana, "TokenX")
			assert.False(t, ok)
		})
	}
}

func TestQuote_Caches(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(tokenXResponse))
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	require.NotNil(t, c.Quote(ctx, domain.ChainSolana, "TokenX"))
	require.NotNil(t, c.Quote(ctx, domain.ChainSolana, "TokenX"))
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(DefaultCacheTTL + time.Second)
	require.NotNil(t, c.Quote(ctx, domain.ChainSolana, "TokenX"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEnrich_KeepsExistingFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(tokenXResponse))
	})

	liq := 123.0
	trade := &domain.DetectedTrade{Chain: domain.ChainSolana, Token: "TokenX", LiquidityUSD: &liq}
	c.Enrich(context.Background(), trade)

	assert.Equal(t, 123.0, *trade.LiquidityUSD)
	require.NotNil(t, trade.MarketCapUSD)
	assert.Equal(t, 3000000.0, *trade.MarketCapUSD)
	require.NotNil(t, trade.Volume24hUSD)
	assert.Equal(t, 250000.0, *trade.Volume24hUSD)
}
