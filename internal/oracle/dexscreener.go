// Package oracle reads token prices and market snapshots from a
// DexScreener-compatible HTTP API. Every failure degrades to "unknown":
// callers get nil or false, never an error.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tradeflow/internal/domain"
)

// Defaults.
const (
	DefaultBaseURL  = "https://api.dexscreener.com"
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 30 * time.Second
)

// Quote is the market snapshot of one token.
type Quote struct {
	Token        string
	PairAddress  string
	PriceUSD     float64
	PriceNative  float64 // in the chain's native currency; 0 when unknown
	LiquidityUSD *float64
	Volume24hUSD *float64
	MarketCapUSD *float64
	FetchedAt    time.Time
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Client is a caching DexScreener client. Safe for concurrent use.
type Client struct {
	http   *resty.Client
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*Quote
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL < 0 {
		opts.CacheTTL = 0
	} else if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetTimeout(opts.Timeout)
	client.SetHeader("Accept", "application/json")

	return &Client{
		http:   client,
		ttl:    opts.CacheTTL,
		logger: logger.Named("oracle"),
		now:    time.Now,
		cache:  make(map[string]*Quote),
	}
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string     `json:"chainId"`
	PairAddress string     `json:"pairAddress"`
	BaseToken   pairToken  `json:"baseToken"`
	QuoteToken  pairToken  `json:"quoteToken"`
	PriceNative string     `json:"priceNative"`
	PriceUSD    string     `json:"priceUsd"`
	Volume      *volume    `json:"volume"`
	Liquidity   *liquidity `json:"liquidity"`
	MarketCap   *float64   `json:"marketCap"`
	FDV         *float64   `json:"fdv"`
}

type pairToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type volume struct {
	H24 *float64 `json:"h24"`
}

type liquidity struct {
	USD *float64 `json:"usd"`
}

// Quote returns the snapshot of token on chain, or nil when the oracle
// has no usable pair or cannot be reached.
func (c *Client) Quote(ctx context.Context, chain domain.Chain, token string) *Quote {
	token = chain.NormalizeAddress(token)
	key := string(chain) + "|" + token

	c.mu.Lock()
	if q, ok := c.cache[key]; ok && c.now().Sub(q.FetchedAt) < c.ttl {
		c.mu.Unlock()
		return q
	}
	c.mu.Unlock()

	q, err := c.fetch(ctx, chain, token)
	if err != nil {
		c.logger.Debug("quote unavailable",
			zap.String("chain", string(chain)), zap.String("token", token), zap.Error(err))
		return nil
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[key] = q
		c.mu.Unlock()
	}
	return q
}

// PriceNative returns the native-currency price of token.
func (c *Client) PriceNative(ctx context.Context, chain domain.Chain, token string) (float64, bool) {
	q := c.Quote(ctx, chain, token)
	if q == nil || q.PriceNative <= 0 {
		return 0, false
	}
	return q.PriceNative, true
}

// Enrich fills the optional market snapshot of t from the oracle. Fields
// already set are kept.
func (c *Client) Enrich(ctx context.Context, t *domain.DetectedTrade) {
	q := c.Quote(ctx, t.Chain, t.Token)
	if q == nil {
		return
	}
	if t.LiquidityUSD == nil {
		t.LiquidityUSD = q.LiquidityUSD
	}
	if t.MarketCapUSD == nil {
		t.MarketCapUSD = q.MarketCapUSD
	}
	if t.Volume24hUSD == nil {
		t.Volume24hUSD = q.Volume24hUSD
	}
}

func (c *Client) fetch(ctx context.Context, chain domain.Chain, token string) (*Quote, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("address", token).
		Get("/latest/dex/tokens/{address}")
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode(), resp.String())
	}

	var body tokensResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	q := selectQuote(chain, token, body.Pairs)
	if q == nil {
		return nil, fmt.Errorf("no %s pair", chain)
	}
	q.FetchedAt = c.now()
	return q, nil
}

// selectQuote picks the deepest pair of token on chain. Pairs quoted in the
// wrapped native token price the token directly; a pair where the native
// token is the base and token the quote is inverted.
func selectQuote(chain domain.Chain, token string, pairs []pair) *Quote {
	var best *Quote
	bestNative := false
	bestLiq := -1.0

	for _, p := range pairs {
		if p.ChainID != string(chain) {
			continue
		}
		base := chain.NormalizeAddress(p.BaseToken.Address)
		quote := chain.NormalizeAddress(p.QuoteToken.Address)

		var q *Quote
		native := false
		switch {
		case base == token:
			q = &Quote{
				Token:       token,
				PairAddress: p.PairAddress,
				PriceUSD:    parseFloat(p.PriceUSD),
			}
			native = chain.IsNative(quote)
			if native {
				q.PriceNative = parseFloat(p.PriceNative)
			}
		case quote == token && chain.IsNative(base):
			pn := parseFloat(p.PriceNative)
			if pn <= 0 {
				continue
			}
			q = &Quote{Token: token, PairAddress: p.PairAddress, PriceNative: 1 / pn}
			if usd := parseFloat(p.PriceUSD); usd > 0 {
				q.PriceUSD = usd / pn
			}
			native = true
		default:
			continue
		}

		if p.Liquidity != nil {
			q.LiquidityUSD = p.Liquidity.USD
		}
		if p.Volume != nil {
			q.Volume24hUSD = p.Volume.H24
		}
		q.MarketCapUSD = p.MarketCap
		if q.MarketCapUSD == nil {
			q.MarketCapUSD = p.FDV
		}

		liq := 0.0
		if q.LiquidityUSD != nil {
			liq = *q.LiquidityUSD
		}
		// Native-quoted pairs win over deeper pairs in other quotes.
		if best == nil || (native && !bestNative) || (native == bestNative && liq > bestLiq) {
			best, bestNative, bestLiq = q, native, liq
		}
	}
	return best
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
