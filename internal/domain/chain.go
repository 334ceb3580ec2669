package domain

import "strings"

// Chain identifies a supported blockchain.
type Chain string

// Supported chains.
const (
	ChainSolana Chain = "solana"
	ChainBSC    Chain = "bsc"
	ChainBase   Chain = "base"
)

// AllChains lists every chain the core understands.
var AllChains = []Chain{ChainSolana, ChainBSC, ChainBase}

// ParseChain normalizes a chain name. Returns false for unknown chains.
func ParseChain(s string) (Chain, bool) {
	switch Chain(strings.ToLower(strings.TrimSpace(s))) {
	case ChainSolana, "sol":
		return ChainSolana, true
	case ChainBSC, "bnb", "binance":
		return ChainBSC, true
	case ChainBase:
		return ChainBase, true
	}
	return "", false
}

// IsEVM reports whether the chain uses EVM addressing and ERC-20 logs.
func (c Chain) IsEVM() bool {
	return c == ChainBSC || c == ChainBase
}

// NormalizeAddress returns the canonical comparison form of an address.
// EVM addresses are case-insensitive; Solana base58 addresses are not.
func (c Chain) NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if c.IsEVM() {
		return strings.ToLower(addr)
	}
	return addr
}

// Well-known mint/contract addresses.
const (
	NativeSOLMint = "So11111111111111111111111111111111111111111" // pseudo-mint for native SOL legs
	WSOLMint      = "So11111111111111111111111111111111111111112"
	USDCSolana    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTSolana    = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

	WBNB    = "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c"
	USDTBSC = "0x55d398326f99059ff775485246999027b3197955"
	USDCBSC = "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d"
	BUSD    = "0xe9e7cea3dedca5984780bafc599bd69add087d56"

	WETHBase = "0x4200000000000000000000000000000000000006"
	USDCBase = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
)

var baseCurrencies = map[Chain]map[string]struct{}{
	ChainSolana: {NativeSOLMint: {}, WSOLMint: {}, USDCSolana: {}, USDTSolana: {}},
	ChainBSC:    {WBNB: {}, USDTBSC: {}, USDCBSC: {}, BUSD: {}},
	ChainBase:   {WETHBase: {}, USDCBase: {}},
}

// IsBaseCurrency reports whether token is the chain's native token, its
// wrapped form, or a recognized stablecoin.
func (c Chain) IsBaseCurrency(token string) bool {
	set, ok := baseCurrencies[c]
	if !ok {
		return false
	}
	_, ok = set[c.NormalizeAddress(token)]
	return ok
}

// IsNative reports whether token is the native asset or its wrapped form
// (as opposed to a stablecoin).
func (c Chain) IsNative(token string) bool {
	switch c.NormalizeAddress(token) {
	case NativeSOLMint, WSOLMint, WBNB, WETHBase:
		return true
	}
	return false
}

// NativeSymbol returns the ticker of the chain's native asset.
func (c Chain) NativeSymbol() string {
	switch c {
	case ChainSolana:
		return "SOL"
	case ChainBSC:
		return "BNB"
	case ChainBase:
		return "ETH"
	}
	return ""
}
