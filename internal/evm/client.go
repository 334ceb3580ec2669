// Package evm polls BSC and Base for ERC-20 transfers of tracked wallets.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Event topics.
var (
	// TransferTopic is Transfer(address indexed from, address indexed to, uint256 value).
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// WithdrawalTopic is WETH/WBNB Withdrawal(address indexed src, uint256 wad).
	WithdrawalTopic = crypto.Keccak256Hash([]byte("Withdrawal(address,uint256)"))
)

// DefaultDecimals is assumed when a token does not answer decimals().
const DefaultDecimals = 18

// Client is the subset of ethclient.Client the poller uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var decimalsABI = mustABI(`[{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// decimalsCache remembers ERC-20 decimals per token.
type decimalsCache struct {
	client Client
	logger *zap.Logger

	mu    sync.Mutex
	known map[common.Address]int32
}

func newDecimalsCache(client Client, logger *zap.Logger) *decimalsCache {
	return &decimalsCache{client: client, logger: logger, known: make(map[common.Address]int32)}
}

// get returns token's decimals. Failed lookups fall back to DefaultDecimals
// and are not cached.
func (c *decimalsCache) get(ctx context.Context, token common.Address) int32 {
	c.mu.Lock()
	d, ok := c.known[token]
	c.mu.Unlock()
	if ok {
		return d
	}

	d, err := c.fetch(ctx, token)
	if err != nil {
		c.logger.Warn("decimals lookup failed, assuming 18",
			zap.String("token", token.Hex()), zap.Error(err))
		return DefaultDecimals
	}

	c.mu.Lock()
	c.known[token] = d
	c.mu.Unlock()
	return d
}

func (c *decimalsCache) fetch(ctx context.Context, token common.Address) (int32, error) {
	data, err := decimalsABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	var d uint8
	if err := decimalsABI.UnpackIntoInterface(&d, "decimals", out); err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return int32(d), nil
}

// addressTopic left-pads an address into an indexed topic.
func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// topicAddress extracts an address from an indexed topic.
func topicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}
