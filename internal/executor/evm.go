// Package executor implements buy execution: a UniswapV2-style router swap
// on BSC and Base, a Jupiter swap on Solana, and a custodial wallet service.
package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeflow/internal/domain"
)

// EVM defaults.
const (
	DefaultSlippageBps  = 300
	DefaultDeadline     = 2 * time.Minute
	DefaultReceiptPoll  = 2 * time.Second
	defaultGasMarginPct = 120
)

// ErrReverted is returned when a swap transaction is mined with a failure status.
var ErrReverted = errors.New("transaction reverted")

const routerABIJSON = `[
{"name":"getAmountsOut","type":"function","stateMutability":"view",
 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
 "outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable",
 "inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
 "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const erc20ABIJSON = `[{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

var (
	routerABI = mustABI(routerABIJSON)
	erc20ABI  = mustABI(erc20ABIJSON)

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// EVMClient is the subset of ethclient.Client the router executor uses.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EVMConfig configures an EVMExecutor.
type EVMConfig struct {
	Chain         domain.Chain
	ChainID       *big.Int
	Router        common.Address
	WrappedNative common.Address
	SlippageBps   int64
	Deadline      time.Duration
	ReceiptPoll   time.Duration
}

// EVMExecutor buys tokens with the native currency through a router.
type EVMExecutor struct {
	cfg    EVMConfig
	client EVMClient
	logger *zap.Logger
	now    func() time.Time
}

// NewEVMExecutor creates an EVMExecutor.
func NewEVMExecutor(cfg EVMConfig, client EVMClient, logger *zap.Logger) (*EVMExecutor, error) {
	if !cfg.Chain.IsEVM() {
		return nil, fmt.Errorf("chain %q is not an EVM chain", cfg.Chain)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%s: chain id required", cfg.Chain)
	}
	if cfg.Router == (common.Address{}) {
		return nil, fmt.Errorf("%s: router address required", cfg.Chain)
	}
	if cfg.WrappedNative == (common.Address{}) {
		return nil, fmt.Errorf("%s: wrapped native address required", cfg.Chain)
	}
	if cfg.SlippageBps <= 0 || cfg.SlippageBps >= 10_000 {
		cfg.SlippageBps = DefaultSlippageBps
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = DefaultReceiptPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EVMExecutor{
		cfg:    cfg,
		client: client,
		logger: logger.Named("executor").Named(string(cfg.Chain)),
		now:    time.Now,
	}, nil
}

// Execute swaps order.Request.AmountNative of the native currency for the
// token and waits for the receipt.
func (e *EVMExecutor) Execute(ctx context.Context, order domain.ExecutionOrder) (*domain.ExecutionResult, error) {
	req := order.Request
	if req.Chain != e.cfg.Chain {
		return nil, fmt.Errorf("executor for %s got %s request", e.cfg.Chain, req.Chain)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(order.Key, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress(req.Token)

	amountIn := decimal.NewFromFloat(req.AmountNative).Shift(18).BigInt()
	if amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("amount %v too small", req.AmountNative)
	}
	path := []common.Address{e.cfg.WrappedNative, token}

	minOut, err := e.minAmountOut(ctx, amountIn, path)
	if err != nil {
		return nil, err
	}

	deadline := big.NewInt(e.now().Add(e.cfg.Deadline).Unix())
	data, err := routerABI.Pack("swapExactETHForTokens", minOut, path, from, deadline)
	if err != nil {
		return nil, fmt.Errorf("pack swap: %w", err)
	}

	signed, err := e.send(ctx, key, from, amountIn, data)
	if err != nil {
		return nil, err
	}
	e.logger.Info("swap sent",
		zap.String("request_id", req.ID), zap.String("tx", signed.Hash().Hex()), zap.String("token", token.Hex()))

	receipt, err := e.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, fmt.Errorf("wait for receipt %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s: %w", signed.Hash().Hex(), ErrReverted)
	}

	received := receivedAmount(receipt, token, from)
	decimals, err := e.decimals(ctx, token)
	if err != nil {
		return nil, err
	}

	qty, _ := decimal.NewFromBigInt(received, -decimals).Float64()
	spent, _ := decimal.NewFromBigInt(amountIn, -18).Float64()
	return &domain.ExecutionResult{
		TxID:        signed.Hash().Hex(),
		Wallet:      strings.ToLower(from.Hex()),
		TokenAmount: qty,
		NativeSpent: spent,
		ExecutedAt:  e.now().UTC(),
	}, nil
}

// minAmountOut quotes the swap and applies the slippage tolerance.
func (e *EVMExecutor) minAmountOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := routerABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("pack quote: %w", err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.cfg.Router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	var amounts []*big.Int
	if err := routerABI.UnpackIntoInterface(&amounts, "getAmountsOut", out); err != nil {
		return nil, fmt.Errorf("unpack quote: %w", err)
	}
	if len(amounts) != len(path) || amounts[len(amounts)-1].Sign() <= 0 {
		return nil, errors.New("no liquidity for path")
	}

	minOut := new(big.Int).Mul(amounts[len(amounts)-1], big.NewInt(10_000-e.cfg.SlippageBps))
	return minOut.Div(minOut, big.NewInt(10_000)), nil
}

func (e *EVMExecutor) send(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}
	// Estimation also rejects swaps that would revert.
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &e.cfg.Router, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("swap would revert: %w", err)
	}

	tx := types.NewTransaction(nonce, e.cfg.Router, value, gas*defaultGasMarginPct/100, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.cfg.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

func (e *EVMExecutor) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug("receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *EVMExecutor) decimals(ctx context.Context, token common.Address) (int32, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	var d uint8
	if err := erc20ABI.UnpackIntoInterface(&d, "decimals", out); err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return int32(d), nil
}

// receivedAmount sums token Transfer logs into to.
func receivedAmount(receipt *types.Receipt, token, to common.Address) *big.Int {
	total := new(big.Int)
	for _, l := range receipt.Logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != to {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}
