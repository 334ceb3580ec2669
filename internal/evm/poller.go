package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeflow/internal/classifier"
	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
)

// Poller defaults.
const (
	DefaultInterval       = 6 * time.Second
	DefaultWindow         = 3
	DefaultMaxRange       = 500
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
)

// ErrPollInProgress is returned by Poll while another poll of the same
// chain is running.
var ErrPollInProgress = errors.New("poll already in progress")

// Handler receives the classifier input of one transaction for one
// tracked wallet.
type Handler func(ctx context.Context, in classifier.Input) error

// Config configures a Poller.
type Config struct {
	Chain          domain.Chain
	Interval       time.Duration
	Window         uint64 // blocks scanned on first start
	MaxRange       uint64 // upper bound of blocks per poll
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.MaxRange == 0 {
		c.MaxRange = DefaultMaxRange
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Poller scans new blocks of one chain for transfers touching tracked wallets.
type Poller struct {
	cfg        Config
	client     Client
	wallets    storage.ConfigStore
	watermarks storage.WatermarkStore
	handle     Handler
	decimals   *decimalsCache
	logger     *zap.Logger
	running    atomic.Bool
}

// NewPoller creates a Poller.
func NewPoller(cfg Config, client Client, wallets storage.ConfigStore, watermarks storage.WatermarkStore, handle Handler, logger *zap.Logger) *Poller {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("evm").With(zap.String("chain", string(cfg.Chain)))
	return &Poller{
		cfg:        cfg,
		client:     client,
		wallets:    wallets,
		watermarks: watermarks,
		handle:     handle,
		decimals:   newDecimalsCache(client, logger),
		logger:     logger,
	}
}

// Run polls until ctx is cancelled. A failed poll is retried with
// exponential backoff; the watermark only moves on success.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		zap.Duration("interval", p.cfg.Interval), zap.Uint64("window", p.cfg.Window))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.InitialBackoff
	policy.MaxInterval = p.cfg.MaxBackoff

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-time.After(wait):
		}

		err := p.Poll(ctx)
		switch {
		case err == nil:
			policy.Reset()
			wait = p.cfg.Interval
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			wait = policy.NextBackOff()
			observability.RecordWatcherError(string(p.cfg.Chain))
			p.logger.Warn("poll failed", zap.Error(err), zap.Duration("retry_in", wait))
		}
	}
}

// Poll scans the next block range once.
func (p *Poller) Poll(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPollInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	defer func() {
		observability.RecordPoll(string(p.cfg.Chain), time.Since(start).Seconds())
	}()

	tracked, err := p.wallets.TrackedWallets(ctx, p.cfg.Chain)
	if err != nil {
		return fmt.Errorf("load tracked wallets: %w", err)
	}
	if len(tracked) == 0 {
		return nil
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}

	from, to, ok, err := p.nextRange(ctx, head)
	if err != nil || !ok {
		return err
	}

	wallets := make(map[common.Address]struct{}, len(tracked))
	topics := make([]common.Hash, 0, len(tracked))
	for _, w := range tracked {
		addr := common.HexToAddress(w.Address)
		if _, dup := wallets[addr]; dup {
			continue
		}
		wallets[addr] = struct{}{}
		topics = append(topics, addressTopic(addr))
	}

	logs, err := p.transferLogs(ctx, from, to, topics)
	if err != nil {
		return err
	}

	for _, group := range groupByTx(logs) {
		if err := p.processTx(ctx, group, wallets); err != nil {
			return err
		}
	}

	if err := p.watermarks.Set(ctx, &domain.Watermark{Chain: p.cfg.Chain, LastBlock: to, UpdatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	observability.SetWatermark(string(p.cfg.Chain), to)
	p.logger.Debug("poll complete",
		zap.Uint64("from", from), zap.Uint64("to", to), zap.Int("logs", len(logs)))
	return nil
}

// nextRange returns the inclusive block range to scan. ok is false when
// there is nothing new.
func (p *Poller) nextRange(ctx context.Context, head uint64) (uint64, uint64, bool, error) {
	var from uint64
	wm, err := p.watermarks.Get(ctx, p.cfg.Chain)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if head+1 > p.cfg.Window {
			from = head + 1 - p.cfg.Window
		}
	case err != nil:
		return 0, 0, false, fmt.Errorf("load watermark: %w", err)
	default:
		from = wm.LastBlock + 1
	}
	if from > head {
		return 0, 0, false, nil
	}
	to := head
	if to-from+1 > p.cfg.MaxRange {
		to = from + p.cfg.MaxRange - 1
	}
	return from, to, true, nil
}

// transferLogs returns Transfer logs with a tracked wallet as sender or
// receiver. Nodes do not OR across topic positions, so two queries are made.
func (p *Poller) transferLogs(ctx context.Context, from, to uint64, wallets []common.Hash) ([]types.Log, error) {
	base := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}

	outgoing := base
	outgoing.Topics = [][]common.Hash{{TransferTopic}, wallets}
	sent, err := p.client.FilterLogs(ctx, outgoing)
	if err != nil {
		return nil, fmt.Errorf("filter outgoing transfers: %w", err)
	}

	incoming := base
	incoming.Topics = [][]common.Hash{{TransferTopic}, nil, wallets}
	received, err := p.client.FilterLogs(ctx, incoming)
	if err != nil {
		return nil, fmt.Errorf("filter incoming transfers: %w", err)
	}

	return append(sent, received...), nil
}

type txLogs struct {
	hash  common.Hash
	block uint64
	index uint
	logs  []types.Log
}

// groupByTx dedups logs and groups them per transaction in chain order.
func groupByTx(logs []types.Log) []*txLogs {
	type logKey struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logKey]struct{}, len(logs))
	groups := make(map[common.Hash]*txLogs)

	for _, l := range logs {
		if l.Removed || len(l.Topics) != 3 {
			continue
		}
		k := logKey{l.TxHash, l.Index}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		g, ok := groups[l.TxHash]
		if !ok {
			g = &txLogs{hash: l.TxHash, block: l.BlockNumber, index: l.TxIndex}
			groups[l.TxHash] = g
		}
		g.logs = append(g.logs, l)
	}

	out := make([]*txLogs, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g.logs, func(i, j int) bool { return g.logs[i].Index < g.logs[j].Index })
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].block != out[j].block {
			return out[i].block < out[j].block
		}
		return out[i].index < out[j].index
	})
	return out
}

func (p *Poller) processTx(ctx context.Context, g *txLogs, wallets map[common.Address]struct{}) error {
	involved := make(map[common.Address]struct{})
	transfers := make([]classifier.Transfer, 0, len(g.logs))
	for _, l := range g.logs {
		from, to := topicAddress(l.Topics[1]), topicAddress(l.Topics[2])
		if _, ok := wallets[from]; ok {
			involved[from] = struct{}{}
		}
		if _, ok := wallets[to]; ok {
			involved[to] = struct{}{}
		}
		amount := classifier.ScaleBig(new(big.Int).SetBytes(l.Data), p.decimals.get(ctx, l.Address))
		transfers = append(transfers, classifier.Transfer{
			Token:  l.Address.Hex(),
			From:   from.Hex(),
			To:     to.Hex(),
			Amount: amount,
		})
	}
	if len(involved) == 0 {
		return nil
	}

	tx, _, err := p.client.TransactionByHash(ctx, g.hash)
	if err != nil {
		return fmt.Errorf("get tx %s: %w", g.hash.Hex(), err)
	}
	receipt, err := p.client.TransactionReceipt(ctx, g.hash)
	if err != nil {
		return fmt.Errorf("get receipt %s: %w", g.hash.Hex(), err)
	}
	header, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(g.block))
	if err != nil {
		return fmt.Errorf("get header %d: %w", g.block, err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		p.logger.Warn("cannot recover sender", zap.String("tx", g.hash.Hex()), zap.Error(err))
	}
	unwrapped := p.unwrapped(receipt)

	for wallet := range involved {
		evmTx := &classifier.EVMTx{
			Chain:     p.cfg.Chain,
			Hash:      g.hash.Hex(),
			Timestamp: time.Unix(int64(header.Time), 0).UTC(),
			Transfers: transfers,
			Failed:    receipt.Status != types.ReceiptStatusSuccessful,
		}
		// Native legs are only attributable to the wallet that sent the tx.
		if wallet == sender {
			evmTx.NativeOut = classifier.ScaleBig(tx.Value(), DefaultDecimals)
			evmTx.NativeIn = unwrapped
		}
		if err := p.handle(ctx, classifier.FromEVM(evmTx, wallet.Hex())); err != nil {
			return fmt.Errorf("handle tx %s: %w", g.hash.Hex(), err)
		}
	}
	return nil
}

// unwrapped sums Withdrawal amounts emitted by the chain's wrapped native
// token: native currency a router unwrapped and forwarded to the sender.
func (p *Poller) unwrapped(receipt *types.Receipt) decimal.Decimal {
	wrapped := common.HexToAddress(wrappedNative(p.cfg.Chain))
	total := decimal.Zero
	for _, l := range receipt.Logs {
		if l.Address != wrapped || len(l.Topics) == 0 || l.Topics[0] != WithdrawalTopic {
			continue
		}
		total = total.Add(classifier.ScaleBig(new(big.Int).SetBytes(l.Data), DefaultDecimals))
	}
	return total
}

func wrappedNative(chain domain.Chain) string {
	switch chain {
	case domain.ChainBSC:
		return domain.WBNB
	case domain.ChainBase:
		return domain.WETHBase
	}
	return ""
}
