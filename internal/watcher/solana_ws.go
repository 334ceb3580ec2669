package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"tradeflow/internal/classifier"
	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
	"tradeflow/internal/solana"
	"tradeflow/internal/storage"
)

// LogsWatcher defaults.
const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultFetchAttempts   = 4
)

// errNotYetAvailable marks a transaction the node does not serve yet.
var errNotYetAvailable = errors.New("transaction not yet available")

// LogsConfig configures a LogsWatcher.
type LogsConfig struct {
	// RefreshInterval is how often new tracked wallets are subscribed.
	RefreshInterval time.Duration
	// FetchAttempts bounds getTransaction retries per notification.
	FetchAttempts uint
	// FetchDelay is the initial retry delay.
	FetchDelay time.Duration
}

// LogsWatcher follows tracked Solana wallets through logsSubscribe and
// fetches every mentioned transaction for classification.
type LogsWatcher struct {
	cfg       LogsConfig
	ws        solana.WSClient
	rpc       solana.RPCClient
	wallets   storage.ConfigStore
	processor Processor
	logger    *zap.Logger

	mu         sync.Mutex
	subscribed map[string]struct{}
}

type walletNotification struct {
	wallet string
	notif  solana.LogNotification
}

// NewLogsWatcher creates a LogsWatcher.
func NewLogsWatcher(cfg LogsConfig, ws solana.WSClient, rpc solana.RPCClient, wallets storage.ConfigStore, processor Processor, logger *zap.Logger) *LogsWatcher {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.FetchAttempts == 0 {
		cfg.FetchAttempts = DefaultFetchAttempts
	}
	if cfg.FetchDelay <= 0 {
		cfg.FetchDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogsWatcher{
		cfg:        cfg,
		ws:         ws,
		rpc:        rpc,
		wallets:    wallets,
		processor:  processor,
		logger:     logger.Named("solana-ws"),
		subscribed: make(map[string]struct{}),
	}
}

// Run subscribes to every tracked wallet and processes notifications until
// ctx is cancelled. Failed subscriptions are retried every RefreshInterval.
func (w *LogsWatcher) Run(ctx context.Context) error {
	merged := make(chan walletNotification, 1024)
	w.refresh(ctx, merged)

	refresh := time.NewTicker(w.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			w.refresh(ctx, merged)
		case n := <-merged:
			w.handle(ctx, n)
		}
	}
}

func (w *LogsWatcher) refresh(ctx context.Context, merged chan<- walletNotification) {
	if err := w.subscribeNew(ctx, merged); err != nil && ctx.Err() == nil {
		observability.RecordWatcherError(string(domain.ChainSolana))
		w.logger.Warn("refresh subscriptions", zap.Error(err))
	}
}

// subscribeNew subscribes wallets not yet subscribed. Nodes accept a single
// mention per subscription.
func (w *LogsWatcher) subscribeNew(ctx context.Context, merged chan<- walletNotification) error {
	tracked, err := w.wallets.TrackedWallets(ctx, domain.ChainSolana)
	if err != nil {
		return fmt.Errorf("load tracked wallets: %w", err)
	}

	for _, tw := range tracked {
		w.mu.Lock()
		_, done := w.subscribed[tw.Address]
		w.mu.Unlock()
		if done {
			continue
		}

		ch, err := w.ws.SubscribeLogs(ctx, solana.LogsFilter{Mentions: []string{tw.Address}})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", tw.Address, err)
		}
		w.mu.Lock()
		w.subscribed[tw.Address] = struct{}{}
		w.mu.Unlock()
		w.logger.Info("subscribed", zap.String("wallet", tw.Address))

		go func(wallet string, ch <-chan solana.LogNotification) {
			for n := range ch {
				select {
				case merged <- walletNotification{wallet: wallet, notif: n}:
				case <-ctx.Done():
					return
				}
			}
		}(tw.Address, ch)
	}
	return nil
}

func (w *LogsWatcher) handle(ctx context.Context, n walletNotification) {
	if n.notif.Err != nil {
		return
	}

	tx, err := w.fetch(ctx, n.notif.Signature)
	if err != nil {
		observability.RecordWatcherError(string(domain.ChainSolana))
		w.logger.Warn("fetch transaction",
			zap.String("signature", n.notif.Signature), zap.Error(err))
		return
	}

	in, err := classifier.FromParsed(tx, n.wallet, domain.SourceWSLogs)
	if err != nil {
		w.logger.Warn("bad transaction", zap.String("signature", n.notif.Signature), zap.Error(err))
		return
	}
	if _, err := w.processor.Process(ctx, in); err != nil {
		w.logger.Error("process transaction",
			zap.String("signature", n.notif.Signature), zap.String("wallet", n.wallet), zap.Error(err))
	}
}

// fetch retries getTransaction while the node has not indexed the
// transaction yet.
func (w *LogsWatcher) fetch(ctx context.Context, signature string) (*solana.Transaction, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.FetchDelay

	return backoff.Retry(ctx, func() (*solana.Transaction, error) {
		tx, err := w.rpc.GetTransaction(ctx, signature)
		if err != nil {
			// The RPC client already retried transport failures.
			return nil, backoff.Permanent(err)
		}
		if tx == nil {
			return nil, errNotYetAvailable
		}
		return tx, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(w.cfg.FetchAttempts),
		backoff.WithMaxElapsedTime(0),
	)
}
