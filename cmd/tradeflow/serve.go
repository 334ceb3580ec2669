package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeflow/internal/classifier"
	"tradeflow/internal/config"
	"tradeflow/internal/dispatch"
	"tradeflow/internal/domain"
	"tradeflow/internal/events"
	"tradeflow/internal/evm"
	"tradeflow/internal/executor"
	"tradeflow/internal/ledger"
	"tradeflow/internal/oracle"
	"tradeflow/internal/reconcile"
	"tradeflow/internal/solana"
	"tradeflow/internal/trending"
	"tradeflow/internal/trigger"
	"tradeflow/internal/watcher"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run watchers, trigger engine, dispatcher and the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address (webhook, health, metrics, status)")
	_ = a.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// service holds every long-running component of serve.
type service struct {
	cfg     *config.Config
	logger  *zap.Logger
	stores  *allStores
	started time.Time

	bus        *events.Bus
	engine     *trigger.Engine
	pipeline   *watcher.Pipeline
	solanaRPC  *solana.HTTPClient
	webhook    *watcher.WebhookHandler
	logs       *watcher.LogsWatcher
	pollers    []*evm.Poller
	trending   *trending.Worker
	dispatcher *dispatch.Dispatcher
	checker    *reconcile.Checker
	revaluer   *ledger.Revaluer

	closers []func()
}

func (a *app) serve(parent context.Context) error {
	cfg, logger := a.cfg, a.logger
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go handleSignals(cancel, done, cfg.HTTP.ShutdownTimeout, logger)

	stores, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	svc, err := newService(ctx, cfg, stores, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	err = svc.run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

// handleSignals cancels on SIGINT/SIGTERM. A second signal, or a shutdown
// slower than timeout, exits immediately.
func handleSignals(cancel context.CancelFunc, done <-chan struct{}, timeout time.Duration, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
	case <-done:
		return
	}

	select {
	case sig := <-sigCh:
		logger.Warn("second signal, forcing exit", zap.String("signal", sig.String()))
		os.Exit(1)
	case <-time.After(timeout):
		logger.Error("graceful shutdown timed out, forcing exit", zap.Duration("timeout", timeout))
		os.Exit(1)
	case <-done:
	}
}

func newService(ctx context.Context, cfg *config.Config, stores *allStores, logger *zap.Logger) (*service, error) {
	s := &service{cfg: cfg, logger: logger, stores: stores, started: time.Now()}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	s.bus = events.NewBus(events.DefaultBufferSize, logger)
	s.bus.Subscribe(events.NewLogObserver(logger))
	if cfg.OpenAI.APIKey != "" {
		commentary, err := events.NewCommentaryObserver(events.CommentaryConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		}, nil, logger)
		if err != nil {
			return nil, err
		}
		s.bus.Subscribe(commentary)
	}

	quotes := oracle.New(oracle.Options{
		BaseURL:  cfg.Oracle.BaseURL,
		Timeout:  cfg.Oracle.Timeout,
		CacheTTL: cfg.Oracle.CacheTTL,
		Logger:   logger,
	})

	deps := trigger.Deps{
		Config:    stores.config,
		Positions: stores.ledger,
		Limits: trigger.Limits{
			DailyLimit:       cfg.Trigger.DailyLimit,
			Cooldown:         cfg.Trigger.Cooldown,
			MaxOpenPositions: cfg.Trigger.MaxOpenPositions,
			MinLiquidityUSD:  cfg.Trigger.MinLiquidityUSD,
			MinMarketCapUSD:  cfg.Trigger.MinMarketCapUSD,
		},
		Logger: logger,
	}
	if cfg.Trigger.RateStore == config.RateStoreRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		deps.Limiter = trigger.NewRedisRateLimiter(rdb, deps.Limits, cfg.Redis.Prefix)
		deps.Consensus = trigger.NewRedisConsensus(rdb, trigger.DefaultWalletDedup, cfg.Redis.Prefix)
		deps.Guard = trigger.NewRedisFireGuard(rdb, cfg.Redis.Prefix)
	}
	s.engine = trigger.NewEngine(deps)

	reconciler := ledger.NewReconciler(stores.ledger, ledger.Options{
		Epsilon: cfg.Ledger.FIFOEpsilon,
		Logger:  logger,
	})

	s.pipeline = watcher.NewPipeline(watcher.PipelineDeps{
		Classifier: classifier.New(quotes, classifier.Options{Logger: logger}),
		Config:     stores.config,
		Enricher:   quotes,
		Ledger:     reconciler,
		Triggers:   s.engine,
		Analytics:  stores.events,
		Events:     s.bus,
		Logger:     logger,
	})
	s.webhook = watcher.NewWebhookHandler(watcher.WebhookConfig{
		Secret:       cfg.Webhook.Secret,
		Production:   cfg.Production(),
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, s.pipeline, stores.config, logger)

	s.solanaRPC = solana.NewHTTPClient(cfg.Solana.RPCURL)
	if cfg.Solana.WSURL != "" {
		ws, err := solana.NewWSClient(ctx, cfg.Solana.WSURL, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("connect solana websocket: %w", err)
		}
		s.closers = append(s.closers, func() { _ = ws.Close() })
		s.logs = watcher.NewLogsWatcher(watcher.LogsConfig{RefreshInterval: cfg.Solana.RefreshInterval},
			ws, s.solanaRPC, stores.config, s.pipeline, logger)
	}

	local := map[domain.Chain]dispatch.Executor{
		domain.ChainSolana: executor.NewJupiterExecutor(executor.JupiterConfig{
			BaseURL:     cfg.Executor.JupiterURL,
			SlippageBps: cfg.Executor.SlippageBps,
		}, s.solanaRPC, logger),
	}
	for _, c := range []struct {
		chain   domain.Chain
		cfg     config.EVMChainConfig
		wrapped string
	}{
		{domain.ChainBSC, cfg.BSC, domain.WBNB},
		{domain.ChainBase, cfg.Base, domain.WETHBase},
	} {
		if c.cfg.RPCURL == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s rpc: %w", c.chain, err)
		}
		s.closers = append(s.closers, client.Close)

		s.pollers = append(s.pollers, evm.NewPoller(evm.Config{
			Chain:    c.chain,
			Interval: c.cfg.PollInterval,
			Window:   c.cfg.Window,
			MaxRange: c.cfg.MaxRange,
		}, client, stores.config, stores.watermarks, s.handleEVM, logger))

		if !c.cfg.ExecutorLocal {
			continue
		}
		exec, err := executor.NewEVMExecutor(executor.EVMConfig{
			Chain:         c.chain,
			ChainID:       big.NewInt(c.cfg.ChainID),
			Router:        common.HexToAddress(c.cfg.Router),
			WrappedNative: common.HexToAddress(c.wrapped),
			SlippageBps:   cfg.Executor.SlippageBps,
			Deadline:      c.cfg.SwapDeadline,
			ReceiptPoll:   c.cfg.ReceiptPoll,
		}, client, logger)
		if err != nil {
			return nil, err
		}
		local[c.chain] = exec
	}

	var custodial dispatch.Executor
	if cfg.Executor.Custodial.URL != "" {
		c, err := executor.NewCustodialExecutor(executor.CustodialConfig{
			BaseURL:    cfg.Executor.Custodial.URL,
			SigningKey: cfg.Executor.Custodial.SigningKey,
			Audience:   cfg.Executor.Custodial.Audience,
			Timeout:    cfg.Executor.Custodial.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		custodial = c
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		Interval:    cfg.Dispatch.Interval,
		ExecTimeout: cfg.Dispatch.ExecTimeout,
	}, dispatch.Deps{
		Queue:     s.engine.Queue(),
		Profiles:  stores.config,
		Local:     local,
		Custodial: custodial,
		Ledger:    reconciler,
		Events:    s.bus,
		Logger:    logger,
	})

	s.trending = trending.NewWorker(trending.Config{
		Interval:  cfg.Trending.Interval,
		Lookback:  cfg.Trending.Lookback,
		TopN:      cfg.Trending.TopN,
		MinBuyers: cfg.Trending.MinBuyers,
	}, stores.events, quotes, s.engine, logger)

	s.checker = reconcile.NewChecker(reconcile.Config{
		Interval:  cfg.Reconcile.Interval,
		Tolerance: cfg.Reconcile.Tolerance,
	}, stores.ledger, logger)
	s.revaluer = ledger.NewRevaluer(stores.ledger, quotes, logger)

	ok = true
	return s, nil
}

func (s *service) handleEVM(ctx context.Context, in classifier.Input) error {
	_, err := s.pipeline.Process(ctx, in)
	return err
}

// run supervises every worker. The first failure cancels the rest.
func (s *service) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.bus.Run(gctx) })
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.trending.Run(gctx) })
	g.Go(func() error { return s.checker.Run(gctx) })
	g.Go(func() error { return s.runRevaluer(gctx) })
	for _, p := range s.pollers {
		g.Go(func() error { return p.Run(gctx) })
	}
	if s.logs != nil {
		g.Go(func() error { return s.logs.Run(gctx) })
	}
	s.serveHTTP(gctx, g)

	s.logger.Info("tradeflow started",
		zap.String("addr", s.cfg.HTTP.Addr),
		zap.String("storage", s.cfg.Storage.Driver),
		zap.String("rate_store", s.cfg.Trigger.RateStore),
		zap.Int("evm_pollers", len(s.pollers)),
		zap.Bool("solana_logs", s.logs != nil))
	return g.Wait()
}

func (s *service) runRevaluer(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Ledger.RevalueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.revaluer.Run(ctx)
			if err != nil {
				s.logger.Warn("revaluation failed", zap.Error(err))
				continue
			}
			s.logger.Debug("positions revalued", zap.Int("updated", n))
		}
	}
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
