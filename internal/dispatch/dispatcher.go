// Package dispatch drains queued auto-buy requests and executes them, or
// downgrades them to recommendations when execution is unavailable or fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/events"
	"tradeflow/internal/ledger"
	"tradeflow/internal/observability"
	"tradeflow/internal/storage"
)

// Dispatcher defaults.
const (
	DefaultInterval    = 5 * time.Second
	DefaultExecTimeout = 20 * time.Second
)

// ErrNoCapability is returned when an agent cannot execute on a chain.
var ErrNoCapability = errors.New("no execution capability")

// Dispatch outcomes.
const (
	OutcomeExecuted    = "executed"
	OutcomeRecommended = "recommended"
)

// Executor performs a buy.
type Executor interface {
	Execute(ctx context.Context, order domain.ExecutionOrder) (*domain.ExecutionResult, error)
}

// Source yields pending requests.
type Source interface {
	Drain() []*domain.AutoBuyRequest
}

// ProfileStore resolves execution profiles.
type ProfileStore interface {
	ExecutionProfile(ctx context.Context, agentID string, chain domain.Chain) (*domain.ExecutionProfile, error)
}

// Ledger applies self-executed buys.
type Ledger interface {
	Apply(ctx context.Context, agentID string, t *domain.DetectedTrade) (*ledger.Result, error)
}

// Publisher receives executions and recommendations.
type Publisher interface {
	Publish(e events.Event) bool
}

// Config configures a Dispatcher.
type Config struct {
	Interval    time.Duration
	ExecTimeout time.Duration
}

// Deps are the collaborators of a Dispatcher. Local maps a chain to its
// local key executor; Custodial may be nil.
type Deps struct {
	Queue     Source
	Profiles  ProfileStore
	Local     map[domain.Chain]Executor
	Custodial Executor
	Ledger    Ledger
	Events    Publisher
	// LookupKey resolves a profile KeyRef. Defaults to os.LookupEnv.
	LookupKey func(ref string) (string, bool)
	Logger    *zap.Logger
	Now       func() time.Time
}

// Dispatcher is the single consumer of the auto-buy queue.
type Dispatcher struct {
	cfg       Config
	queue     Source
	profiles  ProfileStore
	local     map[domain.Chain]Executor
	custodial Executor
	ledger    Ledger
	events    Publisher
	lookupKey func(string) (string, bool)
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config, d Deps) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if d.LookupKey == nil {
		d.LookupKey = os.LookupEnv
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Dispatcher{
		cfg:       cfg,
		queue:     d.Queue,
		profiles:  d.Profiles,
		local:     d.Local,
		custodial: d.Custodial,
		ledger:    d.Ledger,
		events:    d.Events,
		lookupKey: d.LookupKey,
		logger:    d.Logger.Named("dispatch"),
		now:       d.Now,
	}
}

// Run drains the queue every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue.Drain()); n > 0 {
				d.logger.Warn("dropping pending requests on shutdown", zap.Int("count", n))
			}
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick dispatches every pending request in FIFO order and returns how many
// were executed.
func (d *Dispatcher) Tick(ctx context.Context) int {
	executed := 0
	for _, req := range d.queue.Drain() {
		if d.Dispatch(ctx, req) == nil {
			executed++
		}
	}
	return executed
}

// Dispatch executes req or emits a recommendation. The returned error is
// the reason req was not executed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *domain.AutoBuyRequest) error {
	order, exec, err := d.resolve(ctx, req)
	if err != nil {
		d.recommend(req, err)
		return err
	}

	execCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
	start := time.Now()
	res, err := exec.Execute(execCtx, order)
	cancel()
	observability.RecordExecutorLatency(string(req.Chain), string(order.Profile.Kind), time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("execute: %w", err)
		d.recommend(req, err)
		return err
	}

	d.settle(ctx, req, order.Profile, res)
	return nil
}

func (d *Dispatcher) resolve(ctx context.Context, req *domain.AutoBuyRequest) (domain.ExecutionOrder, Executor, error) {
	order := domain.ExecutionOrder{Request: req}

	profile, err := d.profiles.ExecutionProfile(ctx, req.AgentID, req.Chain)
	if errors.Is(err, storage.ErrNotFound) {
		return order, nil, fmt.Errorf("%w: no execution profile", ErrNoCapability)
	}
	if err != nil {
		return order, nil, fmt.Errorf("load execution profile: %w", err)
	}
	order.Profile = profile

	switch profile.Kind {
	case domain.ExecLocalKey:
		exec, ok := d.local[req.Chain]
		if !ok || exec == nil {
			return order, nil, fmt.Errorf("%w: no local executor for %s", ErrNoCapability, req.Chain)
		}
		key, ok := d.lookupKey(profile.KeyRef)
		if profile.KeyRef == "" || !ok || strings.TrimSpace(key) == "" {
			return order, nil, fmt.Errorf("%w: signing key %q not set", ErrNoCapability, profile.KeyRef)
		}
		order.Key = strings.TrimSpace(key)
		return order, exec, nil
	case domain.ExecCustodial:
		if d.custodial == nil {
			return order, nil, fmt.Errorf("%w: custodial wallets not configured", ErrNoCapability)
		}
		if profile.WalletID == "" {
			return order, nil, fmt.Errorf("%w: custodial wallet id not set", ErrNoCapability)
		}
		return order, d.custodial, nil
	default:
		return order, nil, fmt.Errorf("%w: execution kind %q", ErrNoCapability, profile.Kind)
	}
}

// settle reconciles an executed buy like an observed one.
func (d *Dispatcher) settle(ctx context.Context, req *domain.AutoBuyRequest, profile *domain.ExecutionProfile, res *domain.ExecutionResult) {
	observability.RecordDispatch(string(req.Chain), OutcomeExecuted)

	at := res.ExecutedAt
	if at.IsZero() {
		at = d.now()
	}
	native := res.NativeSpent
	if native <= 0 {
		native = req.AmountNative
	}
	trade := &domain.DetectedTrade{
		Chain:        req.Chain,
		Wallet:       req.Chain.NormalizeAddress(res.Wallet),
		Token:        req.Token,
		Action:       domain.ActionBuy,
		NativeAmount: native,
		TokenAmount:  res.TokenAmount,
		TxID:         res.TxID,
		Timestamp:    at.UTC(),
		Source:       domain.SourceSelf,
	}

	d.logger.Info("auto-buy executed",
		zap.String("request_id", req.ID),
		zap.String("agent_id", req.AgentID),
		zap.String("chain", string(req.Chain)),
		zap.String("token", req.Token),
		zap.String("kind", string(profile.Kind)),
		zap.String("tx", res.TxID))

	if d.ledger != nil {
		r, err := d.ledger.Apply(ctx, req.AgentID, trade)
		switch {
		case err != nil:
			// The chain watcher replays the same transaction for owned wallets.
			d.logger.Error("reconcile executed buy",
				zap.String("request_id", req.ID), zap.String("tx", res.TxID), zap.Error(err))
		case r.Outcome == ledger.OutcomeDuplicate:
			d.logger.Debug("executed buy already reconciled",
				zap.String("request_id", req.ID), zap.String("tx", res.TxID))
		case r.Outcome != ledger.OutcomeApplied:
			d.logger.Warn("executed buy not reconciled",
				zap.String("request_id", req.ID),
				zap.String("agent_id", req.AgentID),
				zap.String("tx", res.TxID),
				zap.String("outcome", string(r.Outcome)),
				zap.Float64("token_amount", res.TokenAmount))
		}
	}

	if d.events != nil {
		d.events.Publish(events.Event{Kind: events.KindExecuted, AgentID: req.AgentID, Trade: trade, Request: req})
	}
}

func (d *Dispatcher) recommend(req *domain.AutoBuyRequest, cause error) {
	observability.RecordDispatch(string(req.Chain), OutcomeRecommended)

	level := d.logger.Warn
	if errors.Is(cause, ErrNoCapability) {
		level = d.logger.Info
	}
	level("auto-buy downgraded to recommendation",
		zap.String("request_id", req.ID),
		zap.String("agent_id", req.AgentID),
		zap.String("chain", string(req.Chain)),
		zap.String("token", req.Token),
		zap.Error(cause))

	if d.events == nil {
		return
	}
	rec := &domain.Recommendation{Request: *req, Cause: cause.Error(), CreatedAt: d.now().UTC()}
	d.events.Publish(events.Event{Kind: events.KindRecommendation, AgentID: req.AgentID, Request: req, Recommendation: rec})
}
