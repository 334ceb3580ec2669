// Package events fans core side effects (detected trades, executions,
// recommendations) out to observers without blocking the core.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
)

// Kind is the type of an Event.
type Kind string

// Event kinds.
const (
	KindTradeDetected  Kind = "trade_detected"
	KindExecuted       Kind = "executed"
	KindRecommendation Kind = "recommendation"
)

// Event is one side effect. Trade is set for KindTradeDetected and
// KindExecuted, Request for KindExecuted, Recommendation for
// KindRecommendation.
type Event struct {
	ID             string
	Kind           Kind
	AgentID        string
	At             time.Time
	Trade          *domain.DetectedTrade
	Request        *domain.AutoBuyRequest
	Recommendation *domain.Recommendation
}

// Observer consumes events.
type Observer interface {
	Name() string
	Observe(ctx context.Context, e Event) error
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc struct {
	ObserverName string
	Fn           func(ctx context.Context, e Event) error
}

// Name implements Observer.
func (f ObserverFunc) Name() string { return f.ObserverName }

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, e Event) error { return f.Fn(ctx, e) }

// Bus defaults.
const (
	DefaultBufferSize      = 1024
	DefaultObserverTimeout = 10 * time.Second
)

// Bus is a buffered, asynchronous event fan-out. Publish never blocks;
// events are dropped when the buffer is full.
type Bus struct {
	ch      chan Event
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewBus creates a Bus. bufferSize <= 0 uses DefaultBufferSize.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		ch:      make(chan Event, bufferSize),
		timeout: DefaultObserverTimeout,
		logger:  logger.Named("events"),
	}
}

// Subscribe registers an observer. Observers are called in registration order.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish enqueues e, filling ID and At when empty. Returns false if the
// event was dropped.
func (b *Bus) Publish(e Event) bool {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case b.ch <- e:
		return true
	default:
		observability.RecordEventDropped()
		b.logger.Warn("event buffer full, dropping event",
			zap.String("kind", string(e.Kind)), zap.String("agent", e.AgentID))
		return false
	}
}

// Run delivers events until ctx is cancelled, then drains what is buffered.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		case e := <-b.ch:
			b.deliver(ctx, e)
		}
	}
}

func (b *Bus) drain() {
	// Observers get a fresh context for the final flush.
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	for {
		select {
		case e := <-b.ch:
			b.deliver(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()

	for _, o := range observers {
		octx, cancel := context.WithTimeout(ctx, b.timeout)
		err := o.Observe(octx, e)
		cancel()
		if err != nil {
			b.logger.Warn("observer failed",
				zap.String("observer", o.Name()),
				zap.String("kind", string(e.Kind)),
				zap.String("event", e.ID),
				zap.Error(err))
		}
	}
}
