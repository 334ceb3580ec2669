package trigger

import (
	"context"
	"sync"
	"time"

	"tradeflow/internal/domain"
)

// Consensus defaults.
const (
	// DefaultWalletDedup ignores repeat buys of one wallet inside this period.
	DefaultWalletDedup = 60 * time.Second
	// MaxConsensusRetention bounds how long buyer timestamps are kept.
	MaxConsensusRetention = 24 * time.Hour

	// sweepInterval is how often, in event time, memory trackers drop
	// expired entries of every key.
	sweepInterval = time.Minute
)

// ConsensusTracker records which tracked wallets bought a token recently.
// It is shared by all agents.
type ConsensusTracker interface {
	// Record notes that wallet bought token at at. Repeat buys of the same
	// wallet inside the dedup period are ignored. Returns true when recorded.
	Record(ctx context.Context, chain domain.Chain, token, wallet string, at time.Time) (bool, error)

	// Count returns the number of distinct wallets that bought token in
	// (at-window, at].
	Count(ctx context.Context, chain domain.Chain, token string, at time.Time, window time.Duration) (int, error)
}

// FireGuard ensures a trigger fires at most once per key per period.
type FireGuard interface {
	// TryFire returns true and claims key for ttl when it is free.
	TryFire(ctx context.Context, key string, at time.Time, ttl time.Duration) (bool, error)

	// Release frees a claimed key so the next TryFire succeeds.
	Release(ctx context.Context, key string) error
}

// MemoryConsensus is a process-local ConsensusTracker.
type MemoryConsensus struct {
	dedup time.Duration

	mu     sync.Mutex
	buyers map[string]map[string]time.Time // chain|token -> wallet -> last recorded
	swept  time.Time
}

// NewMemoryConsensus creates a MemoryConsensus. dedup <= 0 uses DefaultWalletDedup.
func NewMemoryConsensus(dedup time.Duration) *MemoryConsensus {
	if dedup <= 0 {
		dedup = DefaultWalletDedup
	}
	return &MemoryConsensus{
		dedup:  dedup,
		buyers: make(map[string]map[string]time.Time),
	}
}

func consensusKey(chain domain.Chain, token string) string {
	return string(chain) + "|" + token
}

// Record implements ConsensusTracker.
func (m *MemoryConsensus) Record(_ context.Context, chain domain.Chain, token, wallet string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if at.Sub(m.swept) >= sweepInterval {
		m.sweep(at)
	}

	key := consensusKey(chain, token)
	wallets, ok := m.buyers[key]
	if !ok {
		wallets = make(map[string]time.Time)
		m.buyers[key] = wallets
	}

	if prev, ok := wallets[wallet]; ok && at.Sub(prev) < m.dedup {
		return false, nil
	}
	wallets[wallet] = at
	return true, nil
}

// sweep drops buyers older than MaxConsensusRetention and empty tokens.
func (m *MemoryConsensus) sweep(at time.Time) {
	for key, wallets := range m.buyers {
		for w, seen := range wallets {
			if at.Sub(seen) > MaxConsensusRetention {
				delete(wallets, w)
			}
		}
		if len(wallets) == 0 {
			delete(m.buyers, key)
		}
	}
	m.swept = at
}

// Len returns the number of tokens with recorded buyers.
func (m *MemoryConsensus) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buyers)
}

// Count implements ConsensusTracker.
func (m *MemoryConsensus) Count(_ context.Context, chain domain.Chain, token string, at time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, seen := range m.buyers[consensusKey(chain, token)] {
		if at.Sub(seen) < window && !seen.After(at) {
			n++
		}
	}
	return n, nil
}

// MemoryFireGuard is a process-local FireGuard.
type MemoryFireGuard struct {
	mu    sync.Mutex
	until map[string]time.Time
	swept time.Time
}

// NewMemoryFireGuard creates a MemoryFireGuard.
func NewMemoryFireGuard() *MemoryFireGuard {
	return &MemoryFireGuard{until: make(map[string]time.Time)}
}

// TryFire implements FireGuard.
func (g *MemoryFireGuard) TryFire(_ context.Context, key string, at time.Time, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if at.Sub(g.swept) >= sweepInterval {
		for k, until := range g.until {
			if !at.Before(until) {
				delete(g.until, k)
			}
		}
		g.swept = at
	}

	if until, ok := g.until[key]; ok && at.Before(until) {
		return false, nil
	}
	g.until[key] = at.Add(ttl)
	return true, nil
}

// Release implements FireGuard.
func (g *MemoryFireGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.until, key)
	return nil
}

// Len returns the number of claimed keys, expired or not.
func (g *MemoryFireGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.until)
}

var (
	_ ConsensusTracker = (*MemoryConsensus)(nil)
	_ FireGuard        = (*MemoryFireGuard)(nil)
)
