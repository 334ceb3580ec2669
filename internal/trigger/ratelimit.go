package trigger

import (
	"context"
	"sync"
	"time"

	"tradeflow/internal/domain"
)

// RateLimiter enforces the per-agent daily limit and cooldown.
type RateLimiter interface {
	// Check reports the rejection Reserve would return now, without
	// consuming anything.
	Check(ctx context.Context, agentID string, now time.Time) (*Rejection, error)

	// Reserve atomically checks both limits and, when they pass, counts a
	// buy and stamps the last buy time.
	Reserve(ctx context.Context, agentID string, now time.Time) (*Rejection, error)

	// State returns the agent's current counters.
	State(ctx context.Context, agentID string, now time.Time) (domain.RateLimitState, error)
}

// MemoryRateLimiter is a process-local RateLimiter. State is lost on restart.
type MemoryRateLimiter struct {
	limits Limits

	mu    sync.Mutex
	state map[string]domain.RateLimitState
}

// NewMemoryRateLimiter creates a MemoryRateLimiter.
func NewMemoryRateLimiter(limits Limits) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limits: limits,
		state:  make(map[string]domain.RateLimitState),
	}
}

func (m *MemoryRateLimiter) current(agentID string, now time.Time) domain.RateLimitState {
	s := m.state[agentID]
	if s.Day != dayKey(now) {
		s.Day = dayKey(now)
		s.DailyCount = 0
	}
	return s
}

func (m *MemoryRateLimiter) check(s domain.RateLimitState, now time.Time) *Rejection {
	if s.DailyCount >= m.limits.DailyLimit {
		return reject(ReasonDailyLimit, "%d buys today", s.DailyCount)
	}
	if !s.LastBuyAt.IsZero() {
		if since := now.Sub(s.LastBuyAt); since < m.limits.Cooldown {
			return reject(ReasonCooldown, "last buy %s ago", since.Round(time.Second))
		}
	}
	return nil
}

// Check implements RateLimiter.
func (m *MemoryRateLimiter) Check(_ context.Context, agentID string, now time.Time) (*Rejection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(m.current(agentID, now), now), nil
}

// Reserve implements RateLimiter.
func (m *MemoryRateLimiter) Reserve(_ context.Context, agentID string, now time.Time) (*Rejection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current(agentID, now)
	if r := m.check(s, now); r != nil {
		return r, nil
	}
	s.DailyCount++
	s.LastBuyAt = now
	m.state[agentID] = s
	return nil, nil
}

// State implements RateLimiter.
func (m *MemoryRateLimiter) State(_ context.Context, agentID string, now time.Time) (domain.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(agentID, now), nil
}

var _ RateLimiter = (*MemoryRateLimiter)(nil)
