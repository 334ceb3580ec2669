package memory

import (
	"context"
	"sort"
	"sync"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

type profileKey struct {
	agentID string
	chain   domain.Chain
}

// ConfigStore is an in-memory implementation of storage.ConfigStore.
// The Add/Set methods are used by tests and by the seed loader.
type ConfigStore struct {
	mu       sync.RWMutex
	wallets  []*domain.TrackedWallet
	triggers map[string]*domain.BuyTrigger // keyed by trigger id
	profiles map[profileKey]*domain.ExecutionProfile
}

// NewConfigStore creates a new in-memory config store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		triggers: make(map[string]*domain.BuyTrigger),
		profiles: make(map[profileKey]*domain.ExecutionProfile),
	}
}

// AddWallet starts tracking a wallet for an agent. An empty Role means
// WalletFollowed. Re-adding replaces the role.
func (s *ConfigStore) AddWallet(w *domain.TrackedWallet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role := w.Role
	if role == "" {
		role = domain.WalletFollowed
	}
	addr := w.Chain.NormalizeAddress(w.Address)
	for _, existing := range s.wallets {
		if existing.AgentID == w.AgentID && existing.Chain == w.Chain && existing.Address == addr {
			existing.Role = role
			return
		}
	}
	s.wallets = append(s.wallets, &domain.TrackedWallet{AgentID: w.AgentID, Chain: w.Chain, Address: addr, Role: role})
}

// PutTrigger inserts or replaces a trigger.
func (s *ConfigStore) PutTrigger(t *domain.BuyTrigger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.triggers[t.ID] = &cp
}

// SetProfile inserts or replaces an execution profile.
func (s *ConfigStore) SetProfile(p *domain.ExecutionProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.profiles[profileKey{p.AgentID, p.Chain}] = &cp
}

// TrackedWallets returns all tracked wallets on a chain.
func (s *ConfigStore) TrackedWallets(_ context.Context, chain domain.Chain) ([]*domain.TrackedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TrackedWallet
	for _, w := range s.wallets {
		if w.Chain == chain {
			cp := *w
			result = append(result, &cp)
		}
	}
	return result, nil
}

// AgentsForWallet returns agent IDs tracking address on chain with role, sorted.
func (s *ConfigStore) AgentsForWallet(_ context.Context, chain domain.Chain, address string, role domain.WalletRole) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := chain.NormalizeAddress(address)
	var agents []string
	for _, w := range s.wallets {
		if w.Chain == chain && w.Address == addr && w.Role == role {
			agents = append(agents, w.AgentID)
		}
	}
	sort.Strings(agents)
	return agents, nil
}

// TriggersForAgent returns the enabled triggers of an agent ordered by id.
func (s *ConfigStore) TriggersForAgent(_ context.Context, agentID string) ([]*domain.BuyTrigger, error) {
	return s.filterTriggers(func(t *domain.BuyTrigger) bool { return t.AgentID == agentID }), nil
}

// TriggersByType returns all enabled triggers of a type ordered by id.
func (s *ConfigStore) TriggersByType(_ context.Context, tt domain.TriggerType) ([]*domain.BuyTrigger, error) {
	return s.filterTriggers(func(t *domain.BuyTrigger) bool { return t.Type == tt }), nil
}

func (s *ConfigStore) filterTriggers(match func(*domain.BuyTrigger) bool) []*domain.BuyTrigger {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.BuyTrigger
	for _, t := range s.triggers {
		if t.Enabled && match(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ExecutionProfile returns how an agent executes on chain. Returns ErrNotFound if unset.
func (s *ConfigStore) ExecutionProfile(_ context.Context, agentID string, chain domain.Chain) (*domain.ExecutionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[profileKey{agentID, chain}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

var _ storage.ConfigStore = (*ConfigStore)(nil)
