package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

type positionKey struct {
	agentID string
	token   string
}

type tradeKey struct {
	agentID string
	chain   domain.Chain
	txID    string
	token   string
	action  domain.Action
}

// ledgerState is the full contents of a LedgerStore. Transactions work on a
// clone and swap it in on success.
type ledgerState struct {
	trades    map[tradeKey]*domain.TradeRecord
	positions map[positionKey]*domain.Position
	lots      map[string]*domain.Lot // keyed by lot id
	stats     map[string]*domain.AgentStats
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		trades:    make(map[tradeKey]*domain.TradeRecord),
		positions: make(map[positionKey]*domain.Position),
		lots:      make(map[string]*domain.Lot),
		stats:     make(map[string]*domain.AgentStats),
	}
}

func (st *ledgerState) clone() *ledgerState {
	c := &ledgerState{
		trades:    make(map[tradeKey]*domain.TradeRecord, len(st.trades)),
		positions: make(map[positionKey]*domain.Position, len(st.positions)),
		lots:      make(map[string]*domain.Lot, len(st.lots)),
		stats:     make(map[string]*domain.AgentStats, len(st.stats)),
	}
	for k, v := range st.trades {
		cp := *v
		c.trades[k] = &cp
	}
	for k, v := range st.positions {
		c.positions[k] = copyPosition(v)
	}
	for k, v := range st.lots {
		c.lots[k] = v.Clone()
	}
	for k, v := range st.stats {
		cp := *v
		c.stats[k] = &cp
	}
	return c
}

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// Transactions are serialized.
type LedgerStore struct {
	mu    sync.RWMutex
	state *ledgerState
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{state: newLedgerState()}
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

// InTx runs fn against a private copy of the state and publishes it if fn succeeds.
func (s *LedgerStore) InTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &ledgerTx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// GetPosition returns a position. Returns ErrNotFound if absent.
func (s *LedgerStore) GetPosition(_ context.Context, agentID, token string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.positions[positionKey{agentID, token}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPosition(p), nil
}

// ListPositions returns all positions of an agent ordered by token.
func (s *LedgerStore) ListPositions(_ context.Context, agentID string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for k, p := range s.state.positions {
		if k.agentID == agentID {
			result = append(result, copyPosition(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Token < result[j].Token
	})
	return result, nil
}

// ListAllPositions returns every position ordered by (agent_id, token).
func (s *LedgerStore) ListAllPositions(_ context.Context) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Position, 0, len(s.state.positions))
	for _, p := range s.state.positions {
		result = append(result, copyPosition(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AgentID != result[j].AgentID {
			return result[i].AgentID < result[j].AgentID
		}
		return result[i].Token < result[j].Token
	})
	return result, nil
}

// CountPositions returns the number of open positions of an agent.
func (s *LedgerStore) CountPositions(_ context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for k := range s.state.positions {
		if k.agentID == agentID {
			n++
		}
	}
	return n, nil
}

// UpdateValuation sets the cached mark-to-market fields of a position.
func (s *LedgerStore) UpdateValuation(_ context.Context, agentID, token string, value, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.positions[positionKey{agentID, token}]
	if !ok {
		return storage.ErrNotFound
	}
	p.CurrentValue = &value
	p.UnrealizedPnL = &pnl
	return nil
}

// ListLots returns all lots of (agent, token) ordered by opened_at ASC, id ASC.
func (s *LedgerStore) ListLots(_ context.Context, agentID, token string) ([]*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.lotsFor(agentID, token, false), nil
}

// GetStats returns the agent's stats. Returns ErrNotFound if never computed.
func (s *LedgerStore) GetStats(_ context.Context, agentID string) (*domain.AgentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.state.stats[agentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// HasTrade reports whether the trade leg was already applied for the agent.
func (s *LedgerStore) HasTrade(_ context.Context, agentID string, chain domain.Chain, txID, token string, action domain.Action) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.state.trades[tradeKey{agentID, chain, txID, token, action}]
	return ok, nil
}

func (st *ledgerState) lotsFor(agentID, token string, openOnly bool) []*domain.Lot {
	var result []*domain.Lot
	for _, l := range st.lots {
		if l.AgentID != agentID || l.Token != token {
			continue
		}
		if openOnly && l.Status != domain.LotOpen {
			continue
		}
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].OpenedAt.Before(result[j].OpenedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ledgerTx mutates a cloned ledgerState. Not safe for concurrent use.
type ledgerTx struct {
	state *ledgerState
}

func (tx *ledgerTx) InsertTrade(_ context.Context, r *domain.TradeRecord) error {
	if r == nil || r.AgentID == "" || r.TxID == "" {
		return storage.ErrInvalidInput
	}
	k := tradeKey{r.AgentID, r.Chain, r.TxID, r.Token, r.Action}
	if _, exists := tx.state.trades[k]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *r
	tx.state.trades[k] = &cp
	return nil
}

func (tx *ledgerTx) GetPosition(_ context.Context, agentID, token string) (*domain.Position, error) {
	p, ok := tx.state.positions[positionKey{agentID, token}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPosition(p), nil
}

func (tx *ledgerTx) SavePosition(_ context.Context, p *domain.Position) error {
	if p == nil || p.AgentID == "" || p.Token == "" {
		return storage.ErrInvalidInput
	}
	tx.state.positions[positionKey{p.AgentID, p.Token}] = copyPosition(p)
	return nil
}

func (tx *ledgerTx) DeletePosition(_ context.Context, agentID, token string) error {
	delete(tx.state.positions, positionKey{agentID, token})
	return nil
}

func (tx *ledgerTx) OpenLots(_ context.Context, agentID, token string) ([]*domain.Lot, error) {
	return tx.state.lotsFor(agentID, token, true), nil
}

func (tx *ledgerTx) InsertLot(_ context.Context, l *domain.Lot) error {
	if l == nil || l.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.state.lots[l.ID]; exists {
		return storage.ErrDuplicateKey
	}
	tx.state.lots[l.ID] = l.Clone()
	return nil
}

func (tx *ledgerTx) UpdateLot(_ context.Context, l *domain.Lot) error {
	if l == nil || l.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.state.lots[l.ID]; !exists {
		return storage.ErrNotFound
	}
	tx.state.lots[l.ID] = l.Clone()
	return nil
}

func (tx *ledgerTx) RecomputeStats(_ context.Context, agentID string, now time.Time) (*domain.AgentStats, error) {
	var lots []*domain.Lot
	for _, l := range tx.state.lots {
		if l.AgentID == agentID {
			lots = append(lots, l)
		}
	}
	st := domain.ComputeAgentStats(agentID, lots, now)
	cp := *st
	tx.state.stats[agentID] = &cp
	return st, nil
}

func copyPosition(p *domain.Position) *domain.Position {
	cp := *p
	if p.CurrentValue != nil {
		v := *p.CurrentValue
		cp.CurrentValue = &v
	}
	if p.UnrealizedPnL != nil {
		v := *p.UnrealizedPnL
		cp.UnrealizedPnL = &v
	}
	return &cp
}
