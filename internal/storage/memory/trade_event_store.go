package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

type eventKey struct {
	chain  domain.Chain
	txID   string
	token  string
	action domain.Action
}

// TradeEventStore is an in-memory implementation of storage.TradeEventStore.
type TradeEventStore struct {
	mu     sync.RWMutex
	seen   map[eventKey]struct{}
	events []domain.DetectedTrade
}

// NewTradeEventStore creates a new in-memory trade event store.
func NewTradeEventStore() *TradeEventStore {
	return &TradeEventStore{seen: make(map[eventKey]struct{})}
}

// InsertBulk appends events, skipping already seen (chain, tx, token, action).
func (s *TradeEventStore) InsertBulk(_ context.Context, trades []*domain.DetectedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		if t == nil {
			return storage.ErrInvalidInput
		}
		k := eventKey{t.Chain, t.TxID, t.Token, t.Action}
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.events = append(s.events, *t)
	}
	return nil
}

// ActivitySince aggregates events per (chain, token) with timestamp >= since,
// ordered by chain then token.
func (s *TradeEventStore) ActivitySince(_ context.Context, since time.Time) ([]*storage.TokenActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type aggKey struct {
		chain domain.Chain
		token string
	}
	aggs := make(map[aggKey]*storage.TokenActivity)
	buyers := make(map[aggKey]map[string]struct{})

	for i := range s.events {
		e := &s.events[i]
		if e.Timestamp.Before(since) {
			continue
		}
		k := aggKey{e.Chain, e.Token}
		a, ok := aggs[k]
		if !ok {
			a = &storage.TokenActivity{Chain: e.Chain, Token: e.Token}
			aggs[k] = a
			buyers[k] = make(map[string]struct{})
		}
		switch e.Action {
		case domain.ActionBuy:
			a.Buys++
			a.BuyVolume += e.NativeAmount
			buyers[k][e.Wallet] = struct{}{}
		case domain.ActionSell:
			a.Sells++
			a.SellVolume += e.NativeAmount
		}
		if e.Timestamp.After(a.LastTradeAt) {
			a.LastTradeAt = e.Timestamp
		}
	}

	result := make([]*storage.TokenActivity, 0, len(aggs))
	for k, a := range aggs {
		a.DistinctBuyers = len(buyers[k])
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Chain != result[j].Chain {
			return result[i].Chain < result[j].Chain
		}
		return result[i].Token < result[j].Token
	})
	return result, nil
}

var _ storage.TradeEventStore = (*TradeEventStore)(nil)
