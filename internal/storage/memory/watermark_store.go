package memory

import (
	"context"
	"sync"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

// WatermarkStore is an in-memory implementation of storage.WatermarkStore.
type WatermarkStore struct {
	mu   sync.RWMutex
	data map[domain.Chain]domain.Watermark
}

// NewWatermarkStore creates a new in-memory watermark store.
func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{data: make(map[domain.Chain]domain.Watermark)}
}

// Get returns the chain's watermark. Returns ErrNotFound if none saved yet.
func (s *WatermarkStore) Get(_ context.Context, chain domain.Chain) (*domain.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.data[chain]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &w, nil
}

// Set saves the chain's watermark.
func (s *WatermarkStore) Set(_ context.Context, w *domain.Watermark) error {
	if w == nil || w.Chain == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[w.Chain] = *w
	return nil
}

var _ storage.WatermarkStore = (*WatermarkStore)(nil)
