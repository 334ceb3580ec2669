package postgres

import (
	"context"
	"fmt"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

// WatermarkStore implements storage.WatermarkStore using PostgreSQL.
type WatermarkStore struct {
	pool *Pool
}

// NewWatermarkStore creates a new WatermarkStore.
func NewWatermarkStore(pool *Pool) *WatermarkStore {
	return &WatermarkStore{pool: pool}
}

// Compile-time interface check.
var _ storage.WatermarkStore = (*WatermarkStore)(nil)

// Get returns the chain's watermark. Returns ErrNotFound if none saved yet.
func (s *WatermarkStore) Get(ctx context.Context, chain domain.Chain) (*domain.Watermark, error) {
	var (
		w    = domain.Watermark{Chain: chain}
		last int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT last_block, updated_at FROM watermarks WHERE chain = $1`, string(chain),
	).Scan(&last, &w.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	w.LastBlock = uint64(last)
	return &w, nil
}

// Set saves the chain's watermark.
func (s *WatermarkStore) Set(ctx context.Context, w *domain.Watermark) error {
	if w == nil || w.Chain == "" {
		return storage.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watermarks (chain, last_block, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (chain) DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = EXCLUDED.updated_at
	`, string(w.Chain), int64(w.LastBlock), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}
