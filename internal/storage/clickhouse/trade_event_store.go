package clickhouse

import (
	"context"
	"fmt"
	"time"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

// TradeEventStore implements storage.TradeEventStore using ClickHouse.
// Replayed legs are collapsed by ReplacingMergeTree and by FINAL at read time.
type TradeEventStore struct {
	conn *Conn
}

// NewTradeEventStore creates a new TradeEventStore.
func NewTradeEventStore(conn *Conn) *TradeEventStore {
	return &TradeEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TradeEventStore = (*TradeEventStore)(nil)

// InsertBulk appends trade events in one batch.
func (s *TradeEventStore) InsertBulk(ctx context.Context, trades []*domain.DetectedTrade) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trade_events (
			chain, tx_id, token, action, wallet, native_amount, token_amount,
			liquidity_usd, market_cap_usd, source, ts
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		if t == nil {
			return storage.ErrInvalidInput
		}
		err = batch.Append(
			string(t.Chain), t.TxID, t.Token, string(t.Action), t.Wallet,
			t.NativeAmount, t.TokenAmount,
			t.LiquidityUSD, t.MarketCapUSD, string(t.Source), t.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ActivitySince aggregates events per (chain, token) with ts >= since.
func (s *TradeEventStore) ActivitySince(ctx context.Context, since time.Time) ([]*storage.TokenActivity, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
			chain,
			token,
			countIf(action = 'BUY')              AS buys,
			countIf(action = 'SELL')             AS sells,
			uniqExactIf(wallet, action = 'BUY')  AS buyers,
			sumIf(native_amount, action = 'BUY')  AS buy_volume,
			sumIf(native_amount, action = 'SELL') AS sell_volume,
			max(ts)                              AS last_ts
		FROM trade_events FINAL
		WHERE ts >= ?
		GROUP BY chain, token
		ORDER BY chain, token
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var result []*storage.TokenActivity
	for rows.Next() {
		var (
			chain, token        string
			buys, sells, buyers uint64
			a                   storage.TokenActivity
		)
		if err := rows.Scan(&chain, &token, &buys, &sells, &buyers, &a.BuyVolume, &a.SellVolume, &a.LastTradeAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Chain = domain.Chain(chain)
		a.Token = token
		a.Buys = int(buys)
		a.Sells = int(sells)
		a.DistinctBuyers = int(buyers)
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return result, nil
}
