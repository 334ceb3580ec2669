package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// InTx runs fn in a READ COMMITTED transaction. Open lots and the position
// row are locked FOR UPDATE so concurrent mutations of one (agent, token)
// serialize. A transaction aborted by a deadlock is replayed from scratch,
// so fn must not keep state across calls.
func (s *LedgerStore) InTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	return retryTx(ctx, func() error { return s.inTx(ctx, fn) })
}

func (s *LedgerStore) inTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const positionColumns = `agent_id, token, chain, quantity, entry_price, current_value, unrealized_pnl, updated_at`

const lotColumns = `id, agent_id, token, chain, quantity, native_spent, entry_price, status,
	opened_at, closed_at, exit_price, realized_pnl, tx_id`

// GetPosition returns a position. Returns ErrNotFound if absent.
func (s *LedgerStore) GetPosition(ctx context.Context, agentID, token string) (*domain.Position, error) {
	return getPosition(ctx, s.pool, agentID, token, false)
}

// ListPositions returns all positions of an agent ordered by token.
func (s *LedgerStore) ListPositions(ctx context.Context, agentID string) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE agent_id = $1 ORDER BY token`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return collectPositions(rows)
}

// ListAllPositions returns every position ordered by (agent_id, token).
func (s *LedgerStore) ListAllPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY agent_id, token`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return collectPositions(rows)
}

// CountPositions returns the number of open positions of an agent.
func (s *LedgerStore) CountPositions(ctx context.Context, agentID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM positions WHERE agent_id = $1`, agentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

// UpdateValuation sets the cached mark-to-market fields of a position.
func (s *LedgerStore) UpdateValuation(ctx context.Context, agentID, token string, value, pnl float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET current_value = $3, unrealized_pnl = $4
		WHERE agent_id = $1 AND token = $2
	`, agentID, token, value, pnl)
	if err != nil {
		return fmt.Errorf("update valuation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListLots returns all lots of (agent, token) ordered by opened_at ASC, id ASC.
func (s *LedgerStore) ListLots(ctx context.Context, agentID, token string) ([]*domain.Lot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE agent_id = $1 AND token = $2
		ORDER BY opened_at ASC, id ASC
	`, agentID, token)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	return collectLots(rows)
}

// GetStats returns the agent's stats. Returns ErrNotFound if never computed.
func (s *LedgerStore) GetStats(ctx context.Context, agentID string) (*domain.AgentStats, error) {
	var st domain.AgentStats
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, total_trades, closed_trades, winning_trades, win_rate, realized_pnl, updated_at
		FROM agent_stats WHERE agent_id = $1
	`, agentID).Scan(&st.AgentID, &st.TotalTrades, &st.ClosedTrades, &st.WinningTrades,
		&st.WinRate, &st.RealizedPnL, &st.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return &st, nil
}

// HasTrade reports whether the trade leg was already applied for the agent.
func (s *LedgerStore) HasTrade(ctx context.Context, agentID string, chain domain.Chain, txID, token string, action domain.Action) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trade_records
			WHERE agent_id = $1 AND chain = $2 AND tx_id = $3 AND token = $4 AND action = $5
		)
	`, agentID, string(chain), txID, token, string(action)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check trade: %w", err)
	}
	return exists, nil
}

// ledgerTx implements storage.LedgerTx on a pgx transaction.
type ledgerTx struct {
	q querier
}

func (t *ledgerTx) InsertTrade(ctx context.Context, r *domain.TradeRecord) error {
	if r == nil || r.AgentID == "" || r.TxID == "" {
		return storage.ErrInvalidInput
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO trade_records (
			agent_id, chain, tx_id, token, action, wallet,
			native_amount, token_amount, price, source, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.AgentID, string(r.Chain), r.TxID, r.Token, string(r.Action), r.Wallet,
		r.NativeAmount, r.TokenAmount, r.Price, string(r.Source), r.Timestamp)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade record: %w", err)
	}
	return nil
}

func (t *ledgerTx) GetPosition(ctx context.Context, agentID, token string) (*domain.Position, error) {
	return getPosition(ctx, t.q, agentID, token, true)
}

func (t *ledgerTx) SavePosition(ctx context.Context, p *domain.Position) error {
	if p == nil || p.AgentID == "" || p.Token == "" {
		return storage.ErrInvalidInput
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id, token) DO UPDATE SET
			chain = EXCLUDED.chain,
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			current_value = EXCLUDED.current_value,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			updated_at = EXCLUDED.updated_at
	`, p.AgentID, p.Token, string(p.Chain), p.Quantity, p.EntryPrice,
		p.CurrentValue, p.UnrealizedPnL, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (t *ledgerTx) DeletePosition(ctx context.Context, agentID, token string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM positions WHERE agent_id = $1 AND token = $2`, agentID, token); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

func (t *ledgerTx) OpenLots(ctx context.Context, agentID, token string) ([]*domain.Lot, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE agent_id = $1 AND token = $2 AND status = 'OPEN'
		ORDER BY opened_at ASC, id ASC
		FOR UPDATE
	`, agentID, token)
	if err != nil {
		return nil, fmt.Errorf("query open lots: %w", err)
	}
	return collectLots(rows)
}

func (t *ledgerTx) InsertLot(ctx context.Context, l *domain.Lot) error {
	if l == nil || l.ID == "" {
		return storage.ErrInvalidInput
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, l.ID, l.AgentID, l.Token, string(l.Chain), l.Quantity, l.NativeSpent, l.EntryPrice,
		string(l.Status), l.OpenedAt, l.ClosedAt, l.ExitPrice, l.RealizedPnL, l.TxID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (t *ledgerTx) UpdateLot(ctx context.Context, l *domain.Lot) error {
	if l == nil || l.ID == "" {
		return storage.ErrInvalidInput
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE lots SET
			quantity = $2, native_spent = $3, entry_price = $4, status = $5,
			closed_at = $6, exit_price = $7, realized_pnl = $8
		WHERE id = $1
	`, l.ID, l.Quantity, l.NativeSpent, l.EntryPrice, string(l.Status),
		l.ClosedAt, l.ExitPrice, l.RealizedPnL)
	if err != nil {
		return fmt.Errorf("update lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) RecomputeStats(ctx context.Context, agentID string, now time.Time) (*domain.AgentStats, error) {
	st := &domain.AgentStats{AgentID: agentID, UpdatedAt: now}
	err := t.q.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'CLOSED'),
			count(*) FILTER (WHERE status = 'CLOSED' AND realized_pnl > 0),
			COALESCE(sum(realized_pnl) FILTER (WHERE status = 'CLOSED'), 0)
		FROM lots WHERE agent_id = $1
	`, agentID).Scan(&st.TotalTrades, &st.ClosedTrades, &st.WinningTrades, &st.RealizedPnL)
	if err != nil {
		return nil, fmt.Errorf("aggregate lots: %w", err)
	}
	if st.ClosedTrades > 0 {
		st.WinRate = float64(st.WinningTrades) / float64(st.ClosedTrades)
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO agent_stats (agent_id, total_trades, closed_trades, winning_trades, win_rate, realized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			total_trades = EXCLUDED.total_trades,
			closed_trades = EXCLUDED.closed_trades,
			winning_trades = EXCLUDED.winning_trades,
			win_rate = EXCLUDED.win_rate,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = EXCLUDED.updated_at
	`, st.AgentID, st.TotalTrades, st.ClosedTrades, st.WinningTrades, st.WinRate, st.RealizedPnL, st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert stats: %w", err)
	}
	return st, nil
}

func getPosition(ctx context.Context, q querier, agentID, token string, lock bool) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE agent_id = $1 AND token = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, query, agentID, token))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		p     domain.Position
		chain string
	)
	if err := row.Scan(&p.AgentID, &p.Token, &chain, &p.Quantity, &p.EntryPrice,
		&p.CurrentValue, &p.UnrealizedPnL, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Chain = domain.Chain(chain)
	return &p, nil
}

func collectPositions(rows pgx.Rows) ([]*domain.Position, error) {
	defer rows.Close()

	var result []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return result, nil
}

func scanLot(row pgx.Row) (*domain.Lot, error) {
	var (
		l             domain.Lot
		chain, status string
	)
	if err := row.Scan(&l.ID, &l.AgentID, &l.Token, &chain, &l.Quantity, &l.NativeSpent, &l.EntryPrice,
		&status, &l.OpenedAt, &l.ClosedAt, &l.ExitPrice, &l.RealizedPnL, &l.TxID); err != nil {
		return nil, err
	}
	l.Chain = domain.Chain(chain)
	l.Status = domain.LotStatus(status)
	return &l, nil
}

func collectLots(rows pgx.Rows) ([]*domain.Lot, error) {
	defer rows.Close()

	var result []*domain.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}
	return result, nil
}

