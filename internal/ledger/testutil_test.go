package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T) (*Reconciler, *memory.LedgerStore) {
	t.Helper()
	store := memory.NewLedgerStore()
	r := NewReconciler(store, Options{Logger: zap.NewNop(), Now: func() time.Time { return t0 }})
	return r, store
}

func buy(tx, token string, qty, native float64, at time.Time) *domain.DetectedTrade {
	return &domain.DetectedTrade{
		Chain: domain.ChainSolana, Wallet: "W", Token: token, Action: domain.ActionBuy,
		NativeAmount: native, TokenAmount: qty, TxID: tx, Timestamp: at, Source: domain.SourceWebhook,
	}
}

func sell(tx, token string, qty, proceeds float64, at time.Time) *domain.DetectedTrade {
	t := buy(tx, token, qty, proceeds, at)
	t.Action = domain.ActionSell
	return t
}

func apply(t *testing.T, r *Reconciler, agent string, trade *domain.DetectedTrade) *Result {
	t.Helper()
	res, err := r.Apply(context.Background(), agent, trade)
	require.NoError(t, err)
	return res
}

func openQuantity(t *testing.T, store *memory.LedgerStore, agent, token string) float64 {
	t.Helper()
	lots, err := store.ListLots(context.Background(), agent, token)
	require.NoError(t, err)
	sum := 0.0
	for _, l := range lots {
		if l.Status == domain.LotOpen {
			sum += l.Quantity
		}
	}
	return sum
}
