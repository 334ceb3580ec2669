package watcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tradeflow/internal/classifier"
	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
	"tradeflow/internal/solana"
	"tradeflow/internal/storage"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Signature"

// DefaultMaxBodyBytes bounds a webhook body.
const DefaultMaxBodyBytes = 8 << 20

// placeholderSecrets are treated as an unset secret.
var placeholderSecrets = map[string]struct{}{
	"":                    {},
	"changeme":            {},
	"change-me":           {},
	"secret":              {},
	"your-webhook-secret": {},
}

// Processor is the part of Pipeline the watchers call.
type Processor interface {
	Process(ctx context.Context, in classifier.Input) (Outcome, error)
}

// WebhookConfig configures a WebhookHandler.
type WebhookConfig struct {
	Secret       string
	Production   bool
	MaxBodyBytes int64
}

// WebhookSummary is the response body of the webhook.
type WebhookSummary struct {
	Received   int `json:"received"`
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// WebhookHandler receives enhanced Solana transactions.
type WebhookHandler struct {
	cfg       WebhookConfig
	processor Processor
	wallets   storage.ConfigStore
	logger    *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(cfg WebhookConfig, processor Processor, wallets storage.ConfigStore, logger *zap.Logger) *WebhookHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WebhookHandler{cfg: cfg, processor: processor, wallets: wallets, logger: logger.Named("webhook")}
	if !h.secretConfigured() && !cfg.Production {
		h.logger.Warn("webhook secret not set, accepting unsigned requests")
	}
	return h
}

func (h *WebhookHandler) secretConfigured() bool {
	_, placeholder := placeholderSecrets[strings.ToLower(strings.TrimSpace(h.cfg.Secret))]
	return !placeholder
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.processor == nil {
		h.fail(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.fail(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.authorized(body, r.Header.Get(SignatureHeader)) {
		h.fail(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var txs []solana.EnhancedTransaction
	if err := json.Unmarshal(body, &txs); err != nil {
		h.fail(w, http.StatusBadRequest, "malformed json")
		return
	}

	ctx := r.Context()
	tracked, err := h.trackedSet(ctx)
	if err != nil {
		h.logger.Error("load tracked wallets", zap.Error(err))
		h.fail(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}

	summary := WebhookSummary{Received: len(txs)}
	for i := range txs {
		switch h.processTx(ctx, &txs[i], tracked) {
		case txFailed:
			summary.Failed++
		case txDuplicate:
			summary.Duplicates++
		default:
			summary.Processed++
		}
	}

	observability.RecordWebhook(strconv.Itoa(http.StatusOK))
	h.logger.Info("webhook processed",
		zap.Int("received", summary.Received),
		zap.Int("processed", summary.Processed),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("failed", summary.Failed))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// authorized checks the body signature. Without a configured secret,
// requests pass outside production and fail in production.
func (h *WebhookHandler) authorized(body []byte, header string) bool {
	if !h.secretConfigured() {
		return !h.cfg.Production
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *WebhookHandler) trackedSet(ctx context.Context) (map[string]struct{}, error) {
	wallets, err := h.wallets.TrackedWallets(ctx, domain.ChainSolana)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		set[w.Address] = struct{}{}
	}
	return set, nil
}

type txStatus int

const (
	txProcessed txStatus = iota
	txDuplicate
	txFailed
)

func (h *WebhookHandler) processTx(ctx context.Context, tx *solana.EnhancedTransaction, tracked map[string]struct{}) txStatus {
	status := txProcessed
	applied, duplicates := 0, 0

	for _, wallet := range walletsIn(tx, tracked) {
		in, err := classifier.FromEnhanced(tx, wallet)
		if err != nil {
			h.logger.Warn("bad transaction", zap.String("tx", tx.Signature), zap.Error(err))
			return txFailed
		}
		out, err := h.processor.Process(ctx, in)
		if err != nil {
			h.logger.Error("process transaction",
				zap.String("tx", tx.Signature), zap.String("wallet", wallet), zap.Error(err))
			status = txFailed
			continue
		}
		applied += out.Applied + out.Evaluated
		duplicates += out.Duplicates
	}

	if status == txProcessed && applied == 0 && duplicates > 0 {
		return txDuplicate
	}
	return status
}

// walletsIn returns the tracked wallets touched by tx, in first-seen order.
func walletsIn(tx *solana.EnhancedTransaction, tracked map[string]struct{}) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := tracked[addr]; !ok {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	add(tx.FeePayer)
	for _, acc := range tx.AccountData {
		add(acc.Account)
		for _, tb := range acc.TokenBalanceChanges {
			add(tb.UserAccount)
		}
	}
	for _, t := range tx.TokenTransfers {
		add(t.FromUserAccount)
		add(t.ToUserAccount)
	}
	for _, t := range tx.NativeTransfers {
		add(t.FromUserAccount)
		add(t.ToUserAccount)
	}
	return out
}

func (h *WebhookHandler) fail(w http.ResponseWriter, status int, msg string) {
	observability.RecordWebhook(strconv.Itoa(status))
	http.Error(w, msg, status)
}
