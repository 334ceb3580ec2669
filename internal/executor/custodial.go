package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"tradeflow/internal/domain"
)

// Custodial defaults.
const (
	DefaultTokenTTL   = time.Minute
	IdempotencyHeader = "Idempotency-Key"
)

// CustodialConfig configures a CustodialExecutor. SigningKey signs HS256
// bearer tokens accepted by the wallet service.
type CustodialConfig struct {
	BaseURL    string
	SigningKey string
	Issuer     string
	Audience   string
	TokenTTL   time.Duration
	Timeout    time.Duration
}

// CustodialExecutor asks a wallet service to buy on the agent's behalf.
type CustodialExecutor struct {
	cfg    CustodialConfig
	http   *resty.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewCustodialExecutor creates a CustodialExecutor.
func NewCustodialExecutor(cfg CustodialConfig, logger *zap.Logger) (*CustodialExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("custodial base url required")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("custodial signing key required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "tradeflow"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")

	return &CustodialExecutor{
		cfg:    cfg,
		http:   client,
		logger: logger.Named("executor").Named("custodial"),
		now:    time.Now,
	}, nil
}

type custodialSwapRequest struct {
	RequestID    string  `json:"request_id"`
	Chain        string  `json:"chain"`
	Token        string  `json:"token"`
	AmountNative float64 `json:"amount_native"`
}

type custodialSwapResponse struct {
	TxID         string  `json:"tx_id"`
	Wallet       string  `json:"wallet_address"`
	TokenAmount  float64 `json:"token_amount"`
	NativeSpent  float64 `json:"native_spent"`
	ExecutedAt   int64   `json:"executed_at"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error,omitempty"`
}

// Execute submits the swap. The request ID is the idempotency key, so a
// retried request never buys twice.
func (c *CustodialExecutor) Execute(ctx context.Context, order domain.ExecutionOrder) (*domain.ExecutionResult, error) {
	req := order.Request
	if order.Profile == nil || order.Profile.WalletID == "" {
		return nil, errors.New("custodial wallet id required")
	}

	token, err := c.token(req.AgentID)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader(IdempotencyHeader, req.ID).
		SetHeader("Content-Type", "application/json").
		SetPathParam("wallet", order.Profile.WalletID).
		SetBody(custodialSwapRequest{
			RequestID:    req.ID,
			Chain:        string(req.Chain),
			Token:        req.Token,
			AmountNative: req.AmountNative,
		}).
		Post("/v1/wallets/{wallet}/swaps")
	if err != nil {
		return nil, fmt.Errorf("swap request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("wallet service error %d: %s", resp.StatusCode(), resp.String())
	}

	var body custodialSwapResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if body.Status != "" && body.Status != "confirmed" {
		return nil, fmt.Errorf("swap %s: %s", body.Status, body.ErrorMessage)
	}
	if body.TxID == "" || body.TokenAmount <= 0 {
		return nil, errors.New("wallet service returned no fill")
	}

	at := c.now().UTC()
	if body.ExecutedAt > 0 {
		at = time.Unix(body.ExecutedAt, 0).UTC()
	}
	c.logger.Info("custodial swap confirmed",
		zap.String("request_id", req.ID), zap.String("wallet_id", order.Profile.WalletID), zap.String("tx", body.TxID))

	return &domain.ExecutionResult{
		TxID:        body.TxID,
		Wallet:      body.Wallet,
		TokenAmount: body.TokenAmount,
		NativeSpent: body.NativeSpent,
		ExecutedAt:  at,
	}, nil
}

// token issues a short-lived bearer token for agentID.
func (c *CustodialExecutor) token(agentID string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.cfg.Issuer,
		Subject:   agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TokenTTL)),
	}
	if c.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.SigningKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
