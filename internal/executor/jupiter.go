package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tradeflow/internal/classifier"
	"tradeflow/internal/domain"
	"tradeflow/internal/solana"
)

// Jupiter defaults.
const (
	DefaultJupiterURL     = "https://lite-api.jup.ag/swap/v1"
	DefaultConfirmDelay   = time.Second
	DefaultConfirmRetries = 30
	lamportsPerSOL        = 1_000_000_000
)

var errNotConfirmed = errors.New("transaction not confirmed yet")

// JupiterConfig configures a JupiterExecutor.
type JupiterConfig struct {
	BaseURL        string
	SlippageBps    int64
	Timeout        time.Duration
	ConfirmDelay   time.Duration
	ConfirmRetries uint
}

// JupiterExecutor buys Solana tokens with SOL through the Jupiter swap API.
// The swap transaction is signed locally and submitted over RPC.
type JupiterExecutor struct {
	cfg    JupiterConfig
	http   *resty.Client
	rpc    solana.RPCClient
	logger *zap.Logger
	now    func() time.Time
}

// NewJupiterExecutor creates a JupiterExecutor.
func NewJupiterExecutor(cfg JupiterConfig, rpc solana.RPCClient, logger *zap.Logger) *JupiterExecutor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultJupiterURL
	}
	if cfg.SlippageBps <= 0 || cfg.SlippageBps >= 10_000 {
		cfg.SlippageBps = DefaultSlippageBps
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = DefaultConfirmDelay
	}
	if cfg.ConfirmRetries == 0 {
		cfg.ConfirmRetries = DefaultConfirmRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")

	return &JupiterExecutor{
		cfg:    cfg,
		http:   client,
		rpc:    rpc,
		logger: logger.Named("executor").Named("jupiter"),
		now:    time.Now,
	}
}

type quoteResponse struct {
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
}

type swapRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// Execute quotes, signs and submits a SOL to token swap, then waits until
// the transaction is visible over RPC to report the filled amounts.
func (j *JupiterExecutor) Execute(ctx context.Context, order domain.ExecutionOrder) (*domain.ExecutionResult, error) {
	req := order.Request
	if req.Chain != domain.ChainSolana {
		return nil, fmt.Errorf("jupiter executor got %s request", req.Chain)
	}
	key, err := sol.PrivateKeyFromBase58(order.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("invalid private key: expected 64 bytes, got %d", len(key))
	}
	owner := key.PublicKey()

	lamports := int64(req.AmountNative * lamportsPerSOL)
	if lamports <= 0 {
		return nil, fmt.Errorf("amount %v too small", req.AmountNative)
	}

	quote, err := j.quote(ctx, req.Token, lamports)
	if err != nil {
		return nil, err
	}
	tx, err := j.swapTransaction(ctx, quote, owner)
	if err != nil {
		return nil, err
	}
	if err := signAsSole(tx, key); err != nil {
		return nil, err
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	signature, err := j.rpc.SendTransaction(ctx, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	j.logger.Info("swap sent",
		zap.String("request_id", req.ID), zap.String("tx", signature), zap.String("token", req.Token))

	confirmed, err := j.confirm(ctx, signature)
	if err != nil {
		return nil, err
	}
	return fillFromTransaction(confirmed, owner.String(), req.Token, j.now)
}

func (j *JupiterExecutor) quote(ctx context.Context, mint string, lamports int64) (json.RawMessage, error) {
	resp, err := j.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":   domain.WSOLMint,
			"outputMint":  mint,
			"amount":      strconv.FormatInt(lamports, 10),
			"slippageBps": strconv.FormatInt(j.cfg.SlippageBps, 10),
			"swapMode":    "ExactIn",
		}).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("quote request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("quote API error %d: %s", resp.StatusCode(), resp.String())
	}

	var q quoteResponse
	if err := json.Unmarshal(resp.Body(), &q); err != nil {
		return nil, fmt.Errorf("parse quote: %w", err)
	}
	if out, err := strconv.ParseUint(q.OutAmount, 10, 64); err != nil || out == 0 {
		return nil, fmt.Errorf("no route for %s", mint)
	}
	return json.RawMessage(resp.Body()), nil
}

func (j *JupiterExecutor) swapTransaction(ctx context.Context, quote json.RawMessage, owner sol.PublicKey) (*sol.Transaction, error) {
	var body swapResponse
	resp, err := j.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(swapRequest{QuoteResponse: quote, UserPublicKey: owner.String(), WrapAndUnwrapSol: true}).
		Post("/swap")
	if err != nil {
		return nil, fmt.Errorf("swap request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("swap API error %d: %s", resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("parse swap: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(body.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	return tx, nil
}

// signAsSole signs tx as its only required signer.
func signAsSole(tx *sol.Transaction, key sol.PrivateKey) error {
	if tx.Message.Header.NumRequiredSignatures != 1 || len(tx.Message.AccountKeys) == 0 {
		return fmt.Errorf("swap transaction requires %d signers", tx.Message.Header.NumRequiredSignatures)
	}
	if !tx.Message.AccountKeys[0].Equals(key.PublicKey()) {
		return fmt.Errorf("swap transaction fee payer %s is not the signer", tx.Message.AccountKeys[0])
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	tx.Signatures = []sol.Signature{sig}
	return nil
}

func (j *JupiterExecutor) confirm(ctx context.Context, signature string) (*solana.Transaction, error) {
	policy := backoff.NewConstantBackOff(j.cfg.ConfirmDelay)
	tx, err := backoff.Retry(ctx, func() (*solana.Transaction, error) {
		tx, err := j.rpc.GetTransaction(ctx, signature)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if tx == nil {
			return nil, errNotConfirmed
		}
		return tx, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(j.cfg.ConfirmRetries),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", signature, err)
	}
	if tx.Failed() {
		return nil, fmt.Errorf("%s: %w", signature, ErrReverted)
	}
	return tx, nil
}

// fillFromTransaction reads the owner's balance changes of a confirmed swap.
func fillFromTransaction(tx *solana.Transaction, owner, mint string, now func() time.Time) (*domain.ExecutionResult, error) {
	in, err := classifier.FromParsed(tx, owner, domain.SourceSelf)
	if err != nil {
		return nil, err
	}

	res := &domain.ExecutionResult{TxID: tx.Signature, Wallet: owner, ExecutedAt: in.Timestamp}
	for _, d := range in.Deltas {
		switch {
		case d.Asset == mint:
			res.TokenAmount, _ = d.Amount.Float64()
		case d.Asset == domain.NativeSOLMint && d.Amount.IsNegative():
			res.NativeSpent, _ = d.Amount.Neg().Float64()
		}
	}
	if res.TokenAmount <= 0 {
		return nil, fmt.Errorf("%s: no %s received", tx.Signature, mint)
	}
	if tx.BlockTime == 0 {
		res.ExecutedAt = now().UTC()
	}
	return res, nil
}
