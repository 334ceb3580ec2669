package classifier

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
	"tradeflow/internal/solana"
)

// solDecimals is the lamport exponent of SOL.
const solDecimals = 9

// ScaleRaw converts a raw integer amount string into a decimal-adjusted amount.
func ScaleRaw(raw string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse raw amount %q: %w", raw, err)
	}
	return d.Shift(-decimals), nil
}

// ScaleBig converts a raw on-chain integer into a decimal-adjusted amount.
func ScaleBig(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// FromEnhanced builds the classifier input of wallet for one enhanced
// webhook transaction. Native change of the fee payer excludes the fee.
func FromEnhanced(tx *solana.EnhancedTransaction, wallet string) (Input, error) {
	in := Input{
		Chain:     domain.ChainSolana,
		Wallet:    wallet,
		TxID:      tx.Signature,
		Timestamp: time.Unix(tx.Timestamp, 0).UTC(),
		Source:    domain.SourceWebhook,
		Failed:    tx.TransactionError != nil,
	}

	var lamports int64
	for _, acc := range tx.AccountData {
		if acc.Account == wallet {
			lamports += acc.NativeBalanceChange
		}
		for _, tb := range acc.TokenBalanceChanges {
			if tb.UserAccount != wallet {
				continue
			}
			amount, err := ScaleRaw(tb.RawTokenAmount.TokenAmount, tb.RawTokenAmount.Decimals)
			if err != nil {
				return Input{}, fmt.Errorf("tx %s: %w", tx.Signature, err)
			}
			in.Deltas = append(in.Deltas, Delta{Asset: tb.Mint, Amount: amount})
		}
	}
	if tx.FeePayer == wallet {
		lamports += tx.Fee
	}
	if lamports != 0 {
		in.Deltas = append(in.Deltas, Delta{
			Asset:  domain.NativeSOLMint,
			Amount: decimal.New(lamports, -solDecimals),
		})
	}

	return in, nil
}

// FromParsed builds the classifier input of wallet from an RPC transaction
// using pre/post balances. Native change of the fee payer excludes the fee.
func FromParsed(tx *solana.Transaction, wallet string, source domain.TradeSource) (Input, error) {
	in := Input{
		Chain:     domain.ChainSolana,
		Wallet:    wallet,
		TxID:      tx.Signature,
		Timestamp: time.Unix(tx.BlockTime, 0).UTC(),
		Source:    source,
		Failed:    tx.Failed(),
	}
	if tx.Meta == nil || tx.Message == nil {
		return in, nil
	}

	for i, key := range tx.Message.AccountKeys {
		if key != wallet || i >= len(tx.Meta.PreBalances) || i >= len(tx.Meta.PostBalances) {
			continue
		}
		lamports := new(big.Int).SetUint64(tx.Meta.PostBalances[i])
		lamports.Sub(lamports, new(big.Int).SetUint64(tx.Meta.PreBalances[i]))
		if i == 0 {
			lamports.Add(lamports, new(big.Int).SetUint64(tx.Meta.Fee))
		}
		if lamports.Sign() != 0 {
			in.Deltas = append(in.Deltas, Delta{Asset: domain.NativeSOLMint, Amount: ScaleBig(lamports, solDecimals)})
		}
	}

	pre, err := ownedBalances(tx.Meta.PreTokenBalances, wallet)
	if err != nil {
		return Input{}, fmt.Errorf("tx %s pre balances: %w", tx.Signature, err)
	}
	post, err := ownedBalances(tx.Meta.PostTokenBalances, wallet)
	if err != nil {
		return Input{}, fmt.Errorf("tx %s post balances: %w", tx.Signature, err)
	}
	for mint, amount := range post {
		in.Deltas = append(in.Deltas, Delta{Asset: mint, Amount: amount.Sub(pre[mint])})
	}
	for mint, amount := range pre {
		if _, ok := post[mint]; !ok {
			in.Deltas = append(in.Deltas, Delta{Asset: mint, Amount: amount.Neg()})
		}
	}

	return in, nil
}

// ownedBalances sums token balances owned by wallet per mint.
func ownedBalances(balances []solana.TokenBalance, wallet string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, b := range balances {
		if b.Owner != wallet {
			continue
		}
		amount, err := ScaleRaw(b.UITokenAmount.Amount, b.UITokenAmount.Decimals)
		if err != nil {
			return nil, err
		}
		out[b.Mint] = out[b.Mint].Add(amount)
	}
	return out, nil
}

// Transfer is one decimal-adjusted ERC-20 movement.
type Transfer struct {
	Token  string
	From   string
	To     string
	Amount decimal.Decimal
}

// EVMTx is what an EVM poller knows about one transaction touching wallet.
// NativeOut is the value the wallet sent with the call; NativeIn is native
// currency unwrapped to it inside the transaction. Gas is not included.
type EVMTx struct {
	Chain     domain.Chain
	Hash      string
	Timestamp time.Time
	Transfers []Transfer
	NativeOut decimal.Decimal
	NativeIn  decimal.Decimal
	Failed    bool
}

// FromEVM builds the classifier input of wallet for one EVM transaction.
func FromEVM(tx *EVMTx, wallet string) Input {
	chain := tx.Chain
	w := chain.NormalizeAddress(wallet)
	in := Input{
		Chain:     chain,
		Wallet:    w,
		TxID:      chain.NormalizeAddress(tx.Hash),
		Timestamp: tx.Timestamp,
		Source:    domain.SourceLogPoll,
		Failed:    tx.Failed,
	}

	for _, t := range tx.Transfers {
		token := chain.NormalizeAddress(t.Token)
		from, to := chain.NormalizeAddress(t.From), chain.NormalizeAddress(t.To)
		switch {
		case from == w && to == w:
			continue
		case from == w:
			in.Deltas = append(in.Deltas, Delta{Asset: token, Amount: t.Amount.Neg()})
		case to == w:
			in.Deltas = append(in.Deltas, Delta{Asset: token, Amount: t.Amount})
		}
	}

	if net := tx.NativeIn.Sub(tx.NativeOut); !net.IsZero() {
		in.Deltas = append(in.Deltas, Delta{Asset: wrappedNative(chain), Amount: net})
	}
	return in
}

func wrappedNative(chain domain.Chain) string {
	switch chain {
	case domain.ChainBSC:
		return domain.WBNB
	case domain.ChainBase:
		return domain.WETHBase
	}
	return ""
}
