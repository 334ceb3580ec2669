package solana

import "context"

// RPCClient defines the Solana RPC HTTP calls used by the watcher and the executor.
type RPCClient interface {
	// GetTransaction retrieves a confirmed transaction by signature.
	// Returns nil, nil when the node does not know the signature yet.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// SendTransaction submits a base64 encoded, fully signed transaction
	// and returns its signature.
	SendTransaction(ctx context.Context, encoded string) (string, error)
}

// Transaction represents a confirmed Solana transaction with balance metadata.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err               interface{}
	Fee               uint64
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	LogMessages       []string
}

// TransactionMessage contains the account keys of the message, static keys
// first and then the addresses loaded from lookup tables.
type TransactionMessage struct {
	AccountKeys []string
}

// FeePayer returns the first account key, or "" when unknown.
func (t *Transaction) FeePayer() string {
	if t.Message == nil || len(t.Message.AccountKeys) == 0 {
		return ""
	}
	return t.Message.AccountKeys[0]
}

// Failed reports whether the transaction was included with an error.
func (t *Transaction) Failed() bool {
	return t.Meta != nil && t.Meta.Err != nil
}
