// Package idhash derives deterministic identifiers so that replaying the same
// on-chain event always produces the same rows.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// sum returns hex(SHA256(parts joined by "|")), truncated to n hex chars.
func sum(n int, parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])[:n]
}

// LotID identifies the lot opened by a BUY leg.
// Formula: SHA256(agent|chain|tx|token)[:32]
func LotID(agentID, chain, txID, token string) string {
	return sum(32, agentID, chain, txID, token)
}

// SplitLotID identifies the CLOSED part carved out of parentID by a sell.
// Formula: SHA256(parent|sell_tx|"split")[:32]
func SplitLotID(parentID, sellTxID string) string {
	return sum(32, parentID, sellTxID, "split")
}

// RequestID identifies an auto-buy decision. The custodial executor sends it
// as an idempotency key.
// Formula: SHA256(agent|trigger|chain|token|cause)[:24]
func RequestID(agentID, triggerType, chain, token, cause string) string {
	return sum(24, agentID, triggerType, chain, token, cause)
}
