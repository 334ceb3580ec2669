package solana

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKeyLength is the size of a decoded Solana address.
const PublicKeyLength = 32

// ValidateAddress checks that addr is base58 and decodes to 32 bytes.
func ValidateAddress(addr string) error {
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("decode base58 %q: %w", addr, err)
	}
	if len(raw) != PublicKeyLength {
		return fmt.Errorf("address %q: expected %d bytes, got %d", addr, PublicKeyLength, len(raw))
	}
	return nil
}

// IsWalletAddress reports whether addr decodes to a point on the ed25519
// curve. Keypair-owned wallets are on the curve; program derived addresses
// are not and can never sign a swap.
func IsWalletAddress(addr string) bool {
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != PublicKeyLength {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(raw)
	return err == nil
}
