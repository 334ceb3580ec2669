package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"usdc mint", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", false},
		{"system program", "11111111111111111111111111111111", false},
		{"not base58", "0OIl", true},
		{"too short", "abc", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsWalletAddress(t *testing.T) {
	// The all-zero key decodes to a small-order point, still on the curve.
	assert.True(t, IsWalletAddress("11111111111111111111111111111111"))
	assert.False(t, IsWalletAddress("not-an-address"))
	assert.False(t, IsWalletAddress(""))
}
