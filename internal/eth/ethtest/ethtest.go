// Package ethtest signs messages the way a wallet's personal_sign does.
package ethtest

import (
	"testing"

	"github.com/splax/teamgate/internal/eth"
)

// Wallet is a throwaway signing key.
type Wallet struct {
	*eth.KeySigner
}

// NewWallet generates a random wallet.
func NewWallet(tb testing.TB) *Wallet {
	tb.Helper()
	signer, err := eth.GenerateKeySigner()
	if err != nil {
		tb.Fatalf("%v", err)
	}
	return &Wallet{KeySigner: signer}
}
