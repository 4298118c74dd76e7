package eth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// KeySigner signs personal messages with a local secp256k1 key.
type KeySigner struct {
	key *secp256k1.PrivateKey
}

// GenerateKeySigner returns a signer for a freshly generated key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeySigner{key: key}, nil
}

// NewKeySigner parses a hex-encoded 32-byte private key, with or without 0x.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil || len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key")
	}
	return &KeySigner{key: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// Address returns the signer's checksummed address.
func (s *KeySigner) Address() string {
	return PubkeyToAddress(s.key.PubKey())
}

// Sign returns a 0x-prefixed r || s || v personal_sign signature with v in {27, 28}.
func (s *KeySigner) Sign(message string) string {
	compact := ecdsa.SignCompact(s.key, PersonalHash([]byte(message)), false)
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}
