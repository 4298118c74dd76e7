package eth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/splax/teamgate/pkg/crypto"
)

// SignatureLength is the byte length of an r || s || v signature.
const SignatureLength = 65

var ErrInvalidSignature = errors.New("invalid signature")

// PersonalHash is the EIP-191 version 0x45 digest signed by personal_sign.
func PersonalHash(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), message)
}

// PubkeyToAddress derives the account address of a public key.
func PubkeyToAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	return ChecksumAddress(crypto.Keccak256(uncompressed[1:])[12:])
}

// RecoverAddress returns the checksummed address that produced the
// hex-encoded personal_sign signature over message.
func RecoverAddress(message []byte, signature string) (string, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return "", err
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", ErrInvalidSignature
	}
	compact := make([]byte, SignatureLength)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, PersonalHash(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return PubkeyToAddress(pub), nil
}

// VerifySignature reports whether signature over message was produced by address.
func VerifySignature(address string, message []byte, signature string) error {
	want, err := ParseAddress(address)
	if err != nil {
		return err
	}
	got, err := RecoverAddress(message, signature)
	if err != nil {
		return err
	}
	if got != want {
		return ErrInvalidSignature
	}
	return nil
}

func decodeSignature(signature string) ([]byte, error) {
	signature = strings.TrimPrefix(strings.TrimPrefix(signature, "0x"), "0X")
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != SignatureLength {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}
