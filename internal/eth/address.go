// Package eth holds the Ethereum primitives used by wallet login:
// EIP-55 addresses, EIP-191 personal-sign hashing and secp256k1
// signature recovery.
package eth

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/splax/teamgate/pkg/crypto"
)

// AddressLength is the byte length of an account address.
const AddressLength = 20

var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidChecksum = errors.New("address checksum mismatch")
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex string.
// Mixed-case input must carry a valid EIP-55 checksum.
func IsAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// ParseAddress validates s and returns it in EIP-55 checksummed form.
// All-lowercase and all-uppercase hex are accepted without a checksum.
func ParseAddress(s string) (string, error) {
	raw, err := decodeAddress(s)
	if err != nil {
		return "", err
	}
	checksummed := ChecksumAddress(raw)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && checksummed != "0x"+body {
		return "", ErrInvalidChecksum
	}
	return checksummed, nil
}

// ChecksumAddress renders a 20-byte address in EIP-55 form.
func ChecksumAddress(addr []byte) string {
	lower := hex.EncodeToString(addr)
	hash := crypto.Keccak256([]byte(lower))
	out := make([]byte, 0, 2+len(lower))
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && c <= 'f' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// AddressBytes decodes a hex address without checking its checksum.
func AddressBytes(s string) ([]byte, error) {
	return decodeAddress(s)
}

func decodeAddress(s string) ([]byte, error) {
	if len(s) != 2+2*AddressLength || (s[:2] != "0x" && s[:2] != "0X") {
		return nil, ErrInvalidAddress
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, ErrInvalidAddress
	}
	return raw, nil
}
