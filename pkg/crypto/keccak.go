package crypto

import "golang.org/x/crypto/sha3"

// Keccak256 hashes the concatenation of data with the legacy Keccak-256
// permutation used by Ethereum (not the finalized SHA3-256).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}
