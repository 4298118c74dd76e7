// Package ens resolves ENS names to account addresses over JSON-RPC.
package ens

import (
	"strings"

	"github.com/splax/teamgate/pkg/crypto"
)

// Namehash computes the EIP-137 node for name. Labels are lowercased.
func Namehash(name string) [32]byte {
	var node [32]byte
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		copy(node[:], crypto.Keccak256(node[:], crypto.Keccak256([]byte(labels[i]))))
	}
	return node
}

// IsName reports whether s looks like an ENS name rather than an address.
func IsName(s string) bool {
	s = strings.TrimSpace(s)
	return strings.Contains(s, ".") && !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") && !strings.ContainsAny(s, " /")
}
