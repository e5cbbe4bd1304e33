// Package hasher defines the hash primitives the merkle tree is built from.
//
// Every Hasher combines two child digests as H(left || right) with no domain
// separator. An unpaired node is carried up unchanged (see CombineOdd), which
// keeps SHA256 roots bit-compatible with existing anchored trees.
package hasher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

const (
	NameSHA256     = "sha256"
	NameKeccak256  = "keccak256"
	NameBlake2b256 = "blake2b256"

	// DefaultName is used when an account does not specify a hash function
	DefaultName = NameSHA256
)

// Hasher produces 32 byte digests for leaves and interior nodes.
// Implementations must be pure and safe for concurrent use.
type Hasher interface {
	// Name returns the registered name of the hash function
	Name() string

	// HashLeaf returns H(data)
	HashLeaf(data []byte) types.Digest

	// Combine returns H(left || right)
	Combine(left, right types.Digest) types.Digest
}

// CombineOdd returns the digest of a node that has no sibling at its level.
// The node is promoted as is.
func CombineOdd(d types.Digest) types.Digest {
	return d
}

// Factory constructs a Hasher
type Factory func() Hasher

var registry = map[string]Factory{
	NameSHA256:     func() Hasher { return SHA256{} },
	NameKeccak256:  func() Hasher { return Keccak256{} },
	NameBlake2b256: func() Hasher { return Blake2b256{} },
}

// FromName resolves a hash function by name. An empty name selects DefaultName.
func FromName(name string) (Hasher, error) {
	if name == "" {
		name = DefaultName
	}
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown hash function %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return f(), nil
}

// Names lists the supported hash function names in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the SHA256 hasher
func Default() Hasher {
	return SHA256{}
}

func concat(left, right types.Digest) []byte {
	var buf [2 * types.HashSize]byte
	copy(buf[:types.HashSize], left[:])
	copy(buf[types.HashSize:], right[:])
	return buf[:]
}
