package hasher

import (
	"golang.org/x/crypto/blake2b"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// Blake2b256 hashes with unkeyed BLAKE2b-256.
type Blake2b256 struct{}

func (Blake2b256) Name() string { return NameBlake2b256 }

func (Blake2b256) HashLeaf(data []byte) types.Digest {
	return blake2b.Sum256(data)
}

func (Blake2b256) Combine(left, right types.Digest) types.Digest {
	return blake2b.Sum256(concat(left, right))
}
