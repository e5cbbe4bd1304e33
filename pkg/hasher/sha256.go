package hasher

import (
	"crypto/sha256"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// SHA256 is the default Hasher.
type SHA256 struct{}

func (SHA256) Name() string { return NameSHA256 }

func (SHA256) HashLeaf(data []byte) types.Digest {
	return sha256.Sum256(data)
}

func (SHA256) Combine(left, right types.Digest) types.Digest {
	return sha256.Sum256(concat(left, right))
}
