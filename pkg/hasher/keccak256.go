package hasher

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// Keccak256 hashes with legacy Keccak-256, matching Solidity's keccak256(abi.encodePacked(a, b)).
type Keccak256 struct{}

func (Keccak256) Name() string { return NameKeccak256 }

func (Keccak256) HashLeaf(data []byte) types.Digest {
	return types.Digest(crypto.Keccak256Hash(data))
}

func (Keccak256) Combine(left, right types.Digest) types.Digest {
	return types.Digest(crypto.Keccak256Hash(left[:], right[:]))
}
