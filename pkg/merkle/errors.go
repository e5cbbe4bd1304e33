package merkle

import (
	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

var (
	// ErrTreeFull is returned when inserting into a tree at capacity
	ErrTreeFull = errors.New("merkle tree is full")

	// ErrIndexOutOfRange is returned when a proof is requested for a missing leaf
	ErrIndexOutOfRange = errors.New("leaf index out of range")

	// ErrInvalidProof is returned when a proof is malformed. A well-formed
	// proof that does not match the root is not an error.
	ErrInvalidProof = errors.New("invalid merkle proof")

	// ErrInvalidLeaf is returned when a leaf violates the tree's leaf policy
	ErrInvalidLeaf = errors.New("invalid leaf")
)

func errInvalidLeafLength(n int) error {
	return errors.Wrapf(ErrInvalidLeaf, "raw leaf must be %d bytes, got %d", types.HashSize, n)
}
