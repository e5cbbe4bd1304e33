package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// HashSize is the size in bytes of every digest in the tree
	HashSize = 32

	// DefaultMaxLeaves is the default capacity of a merkle account
	DefaultMaxLeaves = 256
)

// Digest is a fixed-size 32 byte hash value. Leaf digests, interior nodes and
// roots are all Digests.
type Digest [HashSize]byte

// ZeroDigest is the all-zero sentinel used as the root of an empty tree.
var ZeroDigest Digest

// BytesToDigest converts a 32 byte slice into a Digest.
func BytesToDigest(b []byte) (Digest, error) {
	var d Digest
	if len(b) != HashSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", HashSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// HexToDigest parses a hex string (with or without 0x prefix) into a Digest.
func HexToDigest(s string) (Digest, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
	}
	return BytesToDigest(b)
}

// Bytes returns a copy of the digest as a byte slice
func (d Digest) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, d[:])
	return out
}

// Hex returns the 0x-prefixed hex encoding of the digest
func (d Digest) Hex() string {
	return hexutil.Encode(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether d is the zero sentinel
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// MarshalText implements encoding.TextMarshaler
func (d Digest) MarshalText() ([]byte, error) {
	return hexutil.Bytes(d[:]).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Digest) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Digest", input, d[:])
}

// MerkleAccount is the durable state of one merkle tree instance: the
// authoritative ordered leaf list, the root computed over it, and the
// parameters the tree was initialized with.
type MerkleAccount struct {
	ID           string `json:"id"`
	Authority    string `json:"authority"`
	HashFunction string `json:"hash_function"`
	LeafPolicy   string `json:"leaf_policy"`
	MaxLeaves    uint32 `json:"max_leaves"`
	Root         Digest `json:"root"`
	LeafCount    uint32 `json:"leaf_count"`

	// Leaves holds the raw leaf content in insertion order
	Leaves [][]byte `json:"leaves"`
}

// Validate checks the structural invariants of the account record
func (a *MerkleAccount) Validate() error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}
	if a.ID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	if a.MaxLeaves == 0 {
		return fmt.Errorf("account %s has zero capacity", a.ID)
	}
	if int(a.LeafCount) != len(a.Leaves) {
		return fmt.Errorf("account %s leaf count %d does not match %d stored leaves", a.ID, a.LeafCount, len(a.Leaves))
	}
	if a.LeafCount > a.MaxLeaves {
		return fmt.Errorf("account %s holds %d leaves, exceeding capacity %d", a.ID, a.LeafCount, a.MaxLeaves)
	}
	return nil
}

// IsFull reports whether the account has reached its leaf capacity
func (a *MerkleAccount) IsFull() bool {
	return a.LeafCount >= a.MaxLeaves
}

// Clone returns a deep copy of the account
func (a *MerkleAccount) Clone() *MerkleAccount {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Leaves = make([][]byte, len(a.Leaves))
	for i, leaf := range a.Leaves {
		leafCopy := make([]byte, len(leaf))
		copy(leafCopy, leaf)
		clone.Leaves[i] = leafCopy
	}
	return &clone
}

// LeafInsertedEvent is emitted after a leaf has been durably appended to an account
type LeafInsertedEvent struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Leaf      hexutil.Bytes `json:"leaf"`
	Index     uint32        `json:"index"`
	Root      Digest        `json:"root"`
	LeafCount uint32        `json:"leaf_count"`
	Timestamp int64         `json:"timestamp"`
}
