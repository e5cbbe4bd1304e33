package merkle

import (
	"fmt"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// LeafPolicy decides how raw leaf content becomes a level 0 digest.
type LeafPolicy string

const (
	// LeafPolicyAuto uses a 32 byte leaf directly and hashes anything else once
	LeafPolicyAuto LeafPolicy = "auto"

	// LeafPolicyHash hashes every leaf once
	LeafPolicyHash LeafPolicy = "hash"

	// LeafPolicyRaw requires every leaf to already be a 32 byte digest
	LeafPolicyRaw LeafPolicy = "raw"

	DefaultLeafPolicy = LeafPolicyAuto
)

// ParseLeafPolicy resolves a policy name. An empty name selects DefaultLeafPolicy.
func ParseLeafPolicy(s string) (LeafPolicy, error) {
	switch LeafPolicy(s) {
	case "":
		return DefaultLeafPolicy, nil
	case LeafPolicyAuto, LeafPolicyHash, LeafPolicyRaw:
		return LeafPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown leaf policy %q (supported: auto, hash, raw)", s)
	}
}

// TreeConfig holds the parameters a tree is built and verified with.
// Building and verifying with different configs produces unrelated roots.
type TreeConfig struct {
	Hasher     hasher.Hasher
	LeafPolicy LeafPolicy

	// MaxLeaves bounds InsertLeaf. Zero means types.DefaultMaxLeaves.
	MaxLeaves int
}

// DefaultTreeConfig returns SHA256, auto leaf policy and a capacity of 256 leaves
func DefaultTreeConfig() *TreeConfig {
	return &TreeConfig{
		Hasher:     hasher.Default(),
		LeafPolicy: DefaultLeafPolicy,
		MaxLeaves:  types.DefaultMaxLeaves,
	}
}

// NewTreeConfig builds a config from the names stored on an account
func NewTreeConfig(hashFunction, leafPolicy string, maxLeaves uint32) (*TreeConfig, error) {
	h, err := hasher.FromName(hashFunction)
	if err != nil {
		return nil, err
	}
	policy, err := ParseLeafPolicy(leafPolicy)
	if err != nil {
		return nil, err
	}
	if maxLeaves == 0 {
		maxLeaves = types.DefaultMaxLeaves
	}
	return &TreeConfig{Hasher: h, LeafPolicy: policy, MaxLeaves: int(maxLeaves)}, nil
}

// TreeConfigForAccount builds the config an account's tree uses
func TreeConfigForAccount(a *types.MerkleAccount) (*TreeConfig, error) {
	return NewTreeConfig(a.HashFunction, a.LeafPolicy, a.MaxLeaves)
}

func (c *TreeConfig) orDefault() *TreeConfig {
	if c == nil {
		return DefaultTreeConfig()
	}
	out := *c
	if out.Hasher == nil {
		out.Hasher = hasher.Default()
	}
	if out.LeafPolicy == "" {
		out.LeafPolicy = DefaultLeafPolicy
	}
	if out.MaxLeaves <= 0 {
		out.MaxLeaves = types.DefaultMaxLeaves
	}
	return &out
}

// LeafDigest returns the level 0 digest for a leaf under the config's policy
func (c *TreeConfig) LeafDigest(leaf []byte) (types.Digest, error) {
	cfg := c.orDefault()
	switch cfg.LeafPolicy {
	case LeafPolicyAuto:
		if len(leaf) == types.HashSize {
			return types.Digest(leaf), nil
		}
		return cfg.Hasher.HashLeaf(leaf), nil
	case LeafPolicyHash:
		return cfg.Hasher.HashLeaf(leaf), nil
	case LeafPolicyRaw:
		if len(leaf) != types.HashSize {
			return types.Digest{}, errInvalidLeafLength(len(leaf))
		}
		return types.Digest(leaf), nil
	default:
		return types.Digest{}, fmt.Errorf("unknown leaf policy %q", cfg.LeafPolicy)
	}
}

// MerkleTree is a binary hash tree over an ordered list of leaf digests.
// Pairs are combined left to right and a trailing unpaired node is carried
// up unchanged.
type MerkleTree struct {
	// Leaves contains the level 0 digests in input order
	Leaves []types.Digest

	// Root is the merkle root, or types.ZeroDigest for an empty tree
	Root types.Digest

	hasher hasher.Hasher

	// levels[0] = leaves, levels[len-1] = [root]
	levels [][]types.Digest
}

// MerkleProof is an inclusion proof for a single leaf.
type MerkleProof struct {
	// LeafIndex is the position of the leaf in the tree
	LeafIndex int `json:"leaf_index"`

	// Leaf is the level 0 digest of the leaf being proven
	Leaf types.Digest `json:"leaf"`

	// Proof contains sibling digests ordered from the leaf level up.
	// Levels where the node was carried up contribute no element.
	Proof []types.Digest `json:"proof"`

	// Path[i] is true when Proof[i] sits to the left of the running digest
	Path []bool `json:"path"`
}
