package merkle

import (
	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// BuildMerkleTree creates a binary merkle tree from raw leaves.
// Each leaf is turned into a digest according to cfg.LeafPolicy, then the
// digests are combined pairwise with cfg.Hasher. Leaf order is preserved.
//
// An empty leaf list produces a tree whose root is types.ZeroDigest.
// A nil cfg uses DefaultTreeConfig.
func BuildMerkleTree(leaves [][]byte, cfg *TreeConfig) (*MerkleTree, error) {
	cfg = cfg.orDefault()

	digests := make([]types.Digest, len(leaves))
	for i, leaf := range leaves {
		d, err := cfg.LeafDigest(leaf)
		if err != nil {
			return nil, errors.Wrapf(err, "leaf %d", i)
		}
		digests[i] = d
	}

	return BuildFromDigests(digests, cfg.Hasher), nil
}

// BuildFromDigests builds every tree level bottom-up from level 0 digests.
// The input slice is copied.
func BuildFromDigests(digests []types.Digest, h hasher.Hasher) *MerkleTree {
	if h == nil {
		h = hasher.Default()
	}
	if len(digests) == 0 {
		return &MerkleTree{
			Leaves: []types.Digest{},
			Root:   types.ZeroDigest,
			hasher: h,
		}
	}

	leaves := make([]types.Digest, len(digests))
	copy(leaves, digests)

	levels := [][]types.Digest{leaves}
	currentLevel := leaves
	for len(currentLevel) > 1 {
		nextLevel := make([]types.Digest, 0, (len(currentLevel)+1)/2)

		for i := 0; i < len(currentLevel); i += 2 {
			if i+1 < len(currentLevel) {
				nextLevel = append(nextLevel, h.Combine(currentLevel[i], currentLevel[i+1]))
			} else {
				nextLevel = append(nextLevel, hasher.CombineOdd(currentLevel[i]))
			}
		}

		levels = append(levels, nextLevel)
		currentLevel = nextLevel
	}

	return &MerkleTree{
		Leaves: leaves,
		Root:   currentLevel[0],
		hasher: h,
		levels: levels,
	}
}

// ComputeRoot returns the root of the tree built over leaves
func ComputeRoot(leaves [][]byte, cfg *TreeConfig) (types.Digest, error) {
	tree, err := BuildMerkleTree(leaves, cfg)
	if err != nil {
		return types.Digest{}, err
	}
	return tree.GetRoot(), nil
}

// GetRoot returns the tree root, or types.ZeroDigest when the tree is empty
func (mt *MerkleTree) GetRoot() types.Digest {
	if mt == nil {
		return types.ZeroDigest
	}
	return mt.Root
}

// Hasher returns the hash function the tree was built with
func (mt *MerkleTree) Hasher() hasher.Hasher {
	return mt.hasher
}

// LeafCount returns the number of leaves in the tree
func (mt *MerkleTree) LeafCount() int {
	return len(mt.Leaves)
}

// Height returns the number of combine levels above the leaves.
// Empty and single leaf trees have height 0.
func (mt *MerkleTree) Height() int {
	if len(mt.levels) == 0 {
		return 0
	}
	return len(mt.levels) - 1
}

// Level returns a copy of level i, where level 0 holds the leaf digests.
// It returns nil when i is out of range.
func (mt *MerkleTree) Level(i int) []types.Digest {
	if i < 0 || i >= len(mt.levels) {
		return nil
	}
	out := make([]types.Digest, len(mt.levels[i]))
	copy(out, mt.levels[i])
	return out
}

// GenerateProof creates an inclusion proof for the leaf at leafIndex.
// The proof holds one sibling per level at which the node had a partner.
func (mt *MerkleTree) GenerateProof(leafIndex int) (*MerkleProof, error) {
	if leafIndex < 0 || leafIndex >= len(mt.Leaves) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "leaf index %d out of bounds (tree has %d leaves)", leafIndex, len(mt.Leaves))
	}

	proof := make([]types.Digest, 0, mt.Height())
	path := make([]bool, 0, mt.Height())
	index := leafIndex

	for level := 0; level < len(mt.levels)-1; level++ {
		currentLevel := mt.levels[level]

		siblingIndex := index ^ 1
		// Unpaired trailing node, carried up without a sibling
		if siblingIndex < len(currentLevel) {
			proof = append(proof, currentLevel[siblingIndex])
			path = append(path, index%2 == 1)
		}

		index = index / 2
	}

	return &MerkleProof{
		LeafIndex: leafIndex,
		Leaf:      mt.Leaves[leafIndex],
		Proof:     proof,
		Path:      path,
	}, nil
}

// GenerateProofForLeaves builds the tree over leaves and returns the proof for index
func GenerateProofForLeaves(leaves [][]byte, index int, cfg *TreeConfig) (*MerkleProof, error) {
	tree, err := BuildMerkleTree(leaves, cfg)
	if err != nil {
		return nil, err
	}
	return tree.GenerateProof(index)
}

// ComputeProofRoot folds a proof starting from a level 0 digest and returns
// the root it implies.
func ComputeProofRoot(leaf types.Digest, proof []types.Digest, path []bool, h hasher.Hasher) (types.Digest, error) {
	if len(proof) != len(path) {
		return types.Digest{}, errors.Wrapf(ErrInvalidProof, "proof has %d elements but path has %d flags", len(proof), len(path))
	}
	if h == nil {
		h = hasher.Default()
	}

	current := leaf
	for i, sibling := range proof {
		if path[i] {
			current = h.Combine(sibling, current)
		} else {
			current = h.Combine(current, sibling)
		}
	}
	return current, nil
}

// VerifyProof checks that leaf is included under root. The leaf is turned into
// a digest with the same policy used to build the tree.
//
// A proof whose length does not match its path returns ErrInvalidProof; a
// proof that simply does not reach root returns false with a nil error.
func VerifyProof(leaf []byte, proof []types.Digest, path []bool, root types.Digest, cfg *TreeConfig) (bool, error) {
	cfg = cfg.orDefault()

	if len(proof) != len(path) {
		return false, errors.Wrapf(ErrInvalidProof, "proof has %d elements but path has %d flags", len(proof), len(path))
	}

	digest, err := cfg.LeafDigest(leaf)
	if err != nil {
		return false, err
	}

	computed, err := ComputeProofRoot(digest, proof, path, cfg.Hasher)
	if err != nil {
		return false, err
	}
	return computed == root, nil
}

// Verify checks a generated proof against root
func (p *MerkleProof) Verify(root types.Digest, h hasher.Hasher) (bool, error) {
	if p == nil {
		return false, errors.Wrap(ErrInvalidProof, "proof is nil")
	}
	computed, err := ComputeProofRoot(p.Leaf, p.Proof, p.Path, h)
	if err != nil {
		return false, err
	}
	return computed == root, nil
}

// InsertLeaf appends newLeaf to a copy of leaves and returns the new list with
// its root. The input slice is never modified.
func InsertLeaf(leaves [][]byte, newLeaf []byte, cfg *TreeConfig) ([][]byte, types.Digest, error) {
	cfg = cfg.orDefault()

	if len(leaves) >= cfg.MaxLeaves {
		return nil, types.Digest{}, errors.Wrapf(ErrTreeFull, "tree holds %d of %d leaves", len(leaves), cfg.MaxLeaves)
	}
	if _, err := cfg.LeafDigest(newLeaf); err != nil {
		return nil, types.Digest{}, err
	}

	leafCopy := make([]byte, len(newLeaf))
	copy(leafCopy, newLeaf)

	updated := make([][]byte, len(leaves), len(leaves)+1)
	copy(updated, leaves)
	updated = append(updated, leafCopy)

	root, err := ComputeRoot(updated, cfg)
	if err != nil {
		return nil, types.Digest{}, err
	}
	return updated, root, nil
}
