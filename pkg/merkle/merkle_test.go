package merkle

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// createTestLeaves creates n distinct text leaves
func createTestLeaves(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := 0; i < n; i++ {
		leaves[i] = []byte(fmt.Sprintf("leaf-%d", i))
	}
	return leaves
}

// repeatedByteLeaf returns a 32 byte leaf filled with b
func repeatedByteLeaf(b byte) []byte {
	return bytes.Repeat([]byte{b}, types.HashSize)
}

func sha(parts ...[]byte) types.Digest {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var d types.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// TestBuildMerkleTree builds trees of various sizes and checks every proof
func TestBuildMerkleTree(t *testing.T) {
	testCases := []struct {
		name      string
		numLeaves int
	}{
		{"Single leaf", 1},
		{"Two leaves", 2},
		{"Three leaves", 3},
		{"Four leaves (power of 2)", 4},
		{"Five leaves", 5},
		{"Seven leaves", 7},
		{"Eight leaves (power of 2)", 8},
		{"Fifteen leaves", 15},
		{"Sixteen leaves (power of 2)", 16},
		{"Seventeen leaves", 17},
		{"Max leaves", types.DefaultMaxLeaves},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			leaves := createTestLeaves(tc.numLeaves)
			tree, err := BuildMerkleTree(leaves, nil)
			require.NoError(t, err)
			require.NotNil(t, tree)

			require.Equal(t, tc.numLeaves, tree.LeafCount())
			require.NotEqual(t, types.ZeroDigest, tree.GetRoot())

			// Level sizes halve (rounding up) until the root
			for i := 0; i < tree.Height(); i++ {
				require.Len(t, tree.Level(i+1), (len(tree.Level(i))+1)/2)
			}
			require.Len(t, tree.Level(tree.Height()), 1)

			for i := 0; i < tc.numLeaves; i++ {
				proof, err := tree.GenerateProof(i)
				require.NoError(t, err)
				require.Equal(t, i, proof.LeafIndex)
				require.Equal(t, tree.Leaves[i], proof.Leaf)
				require.Len(t, proof.Path, len(proof.Proof))

				valid, err := VerifyProof(leaves[i], proof.Proof, proof.Path, tree.Root, nil)
				require.NoError(t, err)
				require.True(t, valid, "Proof for leaf %d should be valid", i)

				valid, err = proof.Verify(tree.Root, tree.Hasher())
				require.NoError(t, err)
				require.True(t, valid)
			}
		})
	}
}

func TestBuildMerkleTreeEmpty(t *testing.T) {
	tree, err := BuildMerkleTree(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ZeroDigest, tree.GetRoot())
	assert.Equal(t, 0, tree.LeafCount())
	assert.Equal(t, 0, tree.Height())
	assert.Nil(t, tree.Level(0))

	_, err = tree.GenerateProof(0)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))

	root, err := ComputeRoot([][]byte{}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ZeroDigest, root)
}

func TestKnownVectors(t *testing.T) {
	t.Run("single text leaf", func(t *testing.T) {
		root, err := ComputeRoot([][]byte{[]byte("Test-string1")}, nil)
		require.NoError(t, err)
		assert.Equal(t, sha([]byte("Test-string1")), root)
	})

	t.Run("two digest leaves", func(t *testing.T) {
		a, b := repeatedByteLeaf(0x01), repeatedByteLeaf(0x02)
		root, err := ComputeRoot([][]byte{a, b}, nil)
		require.NoError(t, err)
		assert.Equal(t, sha(a, b), root)
	})

	t.Run("five digest leaves carry the last node", func(t *testing.T) {
		leaves := make([][]byte, 5)
		for i := range leaves {
			leaves[i] = repeatedByteLeaf(byte(i + 1))
		}
		h12 := sha(leaves[0], leaves[1])
		h34 := sha(leaves[2], leaves[3])
		h1234 := sha(h12[:], h34[:])
		expected := sha(h1234[:], leaves[4])

		tree, err := BuildMerkleTree(leaves, nil)
		require.NoError(t, err)
		assert.Equal(t, expected, tree.GetRoot())
		assert.Equal(t, 3, tree.Height())

		level1 := tree.Level(1)
		require.Len(t, level1, 3)
		assert.Equal(t, h12, level1[0])
		assert.Equal(t, h34, level1[1])
		assert.Equal(t, types.Digest(leaves[4]), level1[2])

		// The carried leaf only has a sibling at the top level
		proof, err := tree.GenerateProof(4)
		require.NoError(t, err)
		assert.Equal(t, []types.Digest{h1234}, proof.Proof)
		assert.Equal(t, []bool{true}, proof.Path)
	})

	t.Run("three leaves", func(t *testing.T) {
		h := hasher.SHA256{}
		leaves := createTestLeaves(3)
		a, b, c := h.HashLeaf(leaves[0]), h.HashLeaf(leaves[1]), h.HashLeaf(leaves[2])

		root, err := ComputeRoot(leaves, nil)
		require.NoError(t, err)
		assert.Equal(t, h.Combine(h.Combine(a, b), c), root)
	})
}

func TestDeterminismAndOrder(t *testing.T) {
	leaves := createTestLeaves(6)

	root1, err := ComputeRoot(leaves, nil)
	require.NoError(t, err)
	root2, err := ComputeRoot(createTestLeaves(6), nil)
	require.NoError(t, err)
	assert.Equal(t, root1, root2)

	swapped := createTestLeaves(6)
	swapped[1], swapped[2] = swapped[2], swapped[1]
	root3, err := ComputeRoot(swapped, nil)
	require.NoError(t, err)
	assert.NotEqual(t, root1, root3)

	changed := createTestLeaves(6)
	changed[5] = []byte("leaf-5!")
	root4, err := ComputeRoot(changed, nil)
	require.NoError(t, err)
	assert.NotEqual(t, root1, root4)
}

func TestDuplicateLeaves(t *testing.T) {
	leaves := [][]byte{[]byte("same"), []byte("same"), []byte("same")}
	tree, err := BuildMerkleTree(leaves, nil)
	require.NoError(t, err)

	for i := range leaves {
		proof, err := tree.GenerateProof(i)
		require.NoError(t, err)
		valid, err := VerifyProof(leaves[i], proof.Proof, proof.Path, tree.Root, nil)
		require.NoError(t, err)
		assert.True(t, valid)
	}
}

func TestLeafPolicies(t *testing.T) {
	digestLeaf := repeatedByteLeaf(0xaa)
	textLeaf := []byte("not a digest")

	t.Run("auto", func(t *testing.T) {
		cfg := DefaultTreeConfig()
		d, err := cfg.LeafDigest(digestLeaf)
		require.NoError(t, err)
		assert.Equal(t, types.Digest(digestLeaf), d)

		d, err = cfg.LeafDigest(textLeaf)
		require.NoError(t, err)
		assert.Equal(t, sha(textLeaf), d)
	})

	t.Run("hash", func(t *testing.T) {
		cfg := &TreeConfig{LeafPolicy: LeafPolicyHash}
		d, err := cfg.LeafDigest(digestLeaf)
		require.NoError(t, err)
		assert.Equal(t, sha(digestLeaf), d)
	})

	t.Run("raw", func(t *testing.T) {
		cfg := &TreeConfig{LeafPolicy: LeafPolicyRaw}
		d, err := cfg.LeafDigest(digestLeaf)
		require.NoError(t, err)
		assert.Equal(t, types.Digest(digestLeaf), d)

		_, err = cfg.LeafDigest(textLeaf)
		assert.True(t, errors.Is(err, ErrInvalidLeaf))

		_, err = BuildMerkleTree([][]byte{digestLeaf, textLeaf}, cfg)
		assert.True(t, errors.Is(err, ErrInvalidLeaf))
	})

	t.Run("parse", func(t *testing.T) {
		p, err := ParseLeafPolicy("")
		require.NoError(t, err)
		assert.Equal(t, LeafPolicyAuto, p)

		_, err = ParseLeafPolicy("double")
		assert.Error(t, err)
	})
}

func TestAlternativeHashers(t *testing.T) {
	leaves := createTestLeaves(9)

	roots := map[string]types.Digest{}
	for _, name := range hasher.Names() {
		cfg, err := NewTreeConfig(name, "", 0)
		require.NoError(t, err)
		assert.Equal(t, types.DefaultMaxLeaves, cfg.MaxLeaves)

		tree, err := BuildMerkleTree(leaves, cfg)
		require.NoError(t, err)
		roots[name] = tree.Root

		proof, err := tree.GenerateProof(7)
		require.NoError(t, err)
		valid, err := VerifyProof(leaves[7], proof.Proof, proof.Path, tree.Root, cfg)
		require.NoError(t, err)
		assert.True(t, valid, "hasher %s", name)

		// Verifying under a different hasher must not succeed
		valid, err = VerifyProof(leaves[7], proof.Proof, proof.Path, tree.Root, DefaultTreeConfig())
		require.NoError(t, err)
		assert.Equal(t, name == hasher.NameSHA256, valid)
	}
	assert.Len(t, roots, 3)
	assert.NotEqual(t, roots[hasher.NameSHA256], roots[hasher.NameKeccak256])
	assert.NotEqual(t, roots[hasher.NameSHA256], roots[hasher.NameBlake2b256])

	_, err := NewTreeConfig("sha1", "", 0)
	assert.Error(t, err)
	_, err = NewTreeConfig("", "bogus", 0)
	assert.Error(t, err)
}

func TestGenerateProofOutOfRange(t *testing.T) {
	tree, err := BuildMerkleTree(createTestLeaves(4), nil)
	require.NoError(t, err)

	for _, idx := range []int{-1, 4, 100} {
		_, err := tree.GenerateProof(idx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrIndexOutOfRange))
		assert.Contains(t, err.Error(), "out of bounds")
	}

	_, err = GenerateProofForLeaves(createTestLeaves(4), 4, nil)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
}

// TestMerkleProofVerification tests that tampering with any input breaks verification
func TestMerkleProofVerification(t *testing.T) {
	leaves := createTestLeaves(10)
	tree, err := BuildMerkleTree(leaves, nil)
	require.NoError(t, err)

	proof, err := GenerateProofForLeaves(leaves, 3, nil)
	require.NoError(t, err)

	t.Run("Valid proof", func(t *testing.T) {
		valid, err := VerifyProof(leaves[3], proof.Proof, proof.Path, tree.Root, nil)
		require.NoError(t, err)
		require.True(t, valid)
	})

	t.Run("Wrong leaf", func(t *testing.T) {
		valid, err := VerifyProof(leaves[4], proof.Proof, proof.Path, tree.Root, nil)
		require.NoError(t, err)
		require.False(t, valid)
	})

	t.Run("Flipped sibling bit", func(t *testing.T) {
		tampered := make([]types.Digest, len(proof.Proof))
		copy(tampered, proof.Proof)
		tampered[0][0] ^= 0x01
		valid, err := VerifyProof(leaves[3], tampered, proof.Path, tree.Root, nil)
		require.NoError(t, err)
		require.False(t, valid)
	})

	t.Run("Flipped direction", func(t *testing.T) {
		path := make([]bool, len(proof.Path))
		copy(path, proof.Path)
		path[0] = !path[0]
		valid, err := VerifyProof(leaves[3], proof.Proof, path, tree.Root, nil)
		require.NoError(t, err)
		require.False(t, valid)
	})

	t.Run("Wrong root", func(t *testing.T) {
		root := tree.Root
		root[31] ^= 0x80
		valid, err := VerifyProof(leaves[3], proof.Proof, proof.Path, root, nil)
		require.NoError(t, err)
		require.False(t, valid)
	})

	t.Run("Length mismatch", func(t *testing.T) {
		valid, err := VerifyProof(leaves[3], proof.Proof, proof.Path[1:], tree.Root, nil)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrInvalidProof))
		require.False(t, valid)
	})

	t.Run("Nil proof", func(t *testing.T) {
		var nilProof *MerkleProof
		_, err := nilProof.Verify(tree.Root, nil)
		require.True(t, errors.Is(err, ErrInvalidProof))
	})
}

func TestSingleLeafProof(t *testing.T) {
	leaf := []byte("only")
	tree, err := BuildMerkleTree([][]byte{leaf}, nil)
	require.NoError(t, err)
	assert.Equal(t, sha(leaf), tree.Root)

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)
	assert.Empty(t, proof.Proof)
	assert.Empty(t, proof.Path)

	valid, err := VerifyProof(leaf, nil, nil, tree.Root, nil)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestInsertLeaf(t *testing.T) {
	cfg := &TreeConfig{MaxLeaves: 4}

	var leaves [][]byte
	var lastRoot types.Digest
	for i := 0; i < 4; i++ {
		updated, root, err := InsertLeaf(leaves, []byte(fmt.Sprintf("leaf-%d", i)), cfg)
		require.NoError(t, err)
		require.Len(t, updated, i+1)
		require.NotEqual(t, lastRoot, root)

		expected, err := ComputeRoot(updated, cfg)
		require.NoError(t, err)
		require.Equal(t, expected, root)

		leaves = updated
		lastRoot = root
	}

	before := make([][]byte, len(leaves))
	copy(before, leaves)

	_, _, err := InsertLeaf(leaves, []byte("overflow"), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTreeFull))
	assert.Equal(t, before, leaves)
}

func TestInsertLeafDoesNotMutateInput(t *testing.T) {
	leaves := make([][]byte, 2, 8)
	leaves[0] = []byte("a")
	leaves[1] = []byte("b")

	newLeaf := []byte("c")
	updated, _, err := InsertLeaf(leaves, newLeaf, nil)
	require.NoError(t, err)
	require.Len(t, updated, 3)
	assert.Len(t, leaves, 2)

	// Spare capacity in the input must not be written
	assert.Nil(t, leaves[:3][2])

	newLeaf[0] = 'z'
	assert.Equal(t, []byte("c"), updated[2])
}

func TestInsertLeafDefaultCapacity(t *testing.T) {
	leaves := createTestLeaves(types.DefaultMaxLeaves)
	_, _, err := InsertLeaf(leaves, []byte("one more"), nil)
	assert.True(t, errors.Is(err, ErrTreeFull))

	_, _, err = InsertLeaf(leaves[:types.DefaultMaxLeaves-1], []byte("last"), nil)
	assert.NoError(t, err)
}

func TestInsertLeafInvalid(t *testing.T) {
	cfg := &TreeConfig{LeafPolicy: LeafPolicyRaw}
	_, _, err := InsertLeaf(nil, []byte("short"), cfg)
	assert.True(t, errors.Is(err, ErrInvalidLeaf))
}

func TestRandomDigestLeaves(t *testing.T) {
	leaves := make([][]byte, 33)
	for i := range leaves {
		leaves[i] = make([]byte, types.HashSize)
		_, _ = rand.Read(leaves[i])
	}

	cfg := &TreeConfig{LeafPolicy: LeafPolicyRaw}
	tree, err := BuildMerkleTree(leaves, cfg)
	require.NoError(t, err)
	for i := range leaves {
		assert.Equal(t, types.Digest(leaves[i]), tree.Leaves[i])
		proof, err := tree.GenerateProof(i)
		require.NoError(t, err)
		valid, err := VerifyProof(leaves[i], proof.Proof, proof.Path, tree.Root, cfg)
		require.NoError(t, err)
		assert.True(t, valid)
	}
}
