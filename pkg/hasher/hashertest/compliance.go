// Package hashertest contains a compliance suite for hasher.Hasher implementations.
package hashertest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

type HasherFactory func() hasher.Hasher

func TestHasherCompliance(t *testing.T, f HasherFactory) {
	t.Run("name resolves", func(t *testing.T) {
		t.Parallel()

		h := f()
		resolved, err := hasher.FromName(h.Name())
		require.NoError(t, err)
		require.Equal(t, h.Name(), resolved.Name())
	})

	t.Run("leaf is deterministic", func(t *testing.T) {
		t.Parallel()

		h := f()
		require.Equal(t, h.HashLeaf([]byte("deterministic_data")), h.HashLeaf([]byte("deterministic_data")))
	})

	t.Run("leaf respects content", func(t *testing.T) {
		t.Parallel()

		h := f()
		require.NotEqual(t, h.HashLeaf([]byte("hello")), h.HashLeaf([]byte("hellp")))
		require.NotEqual(t, types.ZeroDigest, h.HashLeaf(nil))
	})

	t.Run("combine is deterministic", func(t *testing.T) {
		t.Parallel()

		h := f()
		l := h.HashLeaf([]byte("left"))
		r := h.HashLeaf([]byte("right"))
		require.Equal(t, h.Combine(l, r), h.Combine(l, r))
	})

	t.Run("combine respects order", func(t *testing.T) {
		t.Parallel()

		h := f()
		l := h.HashLeaf([]byte("left"))
		r := h.HashLeaf([]byte("right"))
		require.NotEqual(t, h.Combine(l, r), h.Combine(r, l))
	})

	t.Run("combine is hash of concatenation", func(t *testing.T) {
		t.Parallel()

		h := f()
		var l, r types.Digest
		for i := range l {
			l[i] = 0x01
			r[i] = 0x02
		}
		buf := append(l.Bytes(), r.Bytes()...)
		require.Equal(t, h.HashLeaf(buf), h.Combine(l, r))
	})

	t.Run("odd node is carried up", func(t *testing.T) {
		t.Parallel()

		h := f()
		d := h.HashLeaf([]byte("alone"))
		require.Equal(t, d, hasher.CombineOdd(d))
	})
}
