package merkle

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// EncodeProof serializes a proof as
//
//	leafIndex u32 | leaf [32] | n u32 | n x [32] | path bitset
//
// Integers are little-endian. The path is packed one bit per flag.
func EncodeProof(p *MerkleProof) ([]byte, error) {
	if p == nil {
		return nil, errors.New("cannot encode nil proof")
	}
	if len(p.Proof) != len(p.Path) {
		return nil, errors.Wrapf(ErrInvalidProof, "proof has %d elements but path has %d flags", len(p.Proof), len(p.Path))
	}
	if p.LeafIndex < 0 || uint64(p.LeafIndex) > math.MaxUint32 {
		return nil, errors.Wrapf(ErrInvalidProof, "leaf index %d cannot be encoded", p.LeafIndex)
	}

	bits := bitset.MustNew(uint(len(p.Path)))
	for i, left := range p.Path {
		if left {
			bits.Set(uint(i))
		}
	}
	packedPath, err := bits.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack proof path")
	}

	buf := make([]byte, 0, 4+types.HashSize+4+len(p.Proof)*types.HashSize+len(packedPath))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.LeafIndex))
	buf = append(buf, p.Leaf[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Proof)))
	for _, sibling := range p.Proof {
		buf = append(buf, sibling[:]...)
	}
	buf = append(buf, packedPath...)
	return buf, nil
}

// DecodeProof parses the output of EncodeProof
func DecodeProof(data []byte) (*MerkleProof, error) {
	const header = 4 + types.HashSize + 4
	if len(data) < header {
		return nil, errors.Wrapf(ErrInvalidProof, "encoded proof too short: %d bytes", len(data))
	}

	p := &MerkleProof{}
	p.LeafIndex = int(binary.LittleEndian.Uint32(data[0:4]))
	copy(p.Leaf[:], data[4:4+types.HashSize])
	n := binary.LittleEndian.Uint32(data[4+types.HashSize : header])

	rest := data[header:]
	if uint64(len(rest)) < uint64(n)*types.HashSize {
		return nil, errors.Wrapf(ErrInvalidProof, "encoded proof truncated: want %d siblings", n)
	}

	p.Proof = make([]types.Digest, n)
	for i := range p.Proof {
		copy(p.Proof[i][:], rest[:types.HashSize])
		rest = rest[types.HashSize:]
	}

	// the packed path is a u64 flag count followed by 64-bit words, big-endian
	if want := 8 + 8*((uint64(n)+63)/64); uint64(len(rest)) != want {
		return nil, errors.Wrapf(ErrInvalidProof, "proof path is %d bytes, want %d", len(rest), want)
	}
	if flags := binary.BigEndian.Uint64(rest[:8]); flags != uint64(n) {
		return nil, errors.Wrapf(ErrInvalidProof, "proof path has %d flags, want %d", flags, n)
	}

	var bits bitset.BitSet
	if err := bits.UnmarshalBinary(rest); err != nil {
		return nil, errors.Wrapf(ErrInvalidProof, "invalid proof path: %v", err)
	}
	if bits.Len() != uint(n) {
		return nil, errors.Wrapf(ErrInvalidProof, "proof path has %d flags, want %d", bits.Len(), n)
	}

	p.Path = make([]bool, n)
	for i := range p.Path {
		p.Path[i] = bits.Test(uint(i))
	}
	return p, nil
}
