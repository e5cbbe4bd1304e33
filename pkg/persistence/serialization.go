package persistence

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

// accountRecordVersion is the first byte of every encoded account
const accountRecordVersion byte = 1

// MarshalAccount serializes a MerkleAccount to its binary record form:
//
//	version u8 | id | authority | hash function | leaf policy
//	| maxLeaves u32 | root [32] | leafCount u32 | leafCount x (len u32 | bytes)
//
// Strings are length-prefixed with a u32. All integers are little-endian.
func MarshalAccount(account *types.MerkleAccount) ([]byte, error) {
	if account == nil {
		return nil, errors.New("cannot marshal nil MerkleAccount")
	}
	if err := account.Validate(); err != nil {
		return nil, errors.Wrap(err, "cannot marshal invalid MerkleAccount")
	}

	size := 1 + 4*4 + len(account.ID) + len(account.Authority) + len(account.HashFunction) + len(account.LeafPolicy) +
		4 + types.HashSize + 4
	for _, leaf := range account.Leaves {
		size += 4 + len(leaf)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, accountRecordVersion)
	buf = appendBytes(buf, []byte(account.ID))
	buf = appendBytes(buf, []byte(account.Authority))
	buf = appendBytes(buf, []byte(account.HashFunction))
	buf = appendBytes(buf, []byte(account.LeafPolicy))
	buf = binary.LittleEndian.AppendUint32(buf, account.MaxLeaves)
	buf = append(buf, account.Root[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, account.LeafCount)
	for _, leaf := range account.Leaves {
		buf = appendBytes(buf, leaf)
	}
	return buf, nil
}

// UnmarshalAccount deserializes a MerkleAccount from its binary record form.
// Truncated records, trailing bytes and unknown versions are rejected with
// ErrCorruptRecord.
func UnmarshalAccount(data []byte) (*types.MerkleAccount, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot unmarshal empty data")
	}

	r := &recordReader{data: data}
	version, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if version != accountRecordVersion {
		return nil, errors.Wrapf(ErrCorruptRecord, "unsupported record version %d", version)
	}

	account := &types.MerkleAccount{}
	for _, field := range []*string{&account.ID, &account.Authority, &account.HashFunction, &account.LeafPolicy} {
		b, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		*field = string(b)
	}

	if account.MaxLeaves, err = r.readUint32(); err != nil {
		return nil, err
	}
	root, err := r.readFixed(types.HashSize)
	if err != nil {
		return nil, err
	}
	copy(account.Root[:], root)

	if account.LeafCount, err = r.readUint32(); err != nil {
		return nil, err
	}
	if account.LeafCount > account.MaxLeaves {
		return nil, errors.Wrapf(ErrCorruptRecord, "leaf count %d exceeds capacity %d", account.LeafCount, account.MaxLeaves)
	}

	account.Leaves = make([][]byte, account.LeafCount)
	for i := range account.Leaves {
		if account.Leaves[i], err = r.readBytes(); err != nil {
			return nil, err
		}
	}

	if len(r.data) != r.off {
		return nil, errors.Wrapf(ErrCorruptRecord, "%d trailing bytes", len(r.data)-r.off)
	}
	if err := account.Validate(); err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "%v", err)
	}
	return account, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

type recordReader struct {
	data []byte
	off  int
}

func (r *recordReader) readFixed(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, errors.Wrapf(ErrCorruptRecord, "truncated at offset %d: need %d bytes, have %d", r.off, n, len(r.data)-r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *recordReader) readByte() (byte, error) {
	b, err := r.readFixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *recordReader) readUint32() (uint32, error) {
	b, err := r.readFixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// readBytes reads a length-prefixed field and returns a copy
func (r *recordReader) readBytes() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.data)-r.off) {
		return nil, errors.Wrapf(ErrCorruptRecord, "field length %d exceeds remaining %d bytes", n, len(r.data)-r.off)
	}
	b, err := r.readFixed(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
