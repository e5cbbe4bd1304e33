package account

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/events"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/merkle"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence/memory"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

const testAuthority = "0xauthority"

func newTestLedger(t *testing.T) (*Ledger, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus(zap.NewNop(), 100)
	store := memory.NewMemoryPersistence()
	l, err := NewLedger(store, bus, Config{VerifyWorkers: 4, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
		bus.Close()
		_ = store.Close()
	})
	return l, bus
}

func initAccount(t *testing.T, l *Ledger, id string, maxLeaves uint32) *types.MerkleAccount {
	t.Helper()
	a, err := l.Initialize(context.Background(), InitializeParams{
		AccountID: id,
		Authority: testAuthority,
		MaxLeaves: maxLeaves,
	})
	require.NoError(t, err)
	return a
}

func TestNewLedger(t *testing.T) {
	t.Run("nil store", func(t *testing.T) {
		_, err := NewLedger(nil, nil, Config{})
		assert.Error(t, err)
	})

	t.Run("bad defaults", func(t *testing.T) {
		_, err := NewLedger(memory.NewMemoryPersistence(), nil, Config{DefaultHashFunction: "md5", Logger: zap.NewNop()})
		assert.Error(t, err)
	})

	t.Run("no event bus", func(t *testing.T) {
		l, err := NewLedger(memory.NewMemoryPersistence(), nil, Config{Logger: zap.NewNop()})
		require.NoError(t, err)
		defer l.Close()

		initAccount(t, l, "quiet", 0)
		_, err = l.InsertLeaf(context.Background(), "quiet", testAuthority, []byte("leaf"))
		assert.NoError(t, err)
	})
}

func TestLedger_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		l, _ := newTestLedger(t)
		a := initAccount(t, l, "acct-1", 0)

		assert.Equal(t, "acct-1", a.ID)
		assert.Equal(t, testAuthority, a.Authority)
		assert.Equal(t, hasher.NameSHA256, a.HashFunction)
		assert.Equal(t, string(merkle.LeafPolicyAuto), a.LeafPolicy)
		assert.Equal(t, uint32(types.DefaultMaxLeaves), a.MaxLeaves)
		assert.True(t, a.Root.IsZero())
		assert.Zero(t, a.LeafCount)
		assert.Empty(t, a.Leaves)

		stored, err := l.GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, a, stored)
	})

	t.Run("explicit parameters", func(t *testing.T) {
		l, _ := newTestLedger(t)
		a, err := l.Initialize(ctx, InitializeParams{
			AccountID:    "acct-keccak",
			Authority:    testAuthority,
			HashFunction: "KECCAK256",
			LeafPolicy:   "hash",
			MaxLeaves:    4,
		})
		require.NoError(t, err)
		assert.Equal(t, hasher.NameKeccak256, a.HashFunction)
		assert.Equal(t, "hash", a.LeafPolicy)
		assert.Equal(t, uint32(4), a.MaxLeaves)
	})

	t.Run("duplicate", func(t *testing.T) {
		l, _ := newTestLedger(t)
		initAccount(t, l, "dup", 0)
		_, err := l.Initialize(ctx, InitializeParams{AccountID: "dup", Authority: "someone-else"})
		assert.True(t, errors.Is(err, ErrAccountExists))
	})

	invalid := []struct {
		name   string
		params InitializeParams
	}{
		{"empty id", InitializeParams{Authority: testAuthority}},
		{"id with slash", InitializeParams{AccountID: "a/b", Authority: testAuthority}},
		{"empty authority", InitializeParams{AccountID: "ok"}},
		{"unknown hash", InitializeParams{AccountID: "ok", Authority: testAuthority, HashFunction: "md5"}},
		{"unknown policy", InitializeParams{AccountID: "ok", Authority: testAuthority, LeafPolicy: "double"}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			_, err := l.Initialize(ctx, tt.params)
			assert.True(t, errors.Is(err, ErrInvalidAccount), "got %v", err)
		})
	}
}

func TestLedger_InsertLeaf(t *testing.T) {
	ctx := context.Background()

	t.Run("root follows leaves", func(t *testing.T) {
		l, _ := newTestLedger(t)
		initAccount(t, l, "acct", 0)

		var leaves [][]byte
		for i := 0; i < 7; i++ {
			leaf := []byte(fmt.Sprintf("leaf-%d", i))
			leaves = append(leaves, leaf)

			res, err := l.InsertLeaf(ctx, "acct", testAuthority, leaf)
			require.NoError(t, err)
			assert.Equal(t, uint32(i), res.Index)
			assert.Equal(t, uint32(i+1), res.LeafCount)

			expected, err := merkle.ComputeRoot(leaves, nil)
			require.NoError(t, err)
			assert.Equal(t, expected, res.Root)
		}

		a, err := l.GetAccount(ctx, "acct")
		require.NoError(t, err)
		assert.Equal(t, leaves, a.Leaves)
		assert.Equal(t, uint32(7), a.LeafCount)
	})

	t.Run("single leaf root is its hash", func(t *testing.T) {
		l, _ := newTestLedger(t)
		initAccount(t, l, "acct", 0)

		res, err := l.InsertLeaf(ctx, "acct", testAuthority, []byte("Test-string1"))
		require.NoError(t, err)
		assert.Equal(t, types.Digest(sha256.Sum256([]byte("Test-string1"))), res.Root)
	})

	t.Run("unauthorized", func(t *testing.T) {
		l, _ := newTestLedger(t)
		initAccount(t, l, "acct", 0)

		_, err := l.InsertLeaf(ctx, "acct", "0xintruder", []byte("leaf"))
		assert.True(t, errors.Is(err, ErrUnauthorized))

		a, err := l.GetAccount(ctx, "acct")
		require.NoError(t, err)
		assert.Zero(t, a.LeafCount)
	})

	t.Run("not found", func(t *testing.T) {
		l, _ := newTestLedger(t)
		_, err := l.InsertLeaf(ctx, "missing", testAuthority, []byte("leaf"))
		assert.True(t, errors.Is(err, ErrAccountNotFound))
	})

	t.Run("tree full", func(t *testing.T) {
		l, _ := newTestLedger(t)
		initAccount(t, l, "small", 2)

		_, err := l.InsertLeaf(ctx, "small", testAuthority, []byte("a"))
		require.NoError(t, err)
		_, err = l.InsertLeaf(ctx, "small", testAuthority, []byte("b"))
		require.NoError(t, err)

		before, err := l.GetAccount(ctx, "small")
		require.NoError(t, err)

		_, err = l.InsertLeaf(ctx, "small", testAuthority, []byte("c"))
		assert.True(t, errors.Is(err, merkle.ErrTreeFull))

		after, err := l.GetAccount(ctx, "small")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("raw policy rejects short leaf", func(t *testing.T) {
		l, _ := newTestLedger(t)
		_, err := l.Initialize(ctx, InitializeParams{AccountID: "raw", Authority: testAuthority, LeafPolicy: "raw"})
		require.NoError(t, err)

		_, err = l.InsertLeaf(ctx, "raw", testAuthority, []byte("short"))
		assert.True(t, errors.Is(err, merkle.ErrInvalidLeaf))
	})

	t.Run("publishes event", func(t *testing.T) {
		l, bus := newTestLedger(t)
		initAccount(t, l, "acct", 0)
		initAccount(t, l, "other", 0)

		sub := bus.Subscribe("acct")
		defer sub.Close()

		res, err := l.InsertLeaf(ctx, "acct", testAuthority, []byte("hello"))
		require.NoError(t, err)
		_, err = l.InsertLeaf(ctx, "other", testAuthority, []byte("ignored"))
		require.NoError(t, err)

		select {
		case ev := <-sub.Events:
			assert.Equal(t, "acct", ev.AccountID)
			assert.Equal(t, []byte("hello"), []byte(ev.Leaf))
			assert.Equal(t, res.Index, ev.Index)
			assert.Equal(t, res.Root, ev.Root)
			assert.Equal(t, res.LeafCount, ev.LeafCount)
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("expected a LeafInserted event")
		}
		assert.Len(t, sub.Events, 0)
	})

	t.Run("concurrent inserts are serialized", func(t *testing.T) {
		l, _ := newTestLedger(t)
		initAccount(t, l, "busy", 0)

		const n = 32
		indexes := make([]uint32, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := l.InsertLeaf(ctx, "busy", testAuthority, []byte(fmt.Sprintf("leaf-%d", i)))
				assert.NoError(t, err)
				if res != nil {
					indexes[i] = res.Index
				}
			}(i)
		}
		wg.Wait()

		seen := make(map[uint32]bool)
		for _, idx := range indexes {
			assert.False(t, seen[idx], "index %d assigned twice", idx)
			seen[idx] = true
		}

		a, err := l.GetAccount(ctx, "busy")
		require.NoError(t, err)
		assert.Equal(t, uint32(n), a.LeafCount)
		expected, err := merkle.ComputeRoot(a.Leaves, nil)
		require.NoError(t, err)
		assert.Equal(t, expected, a.Root)
	})
}

func TestLedger_ListAccounts(t *testing.T) {
	l, _ := newTestLedger(t)

	ids, err := l.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	initAccount(t, l, "b", 0)
	initAccount(t, l, "a", 0)
	initAccount(t, l, "c", 0)

	ids, err = l.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestLedger_Proofs(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	initAccount(t, l, "acct", 0)

	var leaves [][]byte
	for i := 0; i < 5; i++ {
		leaf := []byte(fmt.Sprintf("leaf-%d", i))
		leaves = append(leaves, leaf)
		_, err := l.InsertLeaf(ctx, "acct", testAuthority, leaf)
		require.NoError(t, err)
	}

	t.Run("every index verifies", func(t *testing.T) {
		for i := range leaves {
			proof, root, err := l.GenerateProof(ctx, "acct", i)
			require.NoError(t, err)

			valid, checkedRoot, err := l.VerifyProof(ctx, "acct", leaves[i], proof.Proof, proof.Path)
			require.NoError(t, err)
			assert.True(t, valid, "index %d", i)
			assert.Equal(t, root, checkedRoot)
		}
	})

	t.Run("wrong leaf is false not error", func(t *testing.T) {
		proof, _, err := l.GenerateProof(ctx, "acct", 0)
		require.NoError(t, err)

		valid, _, err := l.VerifyProof(ctx, "acct", []byte("forged"), proof.Proof, proof.Path)
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("length mismatch", func(t *testing.T) {
		proof, _, err := l.GenerateProof(ctx, "acct", 0)
		require.NoError(t, err)

		_, _, err = l.VerifyProof(ctx, "acct", leaves[0], proof.Proof, proof.Path[:1])
		assert.True(t, errors.Is(err, merkle.ErrInvalidProof))
	})

	t.Run("index out of range", func(t *testing.T) {
		_, _, err := l.GenerateProof(ctx, "acct", 5)
		assert.True(t, errors.Is(err, merkle.ErrIndexOutOfRange))
		_, _, err = l.GenerateProof(ctx, "acct", -1)
		assert.True(t, errors.Is(err, merkle.ErrIndexOutOfRange))
	})

	t.Run("unknown account", func(t *testing.T) {
		_, _, err := l.GenerateProof(ctx, "missing", 0)
		assert.True(t, errors.Is(err, ErrAccountNotFound))
		_, _, err = l.VerifyProof(ctx, "missing", []byte("x"), nil, nil)
		assert.True(t, errors.Is(err, ErrAccountNotFound))
	})

	t.Run("batch", func(t *testing.T) {
		var items []types.VerifyRequest
		for i := range leaves {
			proof, _, err := l.GenerateProof(ctx, "acct", i)
			require.NoError(t, err)
			item := types.VerifyRequest{Proof: proof.Proof, Path: proof.Path}
			item.Text = string(leaves[i])
			if i == 3 {
				item.Text = "tampered"
			}
			items = append(items, item)
		}

		results, root, err := l.VerifyBatch(ctx, "acct", items)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true, true, false, true}, results)

		a, err := l.GetAccount(ctx, "acct")
		require.NoError(t, err)
		assert.Equal(t, a.Root, root)
	})

	t.Run("batch empty", func(t *testing.T) {
		results, _, err := l.VerifyBatch(ctx, "acct", nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("batch item without leaf", func(t *testing.T) {
		_, _, err := l.VerifyBatch(ctx, "acct", []types.VerifyRequest{{}})
		assert.True(t, errors.Is(err, merkle.ErrInvalidLeaf))
	})

	t.Run("batch canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		item := types.VerifyRequest{}
		item.Text = "leaf-0"
		_, _, err := l.VerifyBatch(canceled, "acct", []types.VerifyRequest{item})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLedger_Execute(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	res, err := l.Execute(ctx, &types.InitializeInstruction{AccountID: "acct", Authority: testAuthority})
	require.NoError(t, err)
	assert.Equal(t, types.InstructionInitialize, res.Kind)
	require.NotNil(t, res.Root)
	assert.True(t, res.Root.IsZero())
	require.NotNil(t, res.LeafCount)
	assert.Zero(t, *res.LeafCount)

	insert := &types.InsertLeafInstruction{AccountID: "acct", Authority: testAuthority}
	insert.Text = "first"
	res, err = l.Execute(ctx, insert)
	require.NoError(t, err)
	assert.Equal(t, types.InstructionInsertLeaf, res.Kind)
	require.NotNil(t, res.Index)
	assert.Zero(t, *res.Index)
	assert.Equal(t, types.Digest(sha256.Sum256([]byte("first"))), *res.Root)

	verify := &types.VerifyProofInstruction{AccountID: "acct", Proof: []types.Digest{}, Path: []bool{}}
	verify.Text = "first"
	res, err = l.Execute(ctx, verify)
	require.NoError(t, err)
	assert.Equal(t, types.InstructionVerifyProof, res.Kind)
	require.NotNil(t, res.Valid)
	assert.True(t, *res.Valid)

	t.Run("unauthorized insert", func(t *testing.T) {
		bad := &types.InsertLeafInstruction{AccountID: "acct", Authority: "0xintruder"}
		bad.Text = "second"
		_, err := l.Execute(ctx, bad)
		assert.True(t, errors.Is(err, ErrUnauthorized))
	})

	t.Run("insert without leaf", func(t *testing.T) {
		_, err := l.Execute(ctx, &types.InsertLeafInstruction{AccountID: "acct", Authority: testAuthority})
		assert.True(t, errors.Is(err, merkle.ErrInvalidLeaf))
	})

	t.Run("decoded envelope", func(t *testing.T) {
		instr, err := types.DecodeInstruction([]byte(`{"kind":"insert_leaf","payload":{"account_id":"acct","authority":"0xauthority","text":"second"}}`))
		require.NoError(t, err)
		res, err := l.Execute(ctx, instr)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), *res.Index)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := l.Execute(ctx, nil)
		assert.Error(t, err)
	})
}
