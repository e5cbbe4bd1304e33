package account

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/events"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/hasher"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/logger"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/merkle"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/persistence"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

const DefaultVerifyWorkers = 8

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Config holds ledger configuration
type Config struct {
	// Defaults applied when an initialize request leaves a field empty
	DefaultHashFunction string
	DefaultLeafPolicy   string
	DefaultMaxLeaves    uint32

	// VerifyWorkers is the size of the batch verification pool
	VerifyWorkers int

	Logger *zap.Logger // Optional logger, will create default if nil
}

// InitializeParams describes a new account
type InitializeParams struct {
	AccountID    string
	Authority    string
	HashFunction string
	LeafPolicy   string
	MaxLeaves    uint32
}

// InsertResult is the outcome of a committed leaf insertion
type InsertResult struct {
	AccountID string
	Index     uint32
	Root      types.Digest
	LeafCount uint32
}

// Ledger owns the authoritative leaf list and root of every merkle account.
// Leaves are only ever changed inside persistence.UpdateAccount, so each
// insert is a serialized load, append, rebuild and store.
type Ledger struct {
	store  persistence.IAccountPersistence
	events events.IEventBus
	pool   *ants.Pool
	cfg    Config
	logger *zap.Logger

	closeOnce sync.Once
}

// NewLedger creates a ledger on top of store. bus may be nil, in which case
// no events are published.
func NewLedger(store persistence.IAccountPersistence, bus events.IEventBus, cfg Config) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("account store cannot be nil")
	}

	l := cfg.Logger
	if l == nil {
		l, _ = logger.NewLogger(&logger.LoggerConfig{Debug: false})
	}
	if cfg.DefaultHashFunction == "" {
		cfg.DefaultHashFunction = hasher.DefaultName
	}
	if cfg.DefaultLeafPolicy == "" {
		cfg.DefaultLeafPolicy = string(merkle.DefaultLeafPolicy)
	}
	if cfg.DefaultMaxLeaves == 0 {
		cfg.DefaultMaxLeaves = types.DefaultMaxLeaves
	}
	if cfg.VerifyWorkers <= 0 {
		cfg.VerifyWorkers = DefaultVerifyWorkers
	}
	if _, err := merkle.NewTreeConfig(cfg.DefaultHashFunction, cfg.DefaultLeafPolicy, cfg.DefaultMaxLeaves); err != nil {
		return nil, errors.Wrap(err, "invalid ledger defaults")
	}

	pool, err := ants.NewPool(cfg.VerifyWorkers, ants.WithPanicHandler(func(p any) {
		l.Sugar().Errorw("Verification worker panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create verification pool: %w", err)
	}

	return &Ledger{
		store:  store,
		events: bus,
		pool:   pool,
		cfg:    cfg,
		logger: l,
	}, nil
}

// Initialize creates an empty account: zero root, no leaves
func (l *Ledger) Initialize(ctx context.Context, params InitializeParams) (*types.MerkleAccount, error) {
	if !accountIDPattern.MatchString(params.AccountID) {
		return nil, errors.Wrapf(ErrInvalidAccount, "account id %q must be 1-128 characters of [A-Za-z0-9._:-]", params.AccountID)
	}
	if params.Authority == "" {
		return nil, errors.Wrap(ErrInvalidAccount, "authority is required")
	}

	hashFunction := params.HashFunction
	if hashFunction == "" {
		hashFunction = l.cfg.DefaultHashFunction
	}
	leafPolicy := params.LeafPolicy
	if leafPolicy == "" {
		leafPolicy = l.cfg.DefaultLeafPolicy
	}
	maxLeaves := params.MaxLeaves
	if maxLeaves == 0 {
		maxLeaves = l.cfg.DefaultMaxLeaves
	}

	treeCfg, err := merkle.NewTreeConfig(hashFunction, leafPolicy, maxLeaves)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAccount, "%v", err)
	}

	account := &types.MerkleAccount{
		ID:           params.AccountID,
		Authority:    params.Authority,
		HashFunction: treeCfg.Hasher.Name(),
		LeafPolicy:   string(treeCfg.LeafPolicy),
		MaxLeaves:    maxLeaves,
		Root:         types.ZeroDigest,
		LeafCount:    0,
		Leaves:       [][]byte{},
	}

	if err := l.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, persistence.ErrAccountExists) {
			return nil, errors.Wrapf(ErrAccountExists, "account %s", params.AccountID)
		}
		return nil, fmt.Errorf("failed to create account %s: %w", params.AccountID, err)
	}

	l.logger.Sugar().Infow("Initialized merkle account",
		"account", account.ID,
		"authority", account.Authority,
		"hash_function", account.HashFunction,
		"leaf_policy", account.LeafPolicy,
		"max_leaves", account.MaxLeaves,
	)
	return account, nil
}

// InsertLeaf appends leaf to the account and publishes a LeafInsertedEvent
// once the new root is stored.
func (l *Ledger) InsertLeaf(ctx context.Context, accountID, authority string, leaf []byte) (*InsertResult, error) {
	updated, err := l.store.UpdateAccount(ctx, accountID, func(a *types.MerkleAccount) (*types.MerkleAccount, error) {
		if a.Authority != authority {
			return nil, errors.Wrapf(ErrUnauthorized, "account %s", a.ID)
		}
		treeCfg, err := merkle.TreeConfigForAccount(a)
		if err != nil {
			return nil, errors.Wrapf(err, "account %s has unusable tree parameters", a.ID)
		}
		leaves, root, err := merkle.InsertLeaf(a.Leaves, leaf, treeCfg)
		if err != nil {
			return nil, err
		}
		a.Leaves = leaves
		a.Root = root
		a.LeafCount = uint32(len(leaves))
		return a, nil
	})
	if err != nil {
		return nil, l.mapStoreError(accountID, err)
	}

	result := &InsertResult{
		AccountID: updated.ID,
		Index:     updated.LeafCount - 1,
		Root:      updated.Root,
		LeafCount: updated.LeafCount,
	}

	l.logger.Sugar().Infow("Inserted leaf",
		"account", result.AccountID,
		"index", result.Index,
		"root", result.Root.Hex(),
	)

	if l.events != nil {
		leafCopy := make([]byte, len(leaf))
		copy(leafCopy, leaf)
		l.events.Publish(ctx, &types.LeafInsertedEvent{
			AccountID: result.AccountID,
			Leaf:      leafCopy,
			Index:     result.Index,
			Root:      result.Root,
			LeafCount: result.LeafCount,
		})
	}
	return result, nil
}

// GetAccount returns the stored account
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*types.MerkleAccount, error) {
	account, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	if account == nil {
		return nil, errors.Wrapf(ErrAccountNotFound, "account %s", accountID)
	}
	return account, nil
}

// ListAccounts returns every account id in ascending order
func (l *Ledger) ListAccounts(ctx context.Context) ([]string, error) {
	ids, err := l.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return ids, nil
}

// GenerateProof builds the inclusion proof for the leaf at index and returns
// it with the root it proves against.
func (l *Ledger) GenerateProof(ctx context.Context, accountID string, index int) (*merkle.MerkleProof, types.Digest, error) {
	account, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return nil, types.Digest{}, err
	}
	treeCfg, err := merkle.TreeConfigForAccount(account)
	if err != nil {
		return nil, types.Digest{}, err
	}
	tree, err := merkle.BuildMerkleTree(account.Leaves, treeCfg)
	if err != nil {
		return nil, types.Digest{}, err
	}
	if tree.GetRoot() != account.Root {
		l.logger.Sugar().Errorw("Stored root does not match rebuilt tree",
			"account", accountID,
			"stored_root", account.Root.Hex(),
			"rebuilt_root", tree.GetRoot().Hex(),
		)
		return nil, types.Digest{}, errors.Wrapf(persistence.ErrCorruptRecord, "account %s root mismatch", accountID)
	}

	proof, err := tree.GenerateProof(index)
	if err != nil {
		return nil, types.Digest{}, err
	}
	return proof, tree.GetRoot(), nil
}

// VerifyProof checks an inclusion proof against the account's current root.
// The root that was checked is returned alongside the result.
func (l *Ledger) VerifyProof(ctx context.Context, accountID string, leaf []byte, proof []types.Digest, path []bool) (bool, types.Digest, error) {
	account, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return false, types.Digest{}, err
	}
	treeCfg, err := merkle.TreeConfigForAccount(account)
	if err != nil {
		return false, types.Digest{}, err
	}
	valid, err := merkle.VerifyProof(leaf, proof, path, account.Root, treeCfg)
	if err != nil {
		return false, types.Digest{}, err
	}
	return valid, account.Root, nil
}

// VerifyBatch checks several proofs against one snapshot of the account root.
// Verifications run on the worker pool; results are returned in request order.
func (l *Ledger) VerifyBatch(ctx context.Context, accountID string, items []types.VerifyRequest) ([]bool, types.Digest, error) {
	account, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return nil, types.Digest{}, err
	}
	treeCfg, err := merkle.TreeConfigForAccount(account)
	if err != nil {
		return nil, types.Digest{}, err
	}

	results := make([]bool, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i := range items {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, types.Digest{}, err
		}
		i := i
		wg.Add(1)
		err := l.pool.Submit(func() {
			defer wg.Done()
			leaf, err := items[i].Bytes()
			if err != nil {
				errs[i] = errors.Wrapf(merkle.ErrInvalidLeaf, "%v", err)
				return
			}
			results[i], errs[i] = merkle.VerifyProof(leaf, items[i].Proof, items[i].Path, account.Root, treeCfg)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, types.Digest{}, fmt.Errorf("failed to schedule verification: %w", err)
		}
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, types.Digest{}, errors.Wrapf(err, "item %d", i)
		}
	}
	return results, account.Root, nil
}

// Execute dispatches an instruction to the matching ledger operation
func (l *Ledger) Execute(ctx context.Context, instr types.Instruction) (*types.InstructionResult, error) {
	switch in := instr.(type) {
	case *types.InitializeInstruction:
		account, err := l.Initialize(ctx, InitializeParams{
			AccountID:    in.AccountID,
			Authority:    in.Authority,
			HashFunction: in.HashFunction,
			LeafPolicy:   in.LeafPolicy,
			MaxLeaves:    in.MaxLeaves,
		})
		if err != nil {
			return nil, err
		}
		return &types.InstructionResult{
			Kind:      in.Kind(),
			AccountID: account.ID,
			Root:      &account.Root,
			LeafCount: &account.LeafCount,
		}, nil

	case *types.InsertLeafInstruction:
		leaf, err := in.Bytes()
		if err != nil {
			return nil, errors.Wrapf(merkle.ErrInvalidLeaf, "%v", err)
		}
		res, err := l.InsertLeaf(ctx, in.AccountID, in.Authority, leaf)
		if err != nil {
			return nil, err
		}
		return &types.InstructionResult{
			Kind:      in.Kind(),
			AccountID: res.AccountID,
			Root:      &res.Root,
			Index:     &res.Index,
			LeafCount: &res.LeafCount,
		}, nil

	case *types.VerifyProofInstruction:
		leaf, err := in.Bytes()
		if err != nil {
			return nil, errors.Wrapf(merkle.ErrInvalidLeaf, "%v", err)
		}
		valid, root, err := l.VerifyProof(ctx, in.AccountID, leaf, in.Proof, in.Path)
		if err != nil {
			return nil, err
		}
		return &types.InstructionResult{
			Kind:      in.Kind(),
			AccountID: in.AccountID,
			Root:      &root,
			Valid:     &valid,
		}, nil

	case nil:
		return nil, fmt.Errorf("instruction cannot be nil")
	default:
		return nil, fmt.Errorf("unsupported instruction kind %q", instr.Kind())
	}
}

// HealthCheck reports whether the account store is reachable
func (l *Ledger) HealthCheck(ctx context.Context) error {
	return l.store.HealthCheck(ctx)
}

// Close stops the verification pool. The store is owned by the caller.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		l.pool.Release()
	})
}

func (l *Ledger) mapStoreError(accountID string, err error) error {
	if errors.Is(err, persistence.ErrAccountNotFound) {
		return errors.Wrapf(ErrAccountNotFound, "account %s", accountID)
	}
	return err
}
