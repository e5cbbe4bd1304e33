package types

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// InstructionKind identifies a variant of the Instruction union
type InstructionKind string

const (
	InstructionInitialize  InstructionKind = "initialize"
	InstructionInsertLeaf  InstructionKind = "insert_leaf"
	InstructionVerifyProof InstructionKind = "verify_proof"
)

// Instruction is a request against a merkle account. The set of variants is
// closed: InitializeInstruction, InsertLeafInstruction and VerifyProofInstruction.
type Instruction interface {
	Kind() InstructionKind
	Account() string
	isInstruction()
}

// InitializeInstruction creates a new empty merkle account
type InitializeInstruction struct {
	AccountID    string `json:"account_id"`
	Authority    string `json:"authority"`
	HashFunction string `json:"hash_function,omitempty"`
	LeafPolicy   string `json:"leaf_policy,omitempty"`
	MaxLeaves    uint32 `json:"max_leaves,omitempty"`
}

func (i *InitializeInstruction) Kind() InstructionKind { return InstructionInitialize }
func (i *InitializeInstruction) Account() string       { return i.AccountID }
func (i *InitializeInstruction) isInstruction()        {}

// InsertLeafInstruction appends one leaf to an account
type InsertLeafInstruction struct {
	AccountID string `json:"account_id"`
	Authority string `json:"authority"`
	LeafPayload
}

func (i *InsertLeafInstruction) Kind() InstructionKind { return InstructionInsertLeaf }
func (i *InsertLeafInstruction) Account() string       { return i.AccountID }
func (i *InsertLeafInstruction) isInstruction()        {}

// VerifyProofInstruction checks an inclusion proof against the account's current root
type VerifyProofInstruction struct {
	AccountID string `json:"account_id"`
	LeafPayload
	Proof []Digest `json:"proof"`
	Path  []bool   `json:"path"`
}

func (i *VerifyProofInstruction) Kind() InstructionKind { return InstructionVerifyProof }
func (i *VerifyProofInstruction) Account() string       { return i.AccountID }
func (i *VerifyProofInstruction) isInstruction()        {}

// InstructionEnvelope is the wire form of an Instruction
type InstructionEnvelope struct {
	Kind    InstructionKind `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeInstruction wraps an instruction in its JSON envelope
func EncodeInstruction(instr Instruction) ([]byte, error) {
	if instr == nil {
		return nil, fmt.Errorf("cannot encode nil instruction")
	}
	payload, err := json.Marshal(instr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", instr.Kind(), err)
	}
	return json.Marshal(InstructionEnvelope{Kind: instr.Kind(), Payload: payload})
}

// DecodeInstruction parses a JSON envelope into the matching Instruction variant
func DecodeInstruction(data []byte) (Instruction, error) {
	var env InstructionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid instruction envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("instruction %q has no payload", env.Kind)
	}

	var instr Instruction
	switch env.Kind {
	case InstructionInitialize:
		instr = &InitializeInstruction{}
	case InstructionInsertLeaf:
		instr = &InsertLeafInstruction{}
	case InstructionVerifyProof:
		instr = &VerifyProofInstruction{}
	default:
		return nil, fmt.Errorf("unknown instruction kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, instr); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.Kind, err)
	}
	return instr, nil
}

// InstructionResult carries the outcome of an executed instruction. Only the
// fields relevant to the instruction kind are populated.
type InstructionResult struct {
	Kind      InstructionKind `json:"kind"`
	AccountID string          `json:"account_id"`
	Root      *Digest         `json:"root,omitempty"`
	Index     *uint32         `json:"index,omitempty"`
	LeafCount *uint32         `json:"leaf_count,omitempty"`
	Valid     *bool           `json:"valid,omitempty"`
}

// LeafPayload carries leaf content either as hex bytes or as a UTF-8 string.
// Exactly one of the two must be set.
type LeafPayload struct {
	Leaf hexutil.Bytes `json:"leaf,omitempty"`
	Text string        `json:"text,omitempty"`
}

// Bytes returns the leaf content
func (p LeafPayload) Bytes() ([]byte, error) {
	if len(p.Leaf) > 0 && p.Text != "" {
		return nil, fmt.Errorf("only one of leaf or text may be set")
	}
	if len(p.Leaf) > 0 {
		return []byte(p.Leaf), nil
	}
	if p.Text != "" {
		return []byte(p.Text), nil
	}
	return nil, fmt.Errorf("leaf content is required")
}

// InitializeRequest is the body of POST /accounts
type InitializeRequest struct {
	AccountID    string `json:"account_id"`
	Authority    string `json:"authority"`
	HashFunction string `json:"hash_function,omitempty"`
	LeafPolicy   string `json:"leaf_policy,omitempty"`
	MaxLeaves    uint32 `json:"max_leaves,omitempty"`
}

// InsertLeafRequest is the body of POST /accounts/{id}/leaves
type InsertLeafRequest struct {
	LeafPayload
}

// InsertLeafResponse reports the new leaf position and root
type InsertLeafResponse struct {
	AccountID string `json:"account_id"`
	Index     uint32 `json:"index"`
	Root      Digest `json:"root"`
	LeafCount uint32 `json:"leaf_count"`
}

// AccountResponse is the JSON view of a MerkleAccount
type AccountResponse struct {
	ID           string          `json:"id"`
	Authority    string          `json:"authority"`
	HashFunction string          `json:"hash_function"`
	LeafPolicy   string          `json:"leaf_policy"`
	MaxLeaves    uint32          `json:"max_leaves"`
	Root         Digest          `json:"root"`
	LeafCount    uint32          `json:"leaf_count"`
	Leaves       []hexutil.Bytes `json:"leaves"`
}

// NewAccountResponse builds the JSON view of an account
func NewAccountResponse(a *MerkleAccount) *AccountResponse {
	leaves := make([]hexutil.Bytes, len(a.Leaves))
	for i, leaf := range a.Leaves {
		leaves[i] = hexutil.Bytes(leaf)
	}
	return &AccountResponse{
		ID:           a.ID,
		Authority:    a.Authority,
		HashFunction: a.HashFunction,
		LeafPolicy:   a.LeafPolicy,
		MaxLeaves:    a.MaxLeaves,
		Root:         a.Root,
		LeafCount:    a.LeafCount,
		Leaves:       leaves,
	}
}

// RootResponse is the body of GET /accounts/{id}/root
type RootResponse struct {
	AccountID string `json:"account_id"`
	Root      Digest `json:"root"`
	LeafCount uint32 `json:"leaf_count"`
}

// ListAccountsResponse is the body of GET /accounts
type ListAccountsResponse struct {
	Accounts []string `json:"accounts"`
}

// ProofResponse is the body of GET /accounts/{id}/proofs/{index}
type ProofResponse struct {
	AccountID string   `json:"account_id"`
	LeafIndex int      `json:"leaf_index"`
	Leaf      Digest   `json:"leaf"`
	Proof     []Digest `json:"proof"`
	Path      []bool   `json:"path"`
	Root      Digest   `json:"root"`
}

// VerifyRequest is the body of POST /accounts/{id}/verify
type VerifyRequest struct {
	LeafPayload
	Proof []Digest `json:"proof"`
	Path  []bool   `json:"path"`
}

// VerifyResponse reports whether a proof matched the account root
type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Root  Digest `json:"root"`
}

// BatchVerifyRequest is the body of POST /accounts/{id}/verify/batch
type BatchVerifyRequest struct {
	Items []VerifyRequest `json:"items"`
}

// BatchVerifyResponse holds one result per request item, in order
type BatchVerifyResponse struct {
	Results []bool `json:"results"`
	Root    Digest `json:"root"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is returned by the server for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
