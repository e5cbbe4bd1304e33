package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/account"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/auth"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/merkle"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.HealthCheck(r.Context()); err != nil {
		s.logger.Sugar().Warnw("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, types.HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req types.InitializeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	authority, err := s.resolveAuthority(r, req.Authority)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	a, err := s.ledger.Initialize(r.Context(), account.InitializeParams{
		AccountID:    req.AccountID,
		Authority:    authority,
		HashFunction: req.HashFunction,
		LeafPolicy:   req.LeafPolicy,
		MaxLeaves:    req.MaxLeaves,
	})
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.NewAccountResponse(a))
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ledger.ListAccounts(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, types.ListAccountsResponse{Accounts: ids})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.ledger.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.NewAccountResponse(a))
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	a, err := s.ledger.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RootResponse{AccountID: a.ID, Root: a.Root, LeafCount: a.LeafCount})
}

func (s *Server) handleInsertLeaf(w http.ResponseWriter, r *http.Request) {
	var req types.InsertLeafRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	leaf, err := req.Bytes()
	if err != nil {
		s.writeLedgerError(w, r, errors.Wrapf(merkle.ErrInvalidLeaf, "%v", err))
		return
	}

	authority, err := s.resolveAuthority(r, "")
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if authority == "" {
		s.writeLedgerError(w, r, errors.Wrapf(auth.ErrMissingCredentials, "set the %s header", auth.AuthorityHeader))
		return
	}

	res, err := s.ledger.InsertLeaf(r.Context(), mux.Vars(r)["id"], authority, leaf)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.InsertLeafResponse{
		AccountID: res.AccountID,
		Index:     res.Index,
		Root:      res.Root,
		LeafCount: res.LeafCount,
	})
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		s.writeLedgerError(w, r, errors.Wrapf(errBadRequest, "leaf index %q is not an integer", vars["index"]))
		return
	}

	proof, root, err := s.ledger.GenerateProof(r.Context(), vars["id"], index)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ProofResponse{
		AccountID: vars["id"],
		LeafIndex: proof.LeafIndex,
		Leaf:      proof.Leaf,
		Proof:     proof.Proof,
		Path:      proof.Path,
		Root:      root,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req types.VerifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	leaf, err := req.Bytes()
	if err != nil {
		s.writeLedgerError(w, r, errors.Wrapf(merkle.ErrInvalidLeaf, "%v", err))
		return
	}

	valid, root, err := s.ledger.VerifyProof(r.Context(), mux.Vars(r)["id"], leaf, req.Proof, req.Path)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.VerifyResponse{Valid: valid, Root: root})
}

func (s *Server) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchVerifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if len(req.Items) > maxBatchItems {
		s.writeLedgerError(w, r, errors.Wrapf(errBadRequest, "batch holds %d items, limit is %d", len(req.Items), maxBatchItems))
		return
	}

	results, root, err := s.ledger.VerifyBatch(r.Context(), mux.Vars(r)["id"], req.Items)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.BatchVerifyResponse{Results: results, Root: root})
}

func (s *Server) handleInstruction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		s.writeLedgerError(w, r, errors.Wrapf(errBadRequest, "failed to read body: %v", err))
		return
	}
	instr, err := types.DecodeInstruction(body)
	if err != nil {
		s.writeLedgerError(w, r, errors.Wrapf(errBadRequest, "%v", err))
		return
	}

	switch in := instr.(type) {
	case *types.InitializeInstruction:
		if in.Authority, err = s.resolveAuthority(r, in.Authority); err != nil {
			s.writeLedgerError(w, r, err)
			return
		}
	case *types.InsertLeafInstruction:
		if in.Authority, err = s.resolveAuthority(r, in.Authority); err != nil {
			s.writeLedgerError(w, r, err)
			return
		}
	}

	res, err := s.ledger.Execute(r.Context(), instr)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// resolveAuthority combines the authenticated authority with the one named
// in the request body. A body authority that differs from the authenticated
// one is rejected.
func (s *Server) resolveAuthority(r *http.Request, bodyAuthority string) (string, error) {
	authenticated, err := s.verifier.Authenticate(r)
	if err != nil {
		return "", err
	}
	if authenticated == "" {
		return bodyAuthority, nil
	}
	if bodyAuthority != "" && bodyAuthority != authenticated {
		return "", errors.Wrapf(account.ErrUnauthorized, "authenticated as %s but request names %s", authenticated, bodyAuthority)
	}
	return authenticated, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "failed to parse request: %v", err)
	}
	return nil
}
