package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/account"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/auth"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/merkle"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

var errBadRequest = errors.New("bad request")

// statusForError maps ledger and tree errors onto HTTP status codes
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, account.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, account.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, merkle.ErrTreeFull):
		return http.StatusConflict, "tree_full"
	case errors.Is(err, auth.ErrMissingCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, account.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, account.ErrInvalidAccount):
		return http.StatusBadRequest, "invalid_account"
	case errors.Is(err, merkle.ErrInvalidLeaf):
		return http.StatusBadRequest, "invalid_leaf"
	case errors.Is(err, merkle.ErrInvalidProof):
		return http.StatusBadRequest, "invalid_proof"
	case errors.Is(err, merkle.ErrIndexOutOfRange):
		return http.StatusBadRequest, "index_out_of_range"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Sugar().Errorw("Request failed",
			"path", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		message = "internal server error"
	}
	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
