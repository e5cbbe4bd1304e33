package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

const leafInsertedEventName = "leaf_inserted"

// handleEvents streams leaf_inserted events for one account until the client
// disconnects or the event bus is closed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if _, err := s.ledger.GetAccount(r.Context(), accountID); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(accountID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	s.logger.Sugar().Infow("Event stream opened", "account", accountID, "subscription", sub.ID)

	s.bus.ListenToChannel(r.Context(), sub, func(event *types.LeafInsertedEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Sugar().Errorw("Failed to encode event", "account", accountID, "error", err)
			return
		}
		_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, leafInsertedEventName, data)
		flusher.Flush()
	})

	s.logger.Sugar().Infow("Event stream closed", "account", accountID, "subscription", sub.ID)
}
