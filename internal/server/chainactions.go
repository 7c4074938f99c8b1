package server

import (
	"encoding/json"
	"net/http"

	"github.com/selfclaw/selfclaw/internal/chain"
	"github.com/selfclaw/selfclaw/internal/events"
	"github.com/selfclaw/selfclaw/internal/storage"
)

// issueHandler builds the handler for one chain action kind. All kinds share
// the same shape: authenticate, require a verified identity, hand the
// kind-specific parameters to the coordinator.
func (s *Server) issueHandler(kind chain.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, canonical, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id, ok := s.requireVerified(w, canonical)
		if !ok {
			return
		}

		var params chain.IssueParams
		if err := json.Unmarshal(body, &params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}

		act, err := s.chain.Issue(r.Context(), kind, id, params)
		if err != nil {
			fail(w, err)
			return
		}

		// Platform-signed kinds confirm at issue; announce those immediately.
		if act.Status == storage.ActionConfirmed {
			s.hub.Publish(events.TypeActionConfirmed, map[string]string{
				"publicKey": act.PublicKey,
				"kind":      act.Kind,
				"actionId":  act.ID,
			})
		}
		writeJSON(w, http.StatusOK, act)
	}
}

// handleConfirmAction closes the loop on an agent-signed action: the agent
// broadcast the drafted transaction itself and now submits the txHash.
func (s *Server) handleConfirmAction(w http.ResponseWriter, r *http.Request) {
	body, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := s.requireVerified(w, canonical)
	if !ok {
		return
	}

	var req struct {
		Kind   string            `json:"kind"`
		TxHash string            `json:"txHash"`
		Extra  map[string]string `json:"extra"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	act, err := s.chain.Confirm(r.Context(), chain.Kind(req.Kind), id, req.TxHash, req.Extra)
	if err != nil {
		fail(w, err)
		return
	}

	s.hub.Publish(events.TypeActionConfirmed, map[string]string{
		"publicKey": act.PublicKey,
		"kind":      act.Kind,
		"actionId":  act.ID,
	})
	writeJSON(w, http.StatusOK, act)
}

// handleListActions returns the chain action history for a key. The history
// is public audit data, so reads take the key as a query parameter rather
// than a signed envelope.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	publicKey := r.URL.Query().Get("publicKey")
	if publicKey == "" {
		writeError(w, http.StatusBadRequest, "publicKey query parameter required")
		return
	}
	actions, err := s.db.ListChainActions(publicKey)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}
