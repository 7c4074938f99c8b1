package server

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// handleCreateWallet registers the identity's first wallet address. Use
// /api/wallet/switch to replace an existing one.
func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	body, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := s.requireIdentity(w, canonical)
	if !ok {
		return
	}

	addr, ok := decodeWalletAddress(w, body)
	if !ok {
		return
	}

	if _, err := s.db.GetWallet(id.PublicKey); err == nil {
		writeError(w, http.StatusConflict, "wallet already registered, use switch")
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		fail(w, err)
		return
	}

	s.setWallet(w, id.PublicKey, addr)
}

// handleSwitchWallet replaces the identity's active wallet address.
func (s *Server) handleSwitchWallet(w http.ResponseWriter, r *http.Request) {
	body, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := s.requireIdentity(w, canonical)
	if !ok {
		return
	}

	addr, ok := decodeWalletAddress(w, body)
	if !ok {
		return
	}

	if _, err := s.db.GetWallet(id.PublicKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "no wallet registered, create one first")
			return
		}
		fail(w, err)
		return
	}

	s.setWallet(w, id.PublicKey, addr)
}

func (s *Server) setWallet(w http.ResponseWriter, publicKey, addr string) {
	if err := s.db.SetWallet(publicKey, addr, time.Now().Unix()); err != nil {
		fail(w, err)
		return
	}
	wallet, err := s.db.GetWallet(publicKey)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func decodeWalletAddress(w http.ResponseWriter, body []byte) (string, bool) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return "", false
	}

	addr := strings.ToLower(strings.TrimSpace(req.Address))
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	if !isEthAddress(addr) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return "", false
	}
	return addr, true
}

func isEthAddress(addr string) bool {
	hexPart := strings.TrimPrefix(addr, "0x")
	if len(hexPart) != 40 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
