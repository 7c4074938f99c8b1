package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selfclaw/selfclaw/internal/events"
	"github.com/selfclaw/selfclaw/internal/storage"
)

// handleCreateSkill publishes a marketplace listing. Only verified identities
// can sell.
func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	body, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := s.requireVerified(w, canonical)
	if !ok {
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	skill := &storage.Skill{
		ID:          uuid.New().String(),
		SellerKey:   id.PublicKey,
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		Price:       req.Price,
		Active:      true,
		CreatedAt:   time.Now().Unix(),
	}
	if err := s.db.CreateSkill(skill); err != nil {
		fail(w, err)
		return
	}

	s.hub.Publish(events.TypeSkillPublished, map[string]string{
		"skillId":   skill.ID,
		"sellerKey": skill.SellerKey,
		"name":      skill.Name,
	})
	writeJSON(w, http.StatusOK, skill)
}

// handleListSkills returns active listings. Public, no envelope.
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.db.ListSkills(true)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

// handlePurchase opens a settlement for a listed skill, with the caller as
// buyer and the listing price as the amount.
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	_, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	buyer, ok := s.requireVerified(w, canonical)
	if !ok {
		return
	}

	skill, err := s.db.GetSkill(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	if !skill.Active {
		writeError(w, http.StatusNotFound, "skill is no longer listed")
		return
	}

	settlement, err := s.escrow.Initiate(skill.ID, buyer.PublicKey, skill.SellerKey, skill.Price)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// handleVerifyEscrow verifies the buyer's transfer into the escrow wallet and
// moves the settlement to escrowed.
func (s *Server) handleVerifyEscrow(w http.ResponseWriter, r *http.Request) {
	// Any party may submit the hash; the transfer itself is validated against
	// the buyer's wallet and the escrow address.
	body, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	settlement, err := s.escrow.VerifyEscrow(r.Context(), r.PathValue("id"), req.TxHash)
	if err != nil {
		fail(w, err)
		return
	}

	s.hub.Publish(events.TypeSettlementEscrowed, settlementEvent(settlement))
	writeJSON(w, http.StatusOK, settlement)
}

// handleConfirmDelivery releases escrowed funds to the seller. Buyer only.
func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	_, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	settlement, err := s.escrow.ConfirmDelivery(r.Context(), r.PathValue("id"), canonical)
	if err != nil {
		fail(w, err)
		return
	}

	s.hub.Publish(events.TypeSettlementReleased, settlementEvent(settlement))
	writeJSON(w, http.StatusOK, settlement)
}

// handleRefund returns escrowed funds to the buyer. Seller only.
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	_, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	settlement, err := s.escrow.Refund(r.Context(), r.PathValue("id"), canonical)
	if err != nil {
		fail(w, err)
		return
	}

	s.hub.Publish(events.TypeSettlementRefunded, settlementEvent(settlement))
	writeJSON(w, http.StatusOK, settlement)
}

// handleGetSettlement returns one settlement by id.
func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	settlement, err := s.db.GetSettlement(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func settlementEvent(s *storage.Settlement) map[string]string {
	return map[string]string{
		"settlementId": s.ID,
		"skillId":      s.SkillID,
		"status":       s.Status,
	}
}
