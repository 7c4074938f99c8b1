package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/selfclaw/selfclaw/internal/crypto"
	"github.com/selfclaw/selfclaw/internal/events"
	"github.com/selfclaw/selfclaw/internal/keycodec"
)

// callbackSchema validates the external verifier's callback payload before
// any business logic sees it.
var callbackSchema = jsonschema.MustCompileString("callback.schema.json", `{
	"type": "object",
	"required": ["fingerprint", "valid"],
	"properties": {
		"fingerprint": {"type": "string", "pattern": "^[0-9a-f]{16}$"},
		"valid": {"type": "boolean"},
		"humanId": {"type": "string"},
		"proofId": {"type": "string"}
	}
}`)

func (s *Server) handleStartVerification(w http.ResponseWriter, r *http.Request) {
	body, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req struct {
		AgentPublicKey string `json:"agentPublicKey"`
		Name           string `json:"name"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	// The session is opened for the key that signed the envelope.
	pub, err := keycodec.DecodePublicKey(req.AgentPublicKey)
	if err != nil {
		fail(w, err)
		return
	}

	session, err := s.verifier.Start(pub, strings.TrimSpace(req.Name))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSignChallenge(w http.ResponseWriter, r *http.Request) {
	body, canonical, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req struct {
		ChallengeSignature string `json:"challengeSignature"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sig, err := keycodec.DecodeSignature(req.ChallengeSignature)
	if err != nil {
		fail(w, err)
		return
	}

	sessionID := r.PathValue("id")
	session, err := s.verifier.Poll(sessionID)
	if err != nil {
		fail(w, err)
		return
	}
	if session.PublicKey != canonical {
		writeError(w, http.StatusForbidden, "session belongs to a different key")
		return
	}

	session, err = s.verifier.SignChallenge(sessionID, sig)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.verifier.Poll(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleProofCallback receives the external verifier's proof event. It is
// authenticated by the verifier's shared secret, not an agent envelope.
func (s *Server) handleProofCallback(w http.ResponseWriter, r *http.Request) {
	if !s.callbackAuth(r) {
		writeError(w, http.StatusUnauthorized, "invalid callback secret")
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := callbackSchema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload: "+err.Error())
		return
	}

	var req struct {
		Fingerprint string `json:"fingerprint"`
		Valid       bool   `json:"valid"`
		HumanID     string `json:"humanId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	session, err := s.verifier.HandleProofCallback(req.Fingerprint, req.Valid, req.HumanID)
	if err != nil {
		fail(w, err)
		return
	}

	s.hub.Publish(events.TypeSessionVerified, map[string]string{
		"sessionId":   session.ID,
		"fingerprint": session.Fingerprint,
	})
	writeJSON(w, http.StatusOK, session)
}

// callbackAuth checks the verifier's bearer secret against the stored
// Argon2id hash.
func (s *Server) callbackAuth(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	stored, err := hex.DecodeString(s.cfg.CallbackSecretHash)
	if err != nil {
		return false
	}
	return crypto.VerifySecret(strings.TrimPrefix(header, prefix), stored)
}
