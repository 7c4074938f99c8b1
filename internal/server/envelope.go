package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/selfclaw/selfclaw/internal/auth"
	"github.com/selfclaw/selfclaw/internal/keycodec"
	"github.com/selfclaw/selfclaw/internal/storage"
)

const rateWindow = time.Minute

// nonceStore adapts the storage layer to the authenticator's NonceStore,
// translating the generic conflict into the replay error.
type nonceStore struct {
	db *storage.DB
}

func (n nonceStore) RememberNonce(publicKey, nonce string, seenAt time.Time) error {
	err := n.db.RememberNonce(publicKey, nonce, seenAt)
	if errors.Is(err, storage.ErrConflict) {
		return auth.ErrReplayedNonce
	}
	return err
}

// readBody reads the full request body. The raw bytes are needed because the
// envelope and the payload share one JSON object.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

// authenticate reads the body, verifies the signed envelope, and returns the
// body bytes plus the caller's canonical key. On failure it writes the
// appropriate HTTP error and returns ok = false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (body []byte, canonical string, ok bool) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, "", false
	}

	var env auth.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return nil, "", false
	}

	pub, err := s.auth.Verify(env)
	if err != nil {
		fail(w, err)
		return nil, "", false
	}
	return body, keycodec.Canonical(pub), true
}

// requireIdentity loads the caller's identity, writing a 404 if the key was
// never registered through start-verification.
func (s *Server) requireIdentity(w http.ResponseWriter, canonical string) (*storage.AgentIdentity, bool) {
	id, err := s.db.GetIdentity(canonical)
	if err != nil {
		fail(w, err)
		return nil, false
	}
	return id, true
}

// requireVerified loads the caller's identity and rejects keys not yet bound
// to a verified human. Authentication proves key possession; this proves the
// key is allowed to act.
func (s *Server) requireVerified(w http.ResponseWriter, canonical string) (*storage.AgentIdentity, bool) {
	id, ok := s.requireIdentity(w, canonical)
	if !ok {
		return nil, false
	}
	if !id.Verified() {
		writeError(w, http.StatusForbidden, "identity is not verified")
		return nil, false
	}
	return id, true
}

// clientIP extracts the client IP, respecting X-Forwarded-For for proxied
// deployments.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
