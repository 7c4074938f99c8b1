// Package verify implements the verification session state machine that
// turns one external zero-knowledge passport proof event into a durable
// key-to-human binding.
//
// A session moves pending -> verified when the external verifier calls back
// with a valid proof for the session's key fingerprint, or pending -> expired
// lazily when it is read past its TTL. The optional self-signed challenge is
// an orthogonal flag: it proves the caller holds the private key, but it
// never gates the verified transition.
package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/selfclaw/selfclaw/internal/keycodec"
	"github.com/selfclaw/selfclaw/internal/storage"
)

var (
	// ErrNoMatchingSession: no pending, unexpired session exists for the
	// fingerprint the verifier reported. The proof event is dropped.
	ErrNoMatchingSession = errors.New("verify: no pending session for fingerprint")

	// ErrProofInvalid: the verifier reported an invalid proof. The session
	// stays pending so the human can retry the external step.
	ErrProofInvalid = errors.New("verify: proof rejected by verifier")

	// ErrIdentityConflict: the key is already bound to a different human.
	// Fails closed; the existing binding is untouched.
	ErrIdentityConflict = errors.New("verify: key already bound to a different human")

	// ErrSessionClosed: the session already left pending.
	ErrSessionClosed = errors.New("verify: session is not pending")

	// ErrChallengeMismatch: the submitted signature does not verify the
	// session challenge under the session's key.
	ErrChallengeMismatch = errors.New("verify: challenge signature does not verify")
)

// Manager drives verification sessions against the shared store.
type Manager struct {
	db  *storage.DB
	ttl time.Duration
	now func() time.Time
}

// NewManager creates a Manager with the given session TTL.
func NewManager(db *storage.DB, ttl time.Duration) *Manager {
	return &Manager{db: db, ttl: ttl, now: time.Now}
}

// Start registers the key (idempotently) and opens a new pending session
// with a fresh random challenge.
func (m *Manager) Start(pub ed25519.PublicKey, name string) (*storage.Session, error) {
	now := m.now()
	canonical := keycodec.Canonical(pub)

	if err := m.db.CreateIdentity(&storage.AgentIdentity{
		PublicKey: canonical,
		Name:      name,
		CreatedAt: now.Unix(),
	}); err != nil {
		return nil, err
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	s := &storage.Session{
		ID:          uuid.New().String(),
		PublicKey:   canonical,
		Fingerprint: keycodec.Fingerprint(pub),
		Challenge:   hex.EncodeToString(challenge),
		Status:      storage.SessionPending,
		ExpiresAt:   now.Add(m.ttl).Unix(),
		CreatedAt:   now.Unix(),
	}
	if err := m.db.CreateSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

// SignChallenge records that the session key self-signed the challenge. The
// signature covers the UTF-8 bytes of the hex challenge string exactly as
// returned by Start.
func (m *Manager) SignChallenge(sessionID string, sig []byte) (*storage.Session, error) {
	s, err := m.lazyExpire(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != storage.SessionPending {
		return s, fmt.Errorf("%w: %s", ErrSessionClosed, s.Status)
	}

	raw, err := hex.DecodeString(s.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(raw), []byte(s.Challenge), sig) {
		return nil, ErrChallengeMismatch
	}

	if err := m.db.SetChallengeSigned(s.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return s, fmt.Errorf("%w: session closed concurrently", ErrSessionClosed)
		}
		return nil, err
	}
	s.ChallengeSigned = true
	return s, nil
}

// HandleProofCallback processes one proof event from the external verifier.
// On a valid proof for a matching pending session it binds the session's key
// to humanID and marks the session verified. Rebinding the same human is an
// idempotent success; a different human fails closed with no mutation.
func (m *Manager) HandleProofCallback(fingerprint string, valid bool, humanID string) (*storage.Session, error) {
	now := m.now()

	s, err := m.db.GetPendingSessionByFingerprint(fingerprint, now.Unix())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoMatchingSession
		}
		return nil, err
	}

	if !valid || humanID == "" {
		return nil, ErrProofInvalid
	}

	if err := m.bindHuman(s.PublicKey, humanID, now.Unix()); err != nil {
		return nil, err
	}

	if err := m.db.MarkSessionVerified(s.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent callback won; report whatever state it produced.
			return m.db.GetSession(s.ID)
		}
		return nil, err
	}
	s.Status = storage.SessionVerified
	return s, nil
}

// bindHuman binds key -> humanID, retrying the read once when a concurrent
// writer wins the insert race. The unique key on identities serializes the
// writers; the loser must observe the outcome, never overwrite it.
func (m *Manager) bindHuman(publicKey, humanID string, now int64) error {
	err := m.db.BindIdentityHuman(publicKey, "", humanID, now)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrHumanMismatch):
		return ErrIdentityConflict
	case errors.Is(err, storage.ErrConflict):
		id, gerr := m.db.GetIdentity(publicKey)
		if gerr != nil {
			return gerr
		}
		if id.HumanID != nil && *id.HumanID == humanID {
			return nil
		}
		return ErrIdentityConflict
	default:
		return err
	}
}

// Poll returns the session state, lazily flipping pending -> expired when
// read past the TTL. No background sweep is required for correctness.
func (m *Manager) Poll(sessionID string) (*storage.Session, error) {
	return m.lazyExpire(sessionID)
}

func (m *Manager) lazyExpire(sessionID string) (*storage.Session, error) {
	s, err := m.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == storage.SessionPending && s.ExpiresAt <= m.now().Unix() {
		if err := m.db.ExpireSession(s.ID); err != nil {
			return nil, err
		}
		s.Status = storage.SessionExpired
	}
	return s, nil
}
