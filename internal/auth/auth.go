// Package auth validates the signed envelope every mutating API call must
// carry. It proves exactly one thing: this key authorized exactly this call,
// once, now. Whether the key is verified, funded, or allowed to perform the
// requested action is checked downstream by business logic.
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/selfclaw/selfclaw/internal/keycodec"
)

// TimestampWindow is the maximum clock skew between the envelope timestamp
// and server time before a request is rejected as stale. It is also the TTL
// of stored nonces: anything older could not pass the skew check anyway.
const TimestampWindow = 5 * time.Minute

// Nonce length bounds, in characters.
const (
	NonceMinLen = 8
	NonceMaxLen = 64
)

// Authentication failures. Surfaced verbatim to the caller; never retried
// server-side.
var (
	ErrBadSignature  = errors.New("auth: signature does not verify")
	ErrStaleRequest  = errors.New("auth: timestamp outside freshness window")
	ErrReplayedNonce = errors.New("auth: nonce already used by this key")
)

// Envelope is the authentication block merged into every write request body.
type Envelope struct {
	AgentPublicKey string `json:"agentPublicKey"`
	Signature      string `json:"signature"`
	Timestamp      int64  `json:"timestamp"` // epoch milliseconds
	Nonce          string `json:"nonce"`
}

// NonceStore persists accepted (key, nonce) pairs for the freshness window.
type NonceStore interface {
	// RememberNonce records the pair, returning ErrReplayedNonce (possibly
	// wrapped) if it was already accepted.
	RememberNonce(publicKey, nonce string, seenAt time.Time) error
}

// Authenticator verifies envelopes against a nonce store.
type Authenticator struct {
	nonces NonceStore
	now    func() time.Time
}

// New creates an Authenticator backed by the given nonce store.
func New(nonces NonceStore) *Authenticator {
	return &Authenticator{nonces: nonces, now: time.Now}
}

// SigningString returns the canonical serialization the signature must cover:
// exactly agentPublicKey, timestamp, and nonce, in that order, with no
// whitespace and no payload fields. The public key appears exactly as the
// client submitted it, before any canonicalization.
func SigningString(env Envelope) string {
	return fmt.Sprintf(`{"agentPublicKey":"%s","timestamp":%d,"nonce":"%s"}`,
		env.AgentPublicKey, env.Timestamp, env.Nonce)
}

// Sign produces the hex signature for an envelope under priv. Used by the
// reference agent CLI and by tests.
func Sign(priv ed25519.PrivateKey, env Envelope) string {
	sig := ed25519.Sign(priv, []byte(SigningString(env)))
	return fmt.Sprintf("%x", sig)
}

// Verify checks an envelope and, on success, returns the canonical public
// key. Checks run in a fixed order so each failure mode is distinct:
// decoding, signature, freshness, replay. The nonce is only persisted once
// everything else has passed.
func (a *Authenticator) Verify(env Envelope) (ed25519.PublicKey, error) {
	if n := len(env.Nonce); n < NonceMinLen || n > NonceMaxLen {
		return nil, &keycodec.EncodingError{
			Field:  "nonce",
			Reason: fmt.Sprintf("length must be %d-%d characters, got %d", NonceMinLen, NonceMaxLen, n),
		}
	}

	pub, err := keycodec.DecodePublicKey(env.AgentPublicKey)
	if err != nil {
		return nil, err
	}
	sig, err := keycodec.DecodeSignature(env.Signature)
	if err != nil {
		return nil, err
	}

	if !ed25519.Verify(pub, []byte(SigningString(env)), sig) {
		return nil, ErrBadSignature
	}

	now := a.now()
	ts := time.UnixMilli(env.Timestamp)
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > TimestampWindow {
		return nil, fmt.Errorf("%w: %s drift exceeds %s", ErrStaleRequest, drift.Round(time.Second), TimestampWindow)
	}

	if err := a.nonces.RememberNonce(keycodec.Canonical(pub), env.Nonce, now); err != nil {
		return nil, err
	}
	return pub, nil
}
