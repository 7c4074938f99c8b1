package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/selfclaw/selfclaw/internal/keycodec"
)

// memNonces is an in-memory NonceStore for tests.
type memNonces struct {
	seen map[string]bool
}

func newMemNonces() *memNonces {
	return &memNonces{seen: make(map[string]bool)}
}

func (m *memNonces) RememberNonce(publicKey, nonce string, _ time.Time) error {
	key := publicKey + "\x00" + nonce
	if m.seen[key] {
		return ErrReplayedNonce
	}
	m.seen[key] = true
	return nil
}

func genKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub, priv
}

func signedEnvelope(priv ed25519.PrivateKey, keyEnc string, at time.Time, nonce string) Envelope {
	env := Envelope{
		AgentPublicKey: keyEnc,
		Timestamp:      at.UnixMilli(),
		Nonce:          nonce,
	}
	env.Signature = Sign(priv, env)
	return env
}

func TestVerifyAcceptsValidEnvelope(t *testing.T) {
	pub, priv := genKeypair(t)
	a := New(newMemNonces())

	env := signedEnvelope(priv, keycodec.Canonical(pub), time.Now(), "nonce-0001")
	got, err := a.Verify(env)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if keycodec.Canonical(got) != keycodec.Canonical(pub) {
		t.Fatalf("returned key %s, want %s", keycodec.Canonical(got), keycodec.Canonical(pub))
	}
}

func TestVerifySignatureCoversSubmittedEncoding(t *testing.T) {
	// The signing string embeds the key exactly as submitted. A base64 key
	// signed as base64 must verify even though storage is canonical hex.
	pub, priv := genKeypair(t)
	a := New(newMemNonces())

	env := signedEnvelope(priv, base64.StdEncoding.EncodeToString(pub), time.Now(), "nonce-0002")
	got, err := a.Verify(env)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if keycodec.Canonical(got) != keycodec.Canonical(pub) {
		t.Fatal("canonical key mismatch")
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	pub, _ := genKeypair(t)
	_, otherPriv := genKeypair(t)
	a := New(newMemNonces())

	env := signedEnvelope(otherPriv, keycodec.Canonical(pub), time.Now(), "nonce-0003")
	if _, err := a.Verify(env); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsTamperedTimestamp(t *testing.T) {
	pub, priv := genKeypair(t)
	a := New(newMemNonces())

	env := signedEnvelope(priv, keycodec.Canonical(pub), time.Now(), "nonce-0004")
	env.Timestamp += 1
	if _, err := a.Verify(env); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	pub, priv := genKeypair(t)
	a := New(newMemNonces())

	for name, at := range map[string]time.Time{
		"past":   time.Now().Add(-TimestampWindow - time.Minute),
		"future": time.Now().Add(TimestampWindow + time.Minute),
	} {
		env := signedEnvelope(priv, keycodec.Canonical(pub), at, "nonce-"+name)
		if _, err := a.Verify(env); !errors.Is(err, ErrStaleRequest) {
			t.Errorf("%s: Verify = %v, want ErrStaleRequest", name, err)
		}
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	pub, priv := genKeypair(t)
	a := New(newMemNonces())

	env := signedEnvelope(priv, keycodec.Canonical(pub), time.Now(), "nonce-replay")
	if _, err := a.Verify(env); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	// Same nonce, fresh signature: still a replay.
	env2 := signedEnvelope(priv, keycodec.Canonical(pub), time.Now(), "nonce-replay")
	if _, err := a.Verify(env2); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("second Verify = %v, want ErrReplayedNonce", err)
	}
}

func TestVerifyNonceScopedPerKey(t *testing.T) {
	pubA, privA := genKeypair(t)
	pubB, privB := genKeypair(t)
	a := New(newMemNonces())

	envA := signedEnvelope(privA, keycodec.Canonical(pubA), time.Now(), "shared-nonce")
	if _, err := a.Verify(envA); err != nil {
		t.Fatalf("key A: %v", err)
	}
	envB := signedEnvelope(privB, keycodec.Canonical(pubB), time.Now(), "shared-nonce")
	if _, err := a.Verify(envB); err != nil {
		t.Fatalf("key B with same nonce: %v", err)
	}
}

func TestVerifyNonceLengthBounds(t *testing.T) {
	pub, priv := genKeypair(t)
	a := New(newMemNonces())

	for name, nonce := range map[string]string{
		"too-short": "short",
		"too-long":  string(make([]byte, NonceMaxLen+1)),
	} {
		env := signedEnvelope(priv, keycodec.Canonical(pub), time.Now(), nonce)
		_, err := a.Verify(env)
		var encErr *keycodec.EncodingError
		if !errors.As(err, &encErr) {
			t.Errorf("%s: Verify = %v, want EncodingError", name, err)
		}
	}
}

func TestVerifyFailedRequestDoesNotBurnNonce(t *testing.T) {
	pub, priv := genKeypair(t)
	a := New(newMemNonces())

	// Stale request fails before the nonce is persisted.
	stale := signedEnvelope(priv, keycodec.Canonical(pub), time.Now().Add(-TimestampWindow-time.Minute), "nonce-keep")
	if _, err := a.Verify(stale); !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("stale Verify = %v, want ErrStaleRequest", err)
	}

	fresh := signedEnvelope(priv, keycodec.Canonical(pub), time.Now(), "nonce-keep")
	if _, err := a.Verify(fresh); err != nil {
		t.Fatalf("fresh Verify after failed attempt: %v", err)
	}
}
