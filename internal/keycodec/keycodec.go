// Package keycodec normalizes submitted public keys and signatures into one
// canonical internal form. Agents submit Ed25519 public keys either as
// SPKI-DER-base64 (what most crypto libraries export) or as the raw 32-byte
// key in base64 or hex; signatures arrive as hex or base64. The same key in
// any encoding must resolve to the same identity, so everything downstream
// works on the canonical form only.
package keycodec

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/selfclaw/selfclaw/internal/crypto"
)

// FingerprintLen is the length of a key fingerprint in hex characters.
const FingerprintLen = 16

// EncodingError reports a malformed key or signature. The client must fix the
// input; these are never retried server-side.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DecodePublicKey decodes a submitted public key into its canonical 32-byte
// Ed25519 form. Accepted encodings: SPKI-DER-base64, raw-32-byte base64
// (standard or unpadded), and raw-32-byte hex (optionally 0x-prefixed).
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &EncodingError{Field: "agentPublicKey", Reason: "empty"}
	}

	if raw, ok := decodeHex(s); ok {
		if len(raw) != ed25519.PublicKeySize {
			return nil, &EncodingError{
				Field:  "agentPublicKey",
				Reason: fmt.Sprintf("hex key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw)),
			}
		}
		return ed25519.PublicKey(raw), nil
	}

	raw, err := decodeBase64(s)
	if err != nil {
		return nil, &EncodingError{Field: "agentPublicKey", Reason: "not valid hex or base64"}
	}

	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}

	// Longer than a raw key: try SPKI DER.
	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, &EncodingError{Field: "agentPublicKey", Reason: "not a raw 32-byte key or SPKI DER"}
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, &EncodingError{Field: "agentPublicKey", Reason: "SPKI key is not Ed25519"}
	}
	return pub, nil
}

// DecodeSignature decodes a hex- or base64-encoded Ed25519 signature.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &EncodingError{Field: "signature", Reason: "empty"}
	}

	raw, ok := decodeHex(s)
	if !ok {
		var err error
		raw, err = decodeBase64(s)
		if err != nil {
			return nil, &EncodingError{Field: "signature", Reason: "not valid hex or base64"}
		}
	}

	if len(raw) != ed25519.SignatureSize {
		return nil, &EncodingError{
			Field:  "signature",
			Reason: fmt.Sprintf("must be %d bytes, got %d", ed25519.SignatureSize, len(raw)),
		}
	}
	return raw, nil
}

// Canonical returns the storage key for a public key: lowercase hex of the
// raw 32 bytes.
func Canonical(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// Fingerprint returns the short identifier for a public key: the first 8
// bytes of its Keccak-256 digest as 16 lowercase hex characters. The external
// proof verifier addresses sessions by this value.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := crypto.Keccak256(pub)
	return hex.EncodeToString(sum[:8])
}

// decodeHex decodes s as hex, tolerating a 0x prefix. The second return is
// false when s is not plausibly hex at all, so base64 can be tried next.
// Even-length all-hex strings that are also valid base64 are treated as hex;
// a raw 32-byte key in hex is 64 chars, which no base64 key form collides with.
func decodeHex(s string) ([]byte, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s)%2 != 0 {
		return nil, false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
