// Package crypto provides the platform's hashing primitives: Keccak-256
// digests for fingerprints, binding keys, and address derivation, and
// Argon2id hashing for the verifier callback secret.
package crypto

import (
	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the legacy Keccak-256 digest of the concatenation of all
// inputs. Ethereum address and CREATE2 derivation use this variant, not the
// standardized SHA3-256.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
