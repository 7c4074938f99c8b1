package crypto

import (
	"crypto/hmac"
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	hashLen      = 32
	saltLen      = 32
)

// HashSecret hashes a shared secret with Argon2id under a fresh random salt.
// The returned slice is salt || hash.
func HashSecret(secret string) []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, hashLen)
	result := make([]byte, saltLen+hashLen)
	copy(result[:saltLen], salt)
	copy(result[saltLen:], hash)
	return result
}

// VerifySecret reports whether secret matches a salt||hash value produced by
// HashSecret. Comparison is constant-time.
func VerifySecret(secret string, stored []byte) bool {
	if len(stored) < saltLen+hashLen {
		return false
	}
	salt := stored[:saltLen]
	hash := stored[saltLen:]
	computed := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, hashLen)
	return hmac.Equal(hash, computed)
}
