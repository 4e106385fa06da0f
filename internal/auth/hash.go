package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey returns "salt$hash" using Argon2id, both base64 encoded.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(sum), nil
}

// VerifyAPIKey compares apiKey against an encoded hash in constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltB64, sumB64, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, errors.New("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(sumB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// AdminKey holds the hashed admin API key. The plaintext is dropped after
// construction.
type AdminKey struct {
	hash string
}

// NewAdminKey hashes key. An empty key yields an AdminKey that rejects
// everything, which disables token issuance.
func NewAdminKey(key string) (*AdminKey, error) {
	if key == "" {
		return &AdminKey{}, nil
	}
	h, err := HashAPIKey(key)
	if err != nil {
		return nil, err
	}
	return &AdminKey{hash: h}, nil
}

// Enabled reports whether an admin key was configured.
func (k *AdminKey) Enabled() bool {
	return k != nil && k.hash != ""
}

// Verify reports whether candidate matches the admin key. The hash is
// computed even when no key is configured, so timing does not reveal that.
func (k *AdminKey) Verify(candidate string) bool {
	if !k.Enabled() {
		argon2.IDKey([]byte(candidate), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
		return false
	}
	ok, err := VerifyAPIKey(candidate, k.hash)
	return err == nil && ok
}
