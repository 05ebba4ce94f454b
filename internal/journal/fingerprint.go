package journal

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
	// Argon2id parameters (RFC 9106 recommendations)
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32

	saltLen = 16

	fingerprintPrefix = "argon2id"
)

var errBadFingerprint = errors.New("malformed password fingerprint")

// Fingerprint returns a salted argon2id digest of password in the form
// argon2id$<salt>$<digest>, suitable for storing next to a run.
func Fingerprint(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	enc := base64.RawStdEncoding
	return strings.Join([]string{fingerprintPrefix, enc.EncodeToString(salt), enc.EncodeToString(key)}, "$"), nil
}

// MatchFingerprint reports whether password produced fp.
func MatchFingerprint(fp, password string) (bool, error) {
	parts := strings.Split(fp, "$")
	if len(parts) != 3 || parts[0] != fingerprintPrefix {
		return false, errBadFingerprint
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: %w", errBadFingerprint, err)
	}
	want, err := enc.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("%w: %w", errBadFingerprint, err)
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
