package secretfile

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/awnumar/memguard"
)

// PasswordLength is the length of passwords produced by GeneratePassword.
const PasswordLength = 32

const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_.:+=@%"

// ErrEmptySecret is returned when a secret has no content.
var ErrEmptySecret = errors.New("secret is empty")

// Secret holds a password encrypted in memory until it is written out.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals b into a memory enclave. b is wiped.
func NewSecret(b []byte) (*Secret, error) {
	if len(b) == 0 {
		return nil, ErrEmptySecret
	}
	enclave := memguard.NewEnclave(b)
	if enclave == nil {
		return nil, ErrEmptySecret
	}
	return &Secret{enclave: enclave}, nil
}

// SecretFromString seals s into a memory enclave.
func SecretFromString(s string) (*Secret, error) {
	return NewSecret([]byte(s))
}

// Reveal returns the plaintext. Callers only do this to hand a generated
// password back to the operator.
func (s *Secret) Reveal() (string, error) {
	lb, err := s.open()
	if err != nil {
		return "", err
	}
	defer lb.Destroy()
	return string(lb.Bytes()), nil
}

func (s *Secret) open() (*memguard.LockedBuffer, error) {
	if s == nil || s.enclave == nil {
		return nil, ErrEmptySecret
	}
	lb, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open secret enclave: %w", err)
	}
	return lb, nil
}

// GeneratePassword returns a cryptographically random password of
// PasswordLength characters.
func GeneratePassword() (*Secret, error) {
	buf := make([]byte, PasswordLength)
	limit := big.NewInt(int64(len(passwordCharset)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to generate random bytes: %w", err)
		}
		buf[i] = passwordCharset[n.Int64()]
	}
	return NewSecret(buf)
}
