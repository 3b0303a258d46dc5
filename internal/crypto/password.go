package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultIterations is the PBKDF2 work factor for password-protected blobs.
	DefaultIterations = 600_000
	// MaxIterations bounds the work factor accepted from a sealed blob.
	MaxIterations = 10 * DefaultIterations
	saltLength    = 16
)

var ErrInvalidSealedFormat = errors.New("invalid password-sealed format")

// SealWithPassword encrypts plaintext under a key derived from password and
// encodes the result in PHC-like form:
//
//	$pbkdf2-sha256$i=600000$<base64-salt>$<base64-iv>$<base64-ciphertext+tag>
func SealWithPassword(a Adapter, password string, plaintext []byte, iterations int) (string, error) {
	if iterations > MaxIterations {
		return "", ErrInvalidIterations
	}
	salt, err := a.GenerateRandomBytes(saltLength)
	if err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key, err := a.DeriveKeyFromPassword(password, salt, iterations)
	if err != nil {
		return "", err
	}
	iv, err := a.GenerateRandomBytes(IVSize)
	if err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}
	sealed, err := a.Encrypt(plaintext, key, iv)
	if err != nil {
		return "", err
	}

	body := append(sealed.Ciphertext, sealed.AuthTag...)
	return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s$%s$%s",
		iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sealed.IV),
		base64.RawStdEncoding.EncodeToString(body),
	), nil
}

// OpenWithPassword reverses SealWithPassword. A wrong password yields
// ErrAuthenticationFailed.
func OpenWithPassword(a Adapter, password, encoded string) ([]byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "pbkdf2-sha256" {
		return nil, ErrInvalidSealedFormat
	}

	var iterations int
	if _, err := fmt.Sscanf(parts[2], "i=%d", &iterations); err != nil || iterations <= 0 || iterations > MaxIterations {
		return nil, ErrInvalidSealedFormat
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, ErrInvalidSealedFormat
	}
	iv, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, ErrInvalidSealedFormat
	}
	body, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(body) < AuthTagSize {
		return nil, ErrInvalidSealedFormat
	}

	key, err := a.DeriveKeyFromPassword(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	split := len(body) - AuthTagSize
	return a.Decrypt(Sealed{Ciphertext: body[:split], IV: iv, AuthTag: body[split:]}, key)
}
