package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize     = 32
	IVSize      = 12
	AuthTagSize = 16
)

var (
	// ErrAuthenticationFailed is returned for any AEAD open failure. It never
	// says whether the tag, ciphertext or key was wrong.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidKey           = errors.New("invalid symmetric key")
	ErrInvalidIV            = errors.New("iv must be 12 bytes")
	ErrInvalidPublicKey     = errors.New("invalid public key")
	ErrInvalidPrivateKey    = errors.New("invalid private key")
	ErrInvalidIterations    = errors.New("iterations must be positive")
)

// sharedSecretInfo binds HKDF output to its use as a conversation key.
var sharedSecretInfo = []byte("hybrid-conversation-shared-key-v1")

// SymmetricKey is an AES-256 key usable for encrypt and decrypt.
type SymmetricKey struct {
	raw []byte
}

// IsZero reports whether the key holds no material.
func (k SymmetricKey) IsZero() bool { return len(k.raw) == 0 }

// Equal compares two keys.
func (k SymmetricKey) Equal(o SymmetricKey) bool {
	if len(k.raw) != len(o.raw) {
		return false
	}
	var diff byte
	for i := range k.raw {
		diff |= k.raw[i] ^ o.raw[i]
	}
	return diff == 0
}

// Sealed is the output of an AES-256-GCM encryption with the tag split off.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// KeyPair is an X25519 key-agreement pair.
type KeyPair struct {
	PublicKey  *ecdh.PublicKey
	PrivateKey *ecdh.PrivateKey
}

// Adapter is the pluggable primitive backend. It has no conversation awareness.
type Adapter interface {
	GenerateRandomBytes(n int) ([]byte, error)
	GenerateEncryptionKey() (SymmetricKey, error)
	ImportKey(raw []byte) (SymmetricKey, error)
	ExportKey(key SymmetricKey) []byte

	Encrypt(plaintext []byte, key SymmetricKey, iv []byte) (Sealed, error)
	Decrypt(sealed Sealed, key SymmetricKey) ([]byte, error)

	GenerateECDHKeyPair() (KeyPair, error)
	ExportPublicKey(pub *ecdh.PublicKey) []byte
	ImportPublicKey(raw []byte) (*ecdh.PublicKey, error)
	ExportPrivateKey(priv *ecdh.PrivateKey) []byte
	ImportPrivateKey(raw []byte) (*ecdh.PrivateKey, error)
	DeriveSharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (SymmetricKey, error)

	DeriveKeyFromPassword(password string, salt []byte, iterations int) (SymmetricKey, error)
}

// StdAdapter implements Adapter with AES-256-GCM, X25519 + HKDF-SHA256 and
// PBKDF2-HMAC-SHA256.
type StdAdapter struct {
	rand  io.Reader
	curve ecdh.Curve
}

var _ Adapter = (*StdAdapter)(nil)

// NewAdapter creates a StdAdapter backed by crypto/rand.
func NewAdapter() *StdAdapter {
	return &StdAdapter{rand: randReader, curve: ecdh.X25519()}
}

func (a *StdAdapter) GenerateRandomBytes(n int) ([]byte, error) {
	return readRandom(a.rand, n)
}

func (a *StdAdapter) GenerateEncryptionKey() (SymmetricKey, error) {
	raw, err := a.GenerateRandomBytes(KeySize)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("generating key: %w", err)
	}
	return SymmetricKey{raw: raw}, nil
}

func (a *StdAdapter) ImportKey(raw []byte) (SymmetricKey, error) {
	if len(raw) != KeySize {
		return SymmetricKey{}, ErrInvalidKey
	}
	k := make([]byte, KeySize)
	copy(k, raw)
	return SymmetricKey{raw: k}, nil
}

func (a *StdAdapter) ExportKey(key SymmetricKey) []byte {
	out := make([]byte, len(key.raw))
	copy(out, key.raw)
	return out
}

// Encrypt seals plaintext under key with the caller's IV. The IV must never
// repeat for the same key.
func (a *StdAdapter) Encrypt(plaintext []byte, key SymmetricKey, iv []byte) (Sealed, error) {
	if len(iv) != IVSize {
		return Sealed{}, ErrInvalidIV
	}
	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}

	out := aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - AuthTagSize

	nonce := make([]byte, IVSize)
	copy(nonce, iv)
	return Sealed{
		Ciphertext: out[:split:split],
		IV:         nonce,
		AuthTag:    out[split:],
	}, nil
}

func (a *StdAdapter) Decrypt(sealed Sealed, key SymmetricKey) ([]byte, error) {
	if len(sealed.IV) != IVSize || len(sealed.AuthTag) != AuthTagSize {
		return nil, ErrAuthenticationFailed
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	buf := make([]byte, 0, len(sealed.Ciphertext)+AuthTagSize)
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.AuthTag...)

	plaintext, err := aead.Open(nil, sealed.IV, buf, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (a *StdAdapter) GenerateECDHKeyPair() (KeyPair, error) {
	priv, err := a.curve.GenerateKey(a.rand)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating key pair: %w", err)
	}
	return KeyPair{PublicKey: priv.PublicKey(), PrivateKey: priv}, nil
}

func (a *StdAdapter) ExportPublicKey(pub *ecdh.PublicKey) []byte { return pub.Bytes() }

func (a *StdAdapter) ImportPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := a.curve.NewPublicKey(raw)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

func (a *StdAdapter) ExportPrivateKey(priv *ecdh.PrivateKey) []byte { return priv.Bytes() }

func (a *StdAdapter) ImportPrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	priv, err := a.curve.NewPrivateKey(raw)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return priv, nil
}

// DeriveSharedSecret runs X25519 and expands the result with HKDF-SHA256.
// derive(A.priv, B.pub) == derive(B.priv, A.pub).
func (a *StdAdapter) DeriveSharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (SymmetricKey, error) {
	if priv == nil {
		return SymmetricKey{}, ErrInvalidPrivateKey
	}
	if peer == nil {
		return SymmetricKey{}, ErrInvalidPublicKey
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("key agreement: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, sharedSecretInfo), key); err != nil {
		return SymmetricKey{}, fmt.Errorf("expanding shared secret: %w", err)
	}
	return SymmetricKey{raw: key}, nil
}

// DeriveKeyFromPassword derives an AES-256 key with PBKDF2-HMAC-SHA256 over
// the UTF-8 bytes of password.
func (a *StdAdapter) DeriveKeyFromPassword(password string, salt []byte, iterations int) (SymmetricKey, error) {
	if iterations <= 0 {
		return SymmetricKey{}, ErrInvalidIterations
	}
	return SymmetricKey{raw: pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)}, nil
}

func newGCM(key SymmetricKey) (cipher.AEAD, error) {
	if len(key.raw) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key.raw)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return cipher.NewGCM(block)
}
