package crypto

import (
	"errors"
	"fmt"
)

var ErrUnwrapFailed = errors.New("unwrapping key failed")

// WrapKey seals a conversation key under the master key. The key id is bound
// as associated data so a wrapped key cannot be moved to another row.
// Output layout is iv || ciphertext || tag.
func WrapKey(a Adapter, master, key SymmetricKey, keyID string) ([]byte, error) {
	aead, err := newGCM(master)
	if err != nil {
		return nil, err
	}
	iv, err := a.GenerateRandomBytes(IVSize)
	if err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	return aead.Seal(iv, iv, a.ExportKey(key), []byte(keyID)), nil
}

// UnwrapKey opens a key produced by WrapKey.
func UnwrapKey(a Adapter, master SymmetricKey, wrapped []byte, keyID string) (SymmetricKey, error) {
	if len(wrapped) < IVSize+AuthTagSize {
		return SymmetricKey{}, ErrUnwrapFailed
	}
	aead, err := newGCM(master)
	if err != nil {
		return SymmetricKey{}, err
	}
	raw, err := aead.Open(nil, wrapped[:IVSize], wrapped[IVSize:], []byte(keyID))
	if err != nil {
		return SymmetricKey{}, ErrUnwrapFailed
	}
	return a.ImportKey(raw)
}
