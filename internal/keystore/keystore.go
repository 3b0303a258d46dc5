// Package keystore is durable client-side storage for conversation keys and
// the user's own key bundle.
package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/isopen-io/meeshy-sub013/internal/model"
)

var (
	ErrNotInitialized = errors.New("keystore not initialized: call Init first")
	ErrNotFound       = errors.New("key not found")
	ErrInvalidExport  = errors.New("invalid key export")
)

// StoredKey is a raw key kept by the client, base64 encoded.
type StoredKey struct {
	ID             string `json:"id"`
	Key            string `json:"key"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// ConversationKeyRef records which key a conversation uses and in which mode.
type ConversationKeyRef struct {
	ConversationID string               `json:"conversationId"`
	KeyID          string               `json:"keyId"`
	Mode           model.EncryptionMode `json:"mode"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// UserKeyBundle is a user's identity and signed pre-key material, base64 encoded.
type UserKeyBundle struct {
	UserID                string `json:"userId"`
	RegistrationID        uint32 `json:"registrationId"`
	IdentityPublicKey     string `json:"identityPublicKey"`
	IdentityPrivateKey    string `json:"identityPrivateKey"`
	SignedPreKeyID        uint32 `json:"signedPreKeyId"`
	SignedPreKeyPublic    string `json:"signedPreKeyPublic"`
	SignedPreKeyPrivate   string `json:"signedPreKeyPrivate"`
	SignedPreKeySignature string `json:"signedPreKeySignature"`
}

// KeyStore is the client key storage contract. Every method fails with
// ErrNotInitialized until the store is ready; lookups of absent entries fail
// with ErrNotFound.
type KeyStore interface {
	StoreKey(ctx context.Context, key StoredKey) error
	GetKey(ctx context.Context, id string) (string, error)
	StoreConversationKey(ctx context.Context, conversationID, keyID string, mode model.EncryptionMode) error
	GetConversationKey(ctx context.Context, conversationID string) (*ConversationKeyRef, error)
	StoreUserKeys(ctx context.Context, bundle UserKeyBundle) error
	GetUserKeys(ctx context.Context, userID string) (*UserKeyBundle, error)
	ClearAll(ctx context.Context) error
	ExportKeys(ctx context.Context, password string) (string, error)
	ImportKeys(ctx context.Context, blob, password string) error
}

// exportDocument is the plaintext sealed inside an export blob.
type exportDocument struct {
	Version          int                  `json:"version"`
	ExportedAt       time.Time            `json:"exportedAt"`
	Keys             []StoredKey          `json:"keys"`
	ConversationKeys []ConversationKeyRef `json:"conversationKeys"`
	UserKeys         []UserKeyBundle      `json:"userKeys"`
}

const exportVersion = 1
