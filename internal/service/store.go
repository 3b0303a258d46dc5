package service

import (
	"context"
	"errors"
	"time"

	"github.com/isopen-io/meeshy-sub013/internal/crypto"
	"github.com/isopen-io/meeshy-sub013/internal/model"
)

var (
	ErrUnsupportedOperation     = errors.New("unsupported operation")
	ErrKeyNotFound              = errors.New("encryption key not found")
	ErrCallerContractViolation  = errors.New("caller contract violation")
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrConversationStateChanged = errors.New("conversation encryption state changed, retry")
	ErrNotParticipant           = errors.New("user is not a participant of the conversation")

	// Re-exported so callers can match every engine error from this package.
	ErrMalformedPayload     = model.ErrMalformedPayload
	ErrAuthenticationFailed = crypto.ErrAuthenticationFailed
)

// ConversationStore is the conversation persistence the services depend on.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*model.Conversation, error)
	// EnableEncryption applies the transition once and returns the stored
	// enabled-at, which is later than every message already persisted.
	EnableEncryption(ctx context.Context, id string, mode model.EncryptionMode, protocol model.Protocol, serverKeyID *string, at time.Time) (time.Time, error)
}

// ConversationKeyStore persists wrapped conversation keys, one per conversation.
type ConversationKeyStore interface {
	Create(ctx context.Context, key *model.ConversationKey) error
	GetByConversation(ctx context.Context, conversationID string) (*model.ConversationKey, error)
	GetByKeyID(ctx context.Context, keyID string) (*model.ConversationKey, error)
	DeleteByConversation(ctx context.Context, conversationID string) (int64, error)
}

// MessageStore persists messages.
type MessageStore interface {
	CreateGuarded(ctx context.Context, msg *model.Message, expectedMode model.EncryptionMode) error
	Create(ctx context.Context, msg *model.Message) error
	ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error)
}

// KeyBackupStore persists client key backups.
type KeyBackupStore interface {
	Upsert(ctx context.Context, b *model.KeyBackup) error
	Get(ctx context.Context, userID, deviceID string) (*model.KeyBackup, error)
	ListByUser(ctx context.Context, userID string) ([]model.KeyBackup, error)
	SoftDelete(ctx context.Context, userID, deviceID string) error
}

// TranslationDispatcher hands plaintext to the translation pipeline.
type TranslationDispatcher interface {
	Dispatch(ctx context.Context, messageID, conversationID, text string) error
}
