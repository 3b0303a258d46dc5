package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/isopen-io/meeshy-sub013/internal/crypto"
	"github.com/isopen-io/meeshy-sub013/internal/model"
	"github.com/isopen-io/meeshy-sub013/internal/repository"
)

// EncryptionService owns conversation keys, server-mode encryption and the
// one-way transition of a conversation into an encryption mode.
type EncryptionService struct {
	convs   ConversationStore
	keys    ConversationKeyStore
	adapter crypto.Adapter
	master  crypto.SymmetricKey
	logger  *slog.Logger
	now     func() time.Time
}

// NewEncryptionService creates a new EncryptionService. master wraps every
// conversation key at rest.
func NewEncryptionService(convs ConversationStore, keys ConversationKeyStore, adapter crypto.Adapter,
	master crypto.SymmetricKey, logger *slog.Logger) *EncryptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EncryptionService{
		convs:   convs,
		keys:    keys,
		adapter: adapter,
		master:  master,
		logger:  logger,
		now:     time.Now,
	}
}

// GetOrCreateConversationKey returns the key id of a conversation, creating the
// key on first use. Concurrent first calls converge on a single key.
func (s *EncryptionService) GetOrCreateConversationKey(ctx context.Context, conversationID string) (string, error) {
	stored, _, err := s.conversationKey(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return stored.KeyID, nil
}

func (s *EncryptionService) conversationKey(ctx context.Context, conversationID string) (*model.ConversationKey, crypto.SymmetricKey, error) {
	stored, err := s.keys.GetByConversation(ctx, conversationID)
	if err == nil {
		key, err := s.unwrap(stored)
		return stored, key, err
	}
	if !errors.Is(err, repository.ErrKeyNotFound) {
		return nil, crypto.SymmetricKey{}, fmt.Errorf("loading conversation key: %w", err)
	}

	key, err := s.adapter.GenerateEncryptionKey()
	if err != nil {
		return nil, crypto.SymmetricKey{}, err
	}
	keyID := uuid.NewString()
	wrapped, err := crypto.WrapKey(s.adapter, s.master, key, keyID)
	if err != nil {
		return nil, crypto.SymmetricKey{}, fmt.Errorf("wrapping conversation key: %w", err)
	}

	created := &model.ConversationKey{
		KeyID:          keyID,
		ConversationID: conversationID,
		WrappedKey:     wrapped,
		CreatedAt:      s.now().UTC(),
	}
	err = s.keys.Create(ctx, created)
	switch {
	case err == nil:
		s.logger.Info("conversation key provisioned", "conversation_id", conversationID, "key_id", keyID)
		return created, key, nil
	case errors.Is(err, repository.ErrKeyExists):
		// Another writer won; use its key.
		winner, err := s.keys.GetByConversation(ctx, conversationID)
		if err != nil {
			return nil, crypto.SymmetricKey{}, fmt.Errorf("re-reading conversation key: %w", err)
		}
		key, err := s.unwrap(winner)
		return winner, key, err
	default:
		return nil, crypto.SymmetricKey{}, fmt.Errorf("storing conversation key: %w", err)
	}
}

func (s *EncryptionService) keyByID(ctx context.Context, keyID string) (crypto.SymmetricKey, error) {
	stored, err := s.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return crypto.SymmetricKey{}, ErrKeyNotFound
		}
		return crypto.SymmetricKey{}, err
	}
	return s.unwrap(stored)
}

func (s *EncryptionService) unwrap(stored *model.ConversationKey) (crypto.SymmetricKey, error) {
	key, err := crypto.UnwrapKey(s.adapter, s.master, stored.WrappedKey, stored.KeyID)
	if err != nil {
		return crypto.SymmetricKey{}, fmt.Errorf("unwrapping key %s: %w", stored.KeyID, err)
	}
	return key, nil
}

// EncryptMessage encrypts plaintext with the conversation's key under a fresh
// random IV. Only conversations that are not in e2ee mode can be encrypted here.
func (s *EncryptionService) EncryptMessage(ctx context.Context, plaintext, conversationID string) (*model.EncryptedPayload, error) {
	conv, err := getConversation(ctx, s.convs, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Mode() == model.ModeE2EE {
		return nil, fmt.Errorf("%w: server cannot encrypt for an e2ee conversation", ErrUnsupportedOperation)
	}
	return s.encrypt(ctx, plaintext, conversationID)
}

func (s *EncryptionService) encrypt(ctx context.Context, plaintext, conversationID string) (*model.EncryptedPayload, error) {
	stored, key, err := s.conversationKey(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	iv, err := s.adapter.GenerateRandomBytes(crypto.IVSize)
	if err != nil {
		return nil, err
	}
	sealed, err := s.adapter.Encrypt([]byte(plaintext), key, iv)
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}

	return &model.EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		Metadata: model.ServerMetadata{
			KeyID:   stored.KeyID,
			IV:      base64.StdEncoding.EncodeToString(sealed.IV),
			AuthTag: base64.StdEncoding.EncodeToString(sealed.AuthTag),
		},
	}, nil
}

// DecryptMessage decrypts a server-mode payload. E2EE payloads are refused:
// the server never holds those keys.
func (s *EncryptionService) DecryptMessage(ctx context.Context, payload *model.EncryptedPayload) (string, error) {
	if payload == nil || payload.Metadata == nil {
		return "", fmt.Errorf("%w: missing metadata", ErrMalformedPayload)
	}
	if payload.Metadata.EncryptionMode() == model.ModeE2EE {
		return "", fmt.Errorf("%w: e2ee payloads cannot be decrypted by the server", ErrUnsupportedOperation)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	meta := payload.Metadata.(model.ServerMetadata)
	ciphertext, _ := base64.StdEncoding.DecodeString(payload.Ciphertext)
	iv, _ := base64.StdEncoding.DecodeString(meta.IV)
	tag, _ := base64.StdEncoding.DecodeString(meta.AuthTag)

	key, err := s.keyByID(ctx, meta.KeyID)
	if err != nil {
		return "", err
	}

	plaintext, err := s.adapter.Decrypt(crypto.Sealed{Ciphertext: ciphertext, IV: iv, AuthTag: tag}, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ParseEncryptedContent rebuilds a payload from stored columns. It returns nil
// when either part is missing or does not form a valid payload.
func (s *EncryptionService) ParseEncryptedContent(encryptedContent *string, metadata []byte) *model.EncryptedPayload {
	if encryptedContent == nil || len(metadata) == 0 {
		return nil
	}
	meta, err := model.UnmarshalMetadata(metadata)
	if err != nil || meta == nil {
		return nil
	}
	payload := &model.EncryptedPayload{Ciphertext: *encryptedContent, Metadata: meta}
	if payload.Validate() != nil {
		return nil
	}
	return payload
}

// EnableEncryption moves a never-encrypted conversation into mode on behalf of
// userID, who must be a participant. The transition happens at most once; any
// later or concurrent losing call gets ErrUnsupportedOperation and leaves
// state untouched.
func (s *EncryptionService) EnableEncryption(ctx context.Context, conversationID, userID string,
	mode model.EncryptionMode, protocol model.Protocol) (*model.Conversation, error) {
	if err := model.ValidateModeProtocol(mode, protocol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallerContractViolation, err)
	}

	conv, err := getConversation(ctx, s.convs, conversationID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(conv, userID) {
		return nil, ErrNotParticipant
	}
	if conv.Mode() != "" {
		return nil, fmt.Errorf("%w: encryption already enabled (%s)", ErrUnsupportedOperation, conv.Mode())
	}

	var serverKeyID *string
	if mode == model.ModeServer {
		keyID, err := s.GetOrCreateConversationKey(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		serverKeyID = &keyID
	}

	at, err := s.convs.EnableEncryption(ctx, conversationID, mode, protocol, serverKeyID, s.now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrEncryptionAlreadyEnabled):
		s.logger.Warn("encryption transition lost race", "conversation_id", conversationID, "mode", mode)
		return nil, fmt.Errorf("%w: encryption already enabled", ErrUnsupportedOperation)
	case errors.Is(err, repository.ErrConversationNotFound):
		return nil, ErrConversationNotFound
	default:
		return nil, err
	}

	conv.EncryptionMode = &mode
	conv.EncryptionProtocol = &protocol
	conv.EncryptionEnabledAt = &at
	conv.ServerEncryptionKeyID = serverKeyID

	s.logger.Info("conversation encryption enabled",
		"conversation_id", conversationID, "mode", mode, "protocol", protocol)
	return conv, nil
}

// Status reports the encryption state of a conversation to one of its participants.
func (s *EncryptionService) Status(ctx context.Context, conversationID, userID string) (model.EncryptionStatus, error) {
	conv, err := getConversation(ctx, s.convs, conversationID)
	if err != nil {
		return model.EncryptionStatus{}, err
	}
	if !isParticipant(conv, userID) {
		return model.EncryptionStatus{}, ErrNotParticipant
	}
	return model.EncryptionStatus{
		ConversationID:      conv.ID,
		Mode:                conv.EncryptionMode,
		Protocol:            conv.EncryptionProtocol,
		EncryptionEnabledAt: conv.EncryptionEnabledAt,
		CanAutoTranslate:    CanAutoTranslate(conv),
	}, nil
}

// PurgeConversationKeys deletes the key of a conversation being deleted.
// Server-mode messages of that conversation become unreadable.
func (s *EncryptionService) PurgeConversationKeys(ctx context.Context, conversationID string) (int64, error) {
	n, err := s.keys.DeleteByConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("conversation keys purged", "conversation_id", conversationID, "count", n)
	}
	return n, nil
}

func getConversation(ctx context.Context, convs ConversationStore, id string) (*model.Conversation, error) {
	conv, err := convs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}
