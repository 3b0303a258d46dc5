package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/isopen-io/meeshy-sub013/internal/model"
	"github.com/isopen-io/meeshy-sub013/internal/repository"
)

const (
	// maxSendAttempts bounds re-reads when the conversation mode changes
	// between the gate's read and the guarded insert.
	maxSendAttempts = 3

	DefaultListLimit = 50
	MaxListLimit     = 200
)

// CanAutoTranslate reports whether the server may read a conversation's
// content for translation.
func CanAutoTranslate(conv *model.Conversation) bool {
	return conv.Mode() != model.ModeE2EE
}

// IsMessageEncrypted reports whether a message was stored as ciphertext.
func IsMessageEncrypted(msg *model.Message) bool {
	return msg.EncryptedContent != nil
}

// MessageService applies the conversation's encryption policy to every
// message it persists and renders.
type MessageService struct {
	convs      ConversationStore
	messages   MessageStore
	encryption *EncryptionService
	translator TranslationDispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewMessageService creates a new MessageService. translator may be nil.
func NewMessageService(convs ConversationStore, messages MessageStore, encryption *EncryptionService,
	translator TranslationDispatcher, logger *slog.Logger) *MessageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{
		convs:      convs,
		messages:   messages,
		encryption: encryption,
		translator: translator,
		logger:     logger,
		now:        time.Now,
	}
}

// SendMessage stores a message from senderID. System messages are always
// plaintext. Other messages follow the conversation mode at the moment of
// the write: plaintext, server-encrypted, or the client's e2ee payload.
func (s *MessageService) SendMessage(ctx context.Context, conversationID, senderID string, req model.SendMessageRequest) (*model.Message, error) {
	if req.MessageType == "" {
		req.MessageType = model.MessageText
	}

	if req.MessageType == model.MessageSystem {
		return s.sendSystem(ctx, conversationID, senderID, req)
	}

	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		conv, err := getConversation(ctx, s.convs, conversationID)
		if err != nil {
			return nil, err
		}
		if !isParticipant(conv, senderID) {
			return nil, ErrNotParticipant
		}

		msg, err := s.prepare(ctx, conv, senderID, req)
		if err != nil {
			return nil, err
		}

		err = s.messages.CreateGuarded(ctx, msg, conv.Mode())
		if errors.Is(err, repository.ErrConversationStateChanged) {
			s.logger.Warn("conversation mode changed during send, retrying",
				"conversation_id", conversationID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		if req.Content != nil && CanAutoTranslate(conv) {
			s.dispatchTranslation(ctx, msg, *req.Content)
		}
		return msg, nil
	}

	return nil, ErrConversationStateChanged
}

func (s *MessageService) sendSystem(ctx context.Context, conversationID, senderID string, req model.SendMessageRequest) (*model.Message, error) {
	if req.Encrypted != nil {
		return nil, fmt.Errorf("%w: system messages are never encrypted", ErrCallerContractViolation)
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: content is required", ErrCallerContractViolation)
	}
	conv, err := getConversation(ctx, s.convs, conversationID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(conv, senderID) {
		return nil, ErrNotParticipant
	}

	msg := s.newMessage(conversationID, senderID, req.MessageType)
	msg.Content = req.Content
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// prepare builds the message to persist for the conversation's current mode.
func (s *MessageService) prepare(ctx context.Context, conv *model.Conversation, senderID string, req model.SendMessageRequest) (*model.Message, error) {
	msg := s.newMessage(conv.ID, senderID, req.MessageType)
	// Messages in an encrypted mode never sort before its enabled-at.
	if conv.EncryptionEnabledAt != nil && msg.CreatedAt.Before(*conv.EncryptionEnabledAt) {
		msg.CreatedAt = conv.EncryptionEnabledAt.UTC()
	}

	switch conv.Mode() {
	case "":
		if req.Encrypted != nil {
			return nil, fmt.Errorf("%w: conversation is not encrypted", ErrCallerContractViolation)
		}
		if req.Content == nil {
			return nil, fmt.Errorf("%w: content is required", ErrCallerContractViolation)
		}
		msg.Content = req.Content

	case model.ModeServer:
		if req.Encrypted != nil {
			return nil, fmt.Errorf("%w: server-mode conversations take plaintext", ErrCallerContractViolation)
		}
		if req.Content == nil {
			return nil, fmt.Errorf("%w: content is required", ErrCallerContractViolation)
		}
		payload, err := s.encryption.encrypt(ctx, *req.Content, conv.ID)
		if err != nil {
			return nil, err
		}
		msg.EncryptedContent = &payload.Ciphertext
		msg.EncryptionMetadata = payload.Metadata

	case model.ModeE2EE:
		if req.Encrypted == nil {
			return nil, fmt.Errorf("%w: e2ee conversations require an encrypted payload", ErrCallerContractViolation)
		}
		if req.Content != nil {
			return nil, fmt.Errorf("%w: plaintext is not accepted in e2ee conversations", ErrCallerContractViolation)
		}
		if err := req.Encrypted.Validate(); err != nil {
			return nil, err
		}
		meta, ok := req.Encrypted.Metadata.(model.E2EEMetadata)
		if !ok {
			return nil, fmt.Errorf("%w: payload mode must be e2ee", ErrCallerContractViolation)
		}
		if conv.EncryptionProtocol != nil && meta.Protocol != *conv.EncryptionProtocol {
			return nil, fmt.Errorf("%w: payload protocol %s does not match conversation protocol %s",
				ErrCallerContractViolation, meta.Protocol, *conv.EncryptionProtocol)
		}
		ciphertext := req.Encrypted.Ciphertext
		msg.EncryptedContent = &ciphertext
		msg.EncryptionMetadata = meta

	default:
		return nil, fmt.Errorf("conversation %s has unknown mode %q", conv.ID, conv.Mode())
	}

	return msg, nil
}

func (s *MessageService) newMessage(conversationID, senderID string, t model.MessageType) *model.Message {
	return &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		MessageType:    t,
		CreatedAt:      s.now().UTC(),
	}
}

func (s *MessageService) dispatchTranslation(ctx context.Context, msg *model.Message, text string) {
	if s.translator == nil {
		return
	}
	if err := s.translator.Dispatch(ctx, msg.ID, msg.ConversationID, text); err != nil {
		s.logger.Warn("translation dispatch failed",
			"message_id", msg.ID, "conversation_id", msg.ConversationID, "error", err)
	}
}

// ListMessages returns a page of messages as seen by userID, newest first.
func (s *MessageService) ListMessages(ctx context.Context, conversationID, userID string, before time.Time, limit int) ([]model.MessageResponse, error) {
	conv, err := getConversation(ctx, s.convs, conversationID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(conv, userID) {
		return nil, ErrNotParticipant
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	messages, err := s.messages.ListByConversation(ctx, conversationID, before, limit)
	if err != nil {
		return nil, err
	}

	result := make([]model.MessageResponse, len(messages))
	for i := range messages {
		result[i] = s.RenderMessage(ctx, &messages[i])
	}
	return result, nil
}

// RenderMessage converts a stored message for a reader. Server-mode ciphertext
// is decrypted; e2ee ciphertext is passed through untouched.
func (s *MessageService) RenderMessage(ctx context.Context, msg *model.Message) model.MessageResponse {
	resp := model.MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		MessageType:    msg.MessageType,
		CreatedAt:      msg.CreatedAt,
		IsEncrypted:    IsMessageEncrypted(msg),
	}
	if !resp.IsEncrypted {
		resp.Content = msg.Content
		return resp
	}

	payload := msg.Payload()
	if msg.EncryptionMetadata != nil {
		resp.EncryptionMode = msg.EncryptionMetadata.EncryptionMode()
	}
	if resp.EncryptionMode == model.ModeServer {
		plaintext, err := s.encryption.DecryptMessage(ctx, payload)
		if err == nil {
			resp.Content = &plaintext
			return resp
		}
		s.logger.Warn("server-mode message could not be decrypted", "message_id", msg.ID, "error", err)
	}
	resp.Encrypted = payload
	return resp
}

// isParticipant allows everyone when the membership list is unknown.
func isParticipant(conv *model.Conversation, userID string) bool {
	return len(conv.Participants) == 0 || slices.Contains(conv.Participants, userID)
}
