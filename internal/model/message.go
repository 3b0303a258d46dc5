package model

import "time"

// MessageType classifies a message. Only MessageSystem changes encryption policy.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

// Message is a persisted message record. Exactly one of Content and
// EncryptedContent is set; system messages always carry Content.
type Message struct {
	ID                 string
	ConversationID     string
	SenderID           string
	MessageType        MessageType
	CreatedAt          time.Time
	Content            *string
	EncryptedContent   *string
	EncryptionMetadata EncryptionMetadata
}

// Payload rebuilds the wire payload of an encrypted message, or nil for plaintext.
func (m *Message) Payload() *EncryptedPayload {
	if m.EncryptedContent == nil {
		return nil
	}
	return &EncryptedPayload{Ciphertext: *m.EncryptedContent, Metadata: m.EncryptionMetadata}
}

// SendMessageRequest is an inbound message. Content carries plaintext;
// Encrypted carries a client-built payload for e2ee conversations.
type SendMessageRequest struct {
	MessageType MessageType       `json:"message_type"`
	Content     *string           `json:"content,omitempty"`
	Encrypted   *EncryptedPayload `json:"encrypted,omitempty"`
}

// MessageResponse is a message as returned to readers. Server-mode messages
// are returned decrypted in Content; e2ee messages only as Encrypted.
type MessageResponse struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	MessageType    MessageType       `json:"message_type"`
	CreatedAt      time.Time         `json:"created_at"`
	Content        *string           `json:"content,omitempty"`
	Encrypted      *EncryptedPayload `json:"encrypted,omitempty"`
	IsEncrypted    bool              `json:"is_encrypted"`
	EncryptionMode EncryptionMode    `json:"encryption_mode,omitempty"`
}
