package model

import (
	"errors"
	"time"
)

// ConversationType distinguishes one-to-one from multi-party conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// EncryptionMode is the conversation-level encryption policy.
type EncryptionMode string

const (
	ModeServer EncryptionMode = "server"
	ModeE2EE   EncryptionMode = "e2ee"
)

// Protocol identifies the cipher suite a conversation or payload declares.
type Protocol string

const (
	ProtocolAESGCM   Protocol = "aes-256-gcm"
	ProtocolSignalV3 Protocol = "signal_v3"
)

var (
	ErrInvalidMode          = errors.New("invalid encryption mode")
	ErrModeProtocolMismatch = errors.New("protocol does not match encryption mode")
)

// ratchetProtocols lists the protocol ids accepted for e2ee conversations.
var ratchetProtocols = map[Protocol]bool{
	ProtocolSignalV3: true,
}

// ValidateModeProtocol enforces the fixed mode/protocol pairing.
func ValidateModeProtocol(mode EncryptionMode, protocol Protocol) error {
	switch mode {
	case ModeServer:
		if protocol != ProtocolAESGCM {
			return ErrModeProtocolMismatch
		}
	case ModeE2EE:
		if !ratchetProtocols[protocol] {
			return ErrModeProtocolMismatch
		}
	default:
		return ErrInvalidMode
	}
	return nil
}

// Conversation holds the encryption state of a conversation. Other conversation
// attributes are owned elsewhere.
type Conversation struct {
	ID                    string
	Type                  ConversationType
	Participants          []string
	EncryptionEnabledAt   *time.Time
	EncryptionMode        *EncryptionMode
	EncryptionProtocol    *Protocol
	ServerEncryptionKeyID *string
}

// Mode returns the current mode, or "" when the conversation was never encrypted.
func (c *Conversation) Mode() EncryptionMode {
	if c == nil || c.EncryptionMode == nil {
		return ""
	}
	return *c.EncryptionMode
}

// ConversationKey is a server-held symmetric key for a server-mode conversation.
// WrappedKey is the raw key sealed under the service master key.
type ConversationKey struct {
	KeyID          string
	ConversationID string
	WrappedKey     []byte
	CreatedAt      time.Time
}

// EnableEncryptionRequest is the body of an encryption transition request.
type EnableEncryptionRequest struct {
	Mode     EncryptionMode `json:"mode"`
	Protocol Protocol       `json:"protocol"`
}

// EncryptionStatus reports a conversation's encryption state to API callers.
type EncryptionStatus struct {
	ConversationID      string          `json:"conversation_id"`
	Mode                *EncryptionMode `json:"mode"`
	Protocol            *Protocol       `json:"protocol"`
	EncryptionEnabledAt *time.Time      `json:"encryption_enabled_at"`
	CanAutoTranslate    bool            `json:"can_auto_translate"`
}
