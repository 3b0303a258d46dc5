package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	IVSize      = 12
	AuthTagSize = 16
)

var ErrMalformedPayload = errors.New("malformed encrypted payload")

// EncryptionMetadata is a closed union of ServerMetadata and E2EEMetadata.
type EncryptionMetadata interface {
	EncryptionMode() EncryptionMode
	EncryptionProtocol() Protocol
	KeyRef() string
	isEncryptionMetadata()
}

// ServerMetadata describes a message sealed by the server with a ConversationKey.
type ServerMetadata struct {
	KeyID   string
	IV      string
	AuthTag string
}

func (ServerMetadata) EncryptionMode() EncryptionMode { return ModeServer }
func (ServerMetadata) EncryptionProtocol() Protocol { return ProtocolAESGCM }
func (m ServerMetadata) KeyRef() string { return m.KeyID }
func (ServerMetadata) isEncryptionMetadata() {}

// E2EEMetadata describes a message sealed by a client ratchet session.
type E2EEMetadata struct {
	Protocol      Protocol
	KeyID         string
	IV            string
	AuthTag       string
	MessageNumber uint32
	PreKeyID      *uint32
}

func (E2EEMetadata) EncryptionMode() EncryptionMode { return ModeE2EE }
func (m E2EEMetadata) EncryptionProtocol() Protocol { return m.Protocol }
func (m E2EEMetadata) KeyRef() string { return m.KeyID }
func (E2EEMetadata) isEncryptionMetadata() {}

// metadataWire is the JSON form of EncryptionMetadata.
type metadataWire struct {
	Mode          EncryptionMode `json:"mode"`
	Protocol      Protocol       `json:"protocol"`
	KeyID         string         `json:"keyId"`
	IV            string         `json:"iv"`
	AuthTag       string         `json:"authTag"`
	MessageNumber *uint32        `json:"messageNumber,omitempty"`
	PreKeyID      *uint32        `json:"preKeyId,omitempty"`
}

// MarshalMetadata encodes metadata with its mode discriminator.
func MarshalMetadata(m EncryptionMetadata) ([]byte, error) {
	switch v := m.(type) {
	case ServerMetadata:
		return json.Marshal(metadataWire{
			Mode: ModeServer, Protocol: ProtocolAESGCM,
			KeyID: v.KeyID, IV: v.IV, AuthTag: v.AuthTag,
		})
	case E2EEMetadata:
		n := v.MessageNumber
		return json.Marshal(metadataWire{
			Mode: ModeE2EE, Protocol: v.Protocol,
			KeyID: v.KeyID, IV: v.IV, AuthTag: v.AuthTag,
			MessageNumber: &n, PreKeyID: v.PreKeyID,
		})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("%w: unknown metadata type %T", ErrMalformedPayload, m)
	}
}

// UnmarshalMetadata decodes JSON metadata. A JSON null yields (nil, nil).
func UnmarshalMetadata(data []byte) (EncryptionMetadata, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var w metadataWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := ValidateModeProtocol(w.Mode, w.Protocol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.Mode == ModeServer {
		return ServerMetadata{KeyID: w.KeyID, IV: w.IV, AuthTag: w.AuthTag}, nil
	}
	m := E2EEMetadata{
		Protocol: w.Protocol,
		KeyID:    w.KeyID,
		IV:       w.IV,
		AuthTag:  w.AuthTag,
		PreKeyID: w.PreKeyID,
	}
	if w.MessageNumber != nil {
		m.MessageNumber = *w.MessageNumber
	}
	return m, nil
}

// EncryptedPayload is the wire shape of an encrypted message.
type EncryptedPayload struct {
	Ciphertext string
	Metadata   EncryptionMetadata
}

type payloadWire struct {
	Ciphertext string          `json:"ciphertext"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (p EncryptedPayload) MarshalJSON() ([]byte, error) {
	meta, err := MarshalMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadWire{Ciphertext: p.Ciphertext, Metadata: meta})
}

func (p *EncryptedPayload) UnmarshalJSON(data []byte) error {
	var w payloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	meta, err := UnmarshalMetadata(w.Metadata)
	if err != nil {
		return err
	}
	p.Ciphertext = w.Ciphertext
	p.Metadata = meta
	return nil
}

// Validate checks that every field needed to decrypt the payload is present
// and well formed. Server payloads must carry a 12-byte IV and 16-byte tag;
// e2ee payloads only need valid base64 since the ratchet owns their layout.
func (p *EncryptedPayload) Validate() error {
	if p == nil || p.Metadata == nil {
		return fmt.Errorf("%w: missing metadata", ErrMalformedPayload)
	}
	if _, err := base64.StdEncoding.DecodeString(p.Ciphertext); err != nil {
		return fmt.Errorf("%w: ciphertext is not base64", ErrMalformedPayload)
	}

	var keyID, iv, tag string
	switch m := p.Metadata.(type) {
	case ServerMetadata:
		keyID, iv, tag = m.KeyID, m.IV, m.AuthTag
	case E2EEMetadata:
		if err := ValidateModeProtocol(ModeE2EE, m.Protocol); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		keyID, iv, tag = m.KeyID, m.IV, m.AuthTag
	default:
		return fmt.Errorf("%w: unknown metadata type", ErrMalformedPayload)
	}

	if keyID == "" || iv == "" || tag == "" {
		return fmt.Errorf("%w: keyId, iv and authTag are required", ErrMalformedPayload)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return fmt.Errorf("%w: iv is not base64", ErrMalformedPayload)
	}
	tagBytes, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return fmt.Errorf("%w: authTag is not base64", ErrMalformedPayload)
	}
	if p.Metadata.EncryptionMode() == ModeServer {
		if len(ivBytes) != IVSize || len(tagBytes) != AuthTagSize {
			return fmt.Errorf("%w: bad iv or authTag length", ErrMalformedPayload)
		}
	}
	return nil
}
