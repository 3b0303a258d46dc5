package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/isopen-io/meeshy-sub013/internal/model"
)

// ErrConversationStateChanged means the conversation's encryption mode no longer
// matches the mode a message was prepared for.
var ErrConversationStateChanged = errors.New("conversation encryption state changed")

const messageColumns = `id, conversation_id, sender_id, message_type, content, encrypted_content, encryption_metadata, created_at`

// MessageRepository persists messages and their encryption fields.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// CreateGuarded inserts msg only if the conversation is still in expectedMode
// ("" meaning never encrypted). The check and insert are one statement, so a
// concurrent EnableEncryption either precedes it and fails the guard or
// follows it.
func (r *MessageRepository) CreateGuarded(ctx context.Context, msg *model.Message, expectedMode model.EncryptionMode) error {
	args, err := messageArgs(msg)
	if err != nil {
		return err
	}

	var mode any
	if expectedMode != "" {
		mode = string(expectedMode)
	}

	query := `INSERT INTO messages (` + messageColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ? FROM conversations
		WHERE id = ? AND encryption_mode <=> ?`

	result, err := r.db.ExecContext(ctx, query, append(args, msg.ConversationID, mode)...)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrConversationStateChanged
	}
	return nil
}

// Create inserts msg without checking conversation state. Used for system messages.
func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) error {
	args, err := messageArgs(msg)
	if err != nil {
		return err
	}
	query := `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListByConversation returns up to limit messages created before the given time,
// newest first. A zero before means now.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if before.IsZero() {
		before = time.Now()
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? AND created_at < ? ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, conversationID, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func messageArgs(msg *model.Message) ([]any, error) {
	var meta any
	if msg.EncryptionMetadata != nil {
		b, err := model.MarshalMetadata(msg.EncryptionMetadata)
		if err != nil {
			return nil, err
		}
		meta = string(b)
	}
	return []any{
		msg.ID, msg.ConversationID, msg.SenderID, msg.MessageType,
		msg.Content, msg.EncryptedContent, meta, msg.CreatedAt.UTC(),
	}, nil
}

func scanMessage(rows *sql.Rows) (model.Message, error) {
	var (
		m                  model.Message
		content, encrypted sql.NullString
		meta               sql.NullString
	)
	if err := rows.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.MessageType,
		&content, &encrypted, &meta, &m.CreatedAt,
	); err != nil {
		return model.Message{}, err
	}
	m.Content = nullString(content)
	m.EncryptedContent = nullString(encrypted)
	if meta.Valid {
		md, err := model.UnmarshalMetadata([]byte(meta.String))
		if err != nil {
			return model.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.EncryptionMetadata = md
	}
	return m, nil
}
