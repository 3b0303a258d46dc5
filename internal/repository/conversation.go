package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/isopen-io/meeshy-sub013/internal/model"
)

var (
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrEncryptionAlreadyEnabled = errors.New("conversation encryption already enabled")
)

// ConversationRepository persists the encryption state of conversations.
type ConversationRepository struct {
	db *sql.DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create inserts a conversation and its participants in one transaction.
func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, type) VALUES (?, ?)`,
		conv.ID, conv.Type,
	); err != nil {
		return err
	}

	for _, userID := range conv.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conv.ID, userID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get retrieves a conversation with its participants.
func (r *ConversationRepository) Get(ctx context.Context, id string) (*model.Conversation, error) {
	query := `SELECT id, type, encryption_enabled_at, encryption_mode, encryption_protocol, server_encryption_key_id
		FROM conversations WHERE id = ?`

	var (
		conv                      model.Conversation
		enabledAt                 sql.NullTime
		mode, protocol, serverKey sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Type, &enabledAt, &mode, &protocol, &serverKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	conv.EncryptionEnabledAt = nullTime(enabledAt)
	conv.ServerEncryptionKeyID = nullString(serverKey)
	if mode.Valid {
		m := model.EncryptionMode(mode.String)
		conv.EncryptionMode = &m
	}
	if protocol.Valid {
		p := model.Protocol(protocol.String)
		conv.EncryptionProtocol = &p
	}

	participants, err := r.participants(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Participants = participants

	return &conv, nil
}

func (r *ConversationRepository) participants(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// enableEncryptionQuery sets the mode once. encryption_enabled_at is never
// earlier than one microsecond past the newest stored message, so a plaintext
// insert that committed just before the update stays before the boundary.
const enableEncryptionQuery = `UPDATE conversations
	SET encryption_mode = ?, encryption_protocol = ?, server_encryption_key_id = ?,
		encryption_enabled_at = GREATEST(?, COALESCE(
			(SELECT MAX(m.created_at) + INTERVAL 1 MICROSECOND FROM messages m WHERE m.conversation_id = ?), ?))
	WHERE id = ? AND encryption_mode IS NULL`

// EnableEncryption sets the encryption mode once and returns the stored
// encryption_enabled_at. The update only applies while encryption_mode is
// NULL; losing that race yields ErrEncryptionAlreadyEnabled.
func (r *ConversationRepository) EnableEncryption(ctx context.Context, id string, mode model.EncryptionMode,
	protocol model.Protocol, serverKeyID *string, at time.Time) (time.Time, error) {
	at = at.UTC()
	result, err := r.db.ExecContext(ctx, enableEncryptionQuery, mode, protocol, serverKeyID, at, id, at, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("enabling encryption: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if rowsAffected == 1 {
		var enabledAt time.Time
		if err := r.db.QueryRowContext(ctx,
			`SELECT encryption_enabled_at FROM conversations WHERE id = ?`, id,
		).Scan(&enabledAt); err != nil {
			return time.Time{}, err
		}
		return enabledAt, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return time.Time{}, err
	}
	if !exists {
		return time.Time{}, ErrConversationNotFound
	}
	return time.Time{}, ErrEncryptionAlreadyEnabled
}
