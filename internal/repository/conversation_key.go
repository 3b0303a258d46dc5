package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/isopen-io/meeshy-sub013/internal/model"
)

var (
	ErrKeyNotFound = errors.New("conversation key not found")
	ErrKeyExists   = errors.New("conversation key already exists")
)

// ConversationKeyRepository stores wrapped server-mode conversation keys.
// conversation_id is UNIQUE, so at most one key exists per conversation.
type ConversationKeyRepository struct {
	db *sql.DB
}

// NewConversationKeyRepository creates a new ConversationKeyRepository.
func NewConversationKeyRepository(db *sql.DB) *ConversationKeyRepository {
	return &ConversationKeyRepository{db: db}
}

// Create inserts a key. A second key for the same conversation fails with ErrKeyExists.
func (r *ConversationKeyRepository) Create(ctx context.Context, key *model.ConversationKey) error {
	query := `INSERT INTO conversation_keys (key_id, conversation_id, wrapped_key, created_at) VALUES (?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, key.KeyID, key.ConversationID, key.WrappedKey, key.CreatedAt.UTC())
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrKeyExists
		}
		return err
	}
	return nil
}

// GetByConversation retrieves the key of a conversation.
func (r *ConversationKeyRepository) GetByConversation(ctx context.Context, conversationID string) (*model.ConversationKey, error) {
	return r.getOne(ctx, `SELECT key_id, conversation_id, wrapped_key, created_at
		FROM conversation_keys WHERE conversation_id = ?`, conversationID)
}

// GetByKeyID retrieves a key by its id.
func (r *ConversationKeyRepository) GetByKeyID(ctx context.Context, keyID string) (*model.ConversationKey, error) {
	return r.getOne(ctx, `SELECT key_id, conversation_id, wrapped_key, created_at
		FROM conversation_keys WHERE key_id = ?`, keyID)
}

func (r *ConversationKeyRepository) getOne(ctx context.Context, query string, arg string) (*model.ConversationKey, error) {
	key := &model.ConversationKey{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&key.KeyID, &key.ConversationID, &key.WrappedKey, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

// DeleteByConversation removes the key of a conversation and returns how many rows went.
func (r *ConversationKeyRepository) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM conversation_keys WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
