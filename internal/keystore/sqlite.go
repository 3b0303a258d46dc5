package keystore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/isopen-io/meeshy-sub013/internal/crypto"
	"github.com/isopen-io/meeshy-sub013/internal/model"
)

// SQLiteStore implements KeyStore on a local SQLite file.
type SQLiteStore struct {
	path       string
	adapter    crypto.Adapter
	iterations int

	mu sync.RWMutex
	db *sql.DB
}

var _ KeyStore = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithIterations sets the PBKDF2 work factor used by ExportKeys.
func WithIterations(n int) Option {
	return func(s *SQLiteStore) { s.iterations = n }
}

// NewSQLiteStore creates a store for the database at path. It is unusable
// until Init succeeds.
func NewSQLiteStore(path string, adapter crypto.Adapter, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{path: path, adapter: adapter, iterations: crypto.DefaultIterations}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init opens the database and creates the tables. Calling it twice is a no-op.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	db.SetMaxOpenConns(1)

	tables := []string{
		`CREATE TABLE IF NOT EXISTS keys (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			conversation_id TEXT,
			user_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_keys (
			conversation_id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_keys (
			user_id TEXT PRIMARY KEY,
			bundle TEXT NOT NULL
		)`,
	}
	for _, stmt := range tables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("failed to initialize keystore: %w", err)
		}
	}

	s.db = db
	return nil
}

// Close releases the database. The store must be re-initialized before reuse.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) StoreKey(ctx context.Context, key StoredKey) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return storeKey(ctx, db, key)
}

func storeKey(ctx context.Context, db execer, key StoredKey) error {
	if key.ID == "" {
		return errors.New("key id is required")
	}
	if _, err := base64.StdEncoding.DecodeString(key.Key); err != nil || key.Key == "" {
		return errors.New("key must be non-empty base64")
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO keys (id, key, conversation_id, user_id) VALUES (?, ?, ?, ?)`,
		key.ID, key.Key, nullable(key.ConversationID), nullable(key.UserID))
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetKey(ctx context.Context, id string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	var key string
	err = db.QueryRowContext(ctx, `SELECT key FROM keys WHERE id = ?`, id).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return key, nil
}

func (s *SQLiteStore) StoreConversationKey(ctx context.Context, conversationID, keyID string, mode model.EncryptionMode) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return storeConversationKey(ctx, db, ConversationKeyRef{
		ConversationID: conversationID,
		KeyID:          keyID,
		Mode:           mode,
		CreatedAt:      time.Now().UTC(),
	})
}

func storeConversationKey(ctx context.Context, db execer, ref ConversationKeyRef) error {
	if ref.ConversationID == "" || ref.KeyID == "" {
		return errors.New("conversation id and key id are required")
	}
	if ref.Mode != model.ModeServer && ref.Mode != model.ModeE2EE {
		return model.ErrInvalidMode
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_keys (conversation_id, key_id, mode, created_at) VALUES (?, ?, ?, ?)`,
		ref.ConversationID, ref.KeyID, string(ref.Mode), ref.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store conversation key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversationKey(ctx context.Context, conversationID string) (*ConversationKeyRef, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	ref := &ConversationKeyRef{ConversationID: conversationID}
	var mode string
	err = db.QueryRowContext(ctx,
		`SELECT key_id, mode, created_at FROM conversation_keys WHERE conversation_id = ?`, conversationID,
	).Scan(&ref.KeyID, &mode, &ref.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation key: %w", err)
	}
	ref.Mode = model.EncryptionMode(mode)
	return ref, nil
}

func (s *SQLiteStore) StoreUserKeys(ctx context.Context, bundle UserKeyBundle) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return storeUserKeys(ctx, db, bundle)
}

func storeUserKeys(ctx context.Context, db execer, bundle UserKeyBundle) error {
	if bundle.UserID == "" {
		return errors.New("user id is required")
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_keys (user_id, bundle) VALUES (?, ?)`, bundle.UserID, string(data),
	); err != nil {
		return fmt.Errorf("failed to store user keys: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserKeys(ctx context.Context, userID string) (*UserKeyBundle, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var data string
	err = db.QueryRowContext(ctx, `SELECT bundle FROM user_keys WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user keys: %w", err)
	}
	var bundle UserKeyBundle
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		return nil, fmt.Errorf("corrupt user key bundle: %w", err)
	}
	return &bundle, nil
}

// ClearAll deletes every stored key.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"keys", "conversation_keys", "user_keys"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ExportKeys seals every stored key under password and returns the result
// base64 encoded.
func (s *SQLiteStore) ExportKeys(ctx context.Context, password string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("export password is required")
	}

	doc, err := readAll(ctx, db)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.SealWithPassword(s.adapter, password, plaintext, s.iterations)
	if err != nil {
		return "", fmt.Errorf("failed to seal export: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(sealed)), nil
}

// ImportKeys opens an export and merges its entries into the store in one
// transaction. A wrong password fails with crypto.ErrAuthenticationFailed and
// changes nothing.
func (s *SQLiteStore) ImportKeys(ctx context.Context, blob, password string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrInvalidExport)
	}
	plaintext, err := crypto.OpenWithPassword(s.adapter, password, string(sealed))
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidSealedFormat) {
			return fmt.Errorf("%w: %v", ErrInvalidExport, err)
		}
		return err
	}

	var doc exportDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if doc.Version != exportVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidExport, doc.Version)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range doc.Keys {
		if err := storeKey(ctx, tx, k); err != nil {
			return err
		}
	}
	for _, ref := range doc.ConversationKeys {
		if err := storeConversationKey(ctx, tx, ref); err != nil {
			return err
		}
	}
	for _, b := range doc.UserKeys {
		if err := storeUserKeys(ctx, tx, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func readAll(ctx context.Context, db *sql.DB) (exportDocument, error) {
	doc := exportDocument{Version: exportVersion, ExportedAt: time.Now().UTC()}

	rows, err := db.QueryContext(ctx, `SELECT id, key, conversation_id, user_id FROM keys ORDER BY id`)
	if err != nil {
		return doc, err
	}
	for rows.Next() {
		var k StoredKey
		var conv, user sql.NullString
		if err := rows.Scan(&k.ID, &k.Key, &conv, &user); err != nil {
			rows.Close()
			return doc, err
		}
		k.ConversationID, k.UserID = conv.String, user.String
		doc.Keys = append(doc.Keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doc, err
	}

	rows, err = db.QueryContext(ctx, `SELECT conversation_id, key_id, mode, created_at FROM conversation_keys ORDER BY conversation_id`)
	if err != nil {
		return doc, err
	}
	for rows.Next() {
		var ref ConversationKeyRef
		var mode string
		if err := rows.Scan(&ref.ConversationID, &ref.KeyID, &mode, &ref.CreatedAt); err != nil {
			rows.Close()
			return doc, err
		}
		ref.Mode = model.EncryptionMode(mode)
		doc.ConversationKeys = append(doc.ConversationKeys, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doc, err
	}

	rows, err = db.QueryContext(ctx, `SELECT bundle FROM user_keys ORDER BY user_id`)
	if err != nil {
		return doc, err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return doc, err
		}
		var b UserKeyBundle
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return doc, fmt.Errorf("corrupt user key bundle: %w", err)
		}
		doc.UserKeys = append(doc.UserKeys, b)
	}
	return doc, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
