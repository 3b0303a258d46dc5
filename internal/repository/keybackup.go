package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/isopen-io/meeshy-sub013/internal/model"
)

var ErrBackupNotFound = errors.New("key backup not found")

// KeyBackupRepository stores password-sealed client keystore exports, one per
// user and device.
type KeyBackupRepository struct {
	db *sql.DB
}

// NewKeyBackupRepository creates a new KeyBackupRepository.
func NewKeyBackupRepository(db *sql.DB) *KeyBackupRepository {
	return &KeyBackupRepository{db: db}
}

// upsertBackupQuery only overwrites a row when the incoming version is newer.
const upsertBackupQuery = `
	INSERT INTO key_backups (user_id, device_id, blob_data, version, deleted)
	VALUES (?, ?, ?, ?, FALSE)
	ON DUPLICATE KEY UPDATE
		blob_data  = IF(VALUES(version) > version, VALUES(blob_data), blob_data),
		deleted    = IF(VALUES(version) > version, FALSE, deleted),
		updated_at = IF(VALUES(version) > version, CURRENT_TIMESTAMP, updated_at),
		version    = IF(VALUES(version) > version, VALUES(version), version)`

// Upsert stores a backup with last-write-wins on version.
func (r *KeyBackupRepository) Upsert(ctx context.Context, b *model.KeyBackup) error {
	_, err := r.db.ExecContext(ctx, upsertBackupQuery, b.UserID, b.DeviceID, b.Blob, b.Version)
	return err
}

// Get retrieves the live backup of a device.
func (r *KeyBackupRepository) Get(ctx context.Context, userID, deviceID string) (*model.KeyBackup, error) {
	query := `SELECT id, user_id, device_id, blob_data, version, created_at, updated_at, deleted
		FROM key_backups WHERE user_id = ? AND device_id = ? AND deleted = FALSE`

	b := &model.KeyBackup{}
	err := r.db.QueryRowContext(ctx, query, userID, deviceID).Scan(
		&b.ID, &b.UserID, &b.DeviceID, &b.Blob, &b.Version, &b.CreatedAt, &b.UpdatedAt, &b.Deleted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBackupNotFound
		}
		return nil, err
	}
	return b, nil
}

// ListByUser retrieves every live backup of a user, most recently updated first.
func (r *KeyBackupRepository) ListByUser(ctx context.Context, userID string) ([]model.KeyBackup, error) {
	query := `SELECT id, user_id, device_id, blob_data, version, created_at, updated_at, deleted
		FROM key_backups WHERE user_id = ? AND deleted = FALSE ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []model.KeyBackup
	for rows.Next() {
		var b model.KeyBackup
		if err := rows.Scan(
			&b.ID, &b.UserID, &b.DeviceID, &b.Blob, &b.Version, &b.CreatedAt, &b.UpdatedAt, &b.Deleted,
		); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// SoftDelete tombstones a backup and bumps its version so an older upload
// cannot resurrect it.
func (r *KeyBackupRepository) SoftDelete(ctx context.Context, userID, deviceID string) error {
	query := `UPDATE key_backups SET deleted = TRUE, blob_data = '', version = version + 1
		WHERE user_id = ? AND device_id = ? AND deleted = FALSE`

	result, err := r.db.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrBackupNotFound
	}
	return nil
}
