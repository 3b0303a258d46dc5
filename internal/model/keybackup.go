package model

import "time"

// KeyBackup is an opaque, password-sealed export of a client's key store,
// stored per user and device.
type KeyBackup struct {
	ID        int64
	UserID    string
	DeviceID  string
	Blob      []byte
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
}

// KeyBackupRequest represents a backup upload.
type KeyBackupRequest struct {
	Blob    string `json:"blob"` // base64 encoded
	Version int    `json:"version"`
}

// KeyBackupResponse represents a stored backup returned to its owner.
type KeyBackupResponse struct {
	DeviceID  string    `json:"device_id"`
	Blob      string    `json:"blob"` // base64 encoded
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
