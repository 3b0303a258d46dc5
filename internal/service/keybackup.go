package service

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/isopen-io/meeshy-sub013/internal/model"
	"github.com/isopen-io/meeshy-sub013/internal/repository"
)

const maxBackupBlobSize = 4 << 20

var (
	ErrDeviceIDRequired = errors.New("device_id is required")
	ErrBlobRequired     = errors.New("blob is required")
	ErrBlobInvalid      = errors.New("blob must be base64 and at most 4 MiB")
	ErrBackupNotFound   = errors.New("key backup not found")
	ErrBackupStale      = errors.New("a newer backup version is already stored")
)

// KeyBackupService stores password-sealed key store exports for clients. The
// blobs are opaque; the server never sees the password.
type KeyBackupService struct {
	repo   KeyBackupStore
	logger *slog.Logger
}

// NewKeyBackupService creates a new KeyBackupService.
func NewKeyBackupService(repo KeyBackupStore, logger *slog.Logger) *KeyBackupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyBackupService{repo: repo, logger: logger}
}

// Put uploads a backup for a device. Older versions never overwrite newer ones;
// such an upload returns ErrBackupStale with the stored backup.
func (s *KeyBackupService) Put(ctx context.Context, userID, deviceID string, req model.KeyBackupRequest) (model.KeyBackupResponse, error) {
	if deviceID == "" {
		return model.KeyBackupResponse{}, ErrDeviceIDRequired
	}
	if req.Blob == "" {
		return model.KeyBackupResponse{}, ErrBlobRequired
	}
	blob, err := base64.StdEncoding.DecodeString(req.Blob)
	if err != nil || len(blob) > maxBackupBlobSize {
		return model.KeyBackupResponse{}, ErrBlobInvalid
	}

	version := req.Version
	if version < 1 {
		version = 1
	}

	backup := model.KeyBackup{UserID: userID, DeviceID: deviceID, Blob: blob, Version: version}
	if err := s.repo.Upsert(ctx, &backup); err != nil {
		return model.KeyBackupResponse{}, err
	}

	stored, err := s.repo.Get(ctx, userID, deviceID)
	if errors.Is(err, repository.ErrBackupNotFound) {
		// The device was deleted at a version at or above this upload.
		return model.KeyBackupResponse{}, ErrBackupStale
	}
	if err != nil {
		return model.KeyBackupResponse{}, err
	}
	if stored.Version != version {
		s.logger.Info("stale key backup ignored", "device_id", deviceID, "version", version, "stored_version", stored.Version)
		return backupToResponse(*stored), ErrBackupStale
	}
	return backupToResponse(*stored), nil
}

// Get returns the backup of one device.
func (s *KeyBackupService) Get(ctx context.Context, userID, deviceID string) (model.KeyBackupResponse, error) {
	b, err := s.repo.Get(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrBackupNotFound) {
			return model.KeyBackupResponse{}, ErrBackupNotFound
		}
		return model.KeyBackupResponse{}, err
	}
	return backupToResponse(*b), nil
}

// List returns every live backup of a user.
func (s *KeyBackupService) List(ctx context.Context, userID string) ([]model.KeyBackupResponse, error) {
	backups, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := make([]model.KeyBackupResponse, len(backups))
	for i, b := range backups {
		result[i] = backupToResponse(b)
	}
	return result, nil
}

// Delete removes the backup of one device.
func (s *KeyBackupService) Delete(ctx context.Context, userID, deviceID string) error {
	err := s.repo.SoftDelete(ctx, userID, deviceID)
	if errors.Is(err, repository.ErrBackupNotFound) {
		return ErrBackupNotFound
	}
	return err
}

func backupToResponse(b model.KeyBackup) model.KeyBackupResponse {
	return model.KeyBackupResponse{
		DeviceID:  b.DeviceID,
		Blob:      base64.StdEncoding.EncodeToString(b.Blob),
		Version:   b.Version,
		UpdatedAt: b.UpdatedAt,
	}
}
