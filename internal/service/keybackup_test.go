package service

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/isopen-io/meeshy-sub013/internal/model"
	"github.com/isopen-io/meeshy-sub013/internal/repository"
)

type fakeBackups struct {
	mu   sync.Mutex
	rows map[string]model.KeyBackup
}

func backupKey(userID, deviceID string) string { return userID + "/" + deviceID }

func (f *fakeBackups) Upsert(_ context.Context, b *model.KeyBackup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := backupKey(b.UserID, b.DeviceID)
	if cur, ok := f.rows[k]; ok && cur.Version >= b.Version {
		return nil
	}
	f.rows[k] = *b
	return nil
}

func (f *fakeBackups) Get(_ context.Context, userID, deviceID string) (*model.KeyBackup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[backupKey(userID, deviceID)]
	if !ok || b.Deleted {
		return nil, repository.ErrBackupNotFound
	}
	return &b, nil
}

func (f *fakeBackups) ListByUser(_ context.Context, userID string) ([]model.KeyBackup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.KeyBackup
	for _, b := range f.rows {
		if b.UserID == userID && !b.Deleted {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBackups) SoftDelete(_ context.Context, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := backupKey(userID, deviceID)
	b, ok := f.rows[k]
	if !ok || b.Deleted {
		return repository.ErrBackupNotFound
	}
	b.Deleted = true
	b.Version++
	f.rows[k] = b
	return nil
}

func newTestKeyBackupService() *KeyBackupService {
	return NewKeyBackupService(&fakeBackups{rows: map[string]model.KeyBackup{}}, nil)
}

func TestPutBackup_Validation(t *testing.T) {
	svc := newTestKeyBackupService()
	ctx := context.Background()

	tests := []struct {
		name     string
		deviceID string
		req      model.KeyBackupRequest
		wantErr  error
	}{
		{name: "empty device", deviceID: "", req: model.KeyBackupRequest{Blob: "dGVzdA==", Version: 1}, wantErr: ErrDeviceIDRequired},
		{name: "empty blob", deviceID: "phone", req: model.KeyBackupRequest{Blob: "", Version: 1}, wantErr: ErrBlobRequired},
		{name: "invalid base64", deviceID: "phone", req: model.KeyBackupRequest{Blob: "!!!", Version: 1}, wantErr: ErrBlobInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Put(ctx, "u1", tt.deviceID, tt.req); err != tt.wantErr {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPutBackup_LastWriteWins(t *testing.T) {
	svc := newTestKeyBackupService()
	ctx := context.Background()
	v2 := base64.StdEncoding.EncodeToString([]byte("export-v2"))
	v1 := base64.StdEncoding.EncodeToString([]byte("export-v1"))

	resp, err := svc.Put(ctx, "u1", "phone", model.KeyBackupRequest{Blob: v2, Version: 2})
	if err != nil {
		t.Fatalf("Put() unexpected error: %v", err)
	}
	if resp.Version != 2 || resp.Blob != v2 {
		t.Errorf("Put() = %+v", resp)
	}

	resp, err = svc.Put(ctx, "u1", "phone", model.KeyBackupRequest{Blob: v1, Version: 1})
	if err != ErrBackupStale {
		t.Fatalf("expected ErrBackupStale, got %v", err)
	}
	if resp.Version != 2 || resp.Blob != v2 {
		t.Errorf("stale Put() returned %+v, want stored v2", resp)
	}
}

func TestBackupGetListDelete(t *testing.T) {
	svc := newTestKeyBackupService()
	ctx := context.Background()
	blob := base64.StdEncoding.EncodeToString([]byte("sealed"))

	if _, err := svc.Put(ctx, "u1", "phone", model.KeyBackupRequest{Blob: blob}); err != nil {
		t.Fatalf("Put() unexpected error: %v", err)
	}
	if _, err := svc.Put(ctx, "u1", "laptop", model.KeyBackupRequest{Blob: blob, Version: 3}); err != nil {
		t.Fatalf("Put() unexpected error: %v", err)
	}

	got, err := svc.Get(ctx, "u1", "phone")
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.Version != 1 || got.Blob != blob {
		t.Errorf("Get() = %+v", got)
	}

	list, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List() len = %d, want 2", len(list))
	}

	if err := svc.Delete(ctx, "u1", "phone"); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}
	if _, err := svc.Get(ctx, "u1", "phone"); err != ErrBackupNotFound {
		t.Errorf("expected ErrBackupNotFound, got %v", err)
	}
	if err := svc.Delete(ctx, "u1", "phone"); err != ErrBackupNotFound {
		t.Errorf("expected ErrBackupNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, "u2", "laptop"); err != ErrBackupNotFound {
		t.Errorf("expected ErrBackupNotFound for another user, got %v", err)
	}
}

func TestBackupToResponse_Base64Encoding(t *testing.T) {
	resp := backupToResponse(model.KeyBackup{DeviceID: "phone", Blob: []byte("raw-bytes"), Version: 4})

	decoded, err := base64.StdEncoding.DecodeString(resp.Blob)
	if err != nil {
		t.Fatalf("failed to decode base64: %v", err)
	}
	if string(decoded) != "raw-bytes" || resp.Version != 4 || resp.DeviceID != "phone" {
		t.Errorf("backupToResponse() = %+v", resp)
	}
}

func TestPutBackup_AfterDelete(t *testing.T) {
	svc := newTestKeyBackupService()
	ctx := context.Background()
	blob := base64.StdEncoding.EncodeToString([]byte("sealed"))

	if _, err := svc.Put(ctx, "u1", "phone", model.KeyBackupRequest{Blob: blob, Version: 1}); err != nil {
		t.Fatalf("Put() unexpected error: %v", err)
	}
	if err := svc.Delete(ctx, "u1", "phone"); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}

	if _, err := svc.Put(ctx, "u1", "phone", model.KeyBackupRequest{Blob: blob, Version: 1}); err != ErrBackupStale {
		t.Errorf("replayed Put() error = %v, want ErrBackupStale", err)
	}

	resp, err := svc.Put(ctx, "u1", "phone", model.KeyBackupRequest{Blob: blob, Version: 3})
	if err != nil {
		t.Fatalf("newer Put() unexpected error: %v", err)
	}
	if resp.Version != 3 {
		t.Errorf("Version = %d, want 3", resp.Version)
	}
}
