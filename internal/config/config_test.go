package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_MASTER_KEY", "")
	t.Setenv("TRANSLATION_TARGET_LANGUAGES", "")

	cfg, err := load()
	if err != nil {
		t.Fatalf("load() unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.JWTExpiry != 24*time.Hour {
		t.Errorf("JWTExpiry = %v, want 24h", cfg.JWTExpiry)
	}
	if len(cfg.MasterKey) != masterKeySize {
		t.Errorf("len(MasterKey) = %d, want %d", len(cfg.MasterKey), masterKeySize)
	}
	if cfg.TranslationTargets != nil {
		t.Errorf("TranslationTargets = %v, want nil", cfg.TranslationTargets)
	}
	if cfg.RateLimitRPS != 5 || cfg.RateLimitBurst != 10 {
		t.Errorf("rate limit = %v/%d, want 5/10", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoadOverrides(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "real-secret")
	t.Setenv("ENCRYPTION_MASTER_KEY", key)
	t.Setenv("JWT_EXPIRY", "90m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRANSLATION_TARGET_LANGUAGES", "en, fr,,es ")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "not-a-number")

	cfg, err := load()
	if err != nil {
		t.Fatalf("load() unexpected error: %v", err)
	}
	if !bytes.Equal(cfg.MasterKey, bytes.Repeat([]byte{7}, 32)) {
		t.Error("MasterKey does not match the configured key")
	}
	if cfg.JWTExpiry != 90*time.Minute {
		t.Errorf("JWTExpiry = %v, want 90m", cfg.JWTExpiry)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	want := []string{"en", "fr", "es"}
	if len(cfg.TranslationTargets) != len(want) {
		t.Fatalf("TranslationTargets = %v, want %v", cfg.TranslationTargets, want)
	}
	for i := range want {
		if cfg.TranslationTargets[i] != want[i] {
			t.Errorf("TranslationTargets[%d] = %q, want %q", i, cfg.TranslationTargets[i], want[i])
		}
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("RateLimitRPS = %v, want 2.5", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != 10 {
		t.Errorf("RateLimitBurst = %d, want fallback 10", cfg.RateLimitBurst)
	}
}

func TestLoadProductionGuards(t *testing.T) {
	validKey := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name      string
		secret    string
		masterKey string
		wantErr   error
	}{
		{"dev jwt secret", "", validKey, ErrDevSecretInProduction},
		{"missing master key", "real-secret", "", ErrMasterKeyRequired},
		{"short master key", "real-secret", base64.StdEncoding.EncodeToString(make([]byte, 16)), ErrInvalidMasterKey},
		{"master key not base64", "real-secret", "%%%", ErrInvalidMasterKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", "production")
			t.Setenv("JWT_SECRET", tt.secret)
			t.Setenv("ENCRYPTION_MASTER_KEY", tt.masterKey)

			_, err := load()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("load() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
