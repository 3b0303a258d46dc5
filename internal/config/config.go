package config

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	devJWTSecret = "dev-secret-change-in-production"
	devMasterKey = "dev-master-key-change-in-production"

	masterKeySize = 32
)

var (
	ErrDevSecretInProduction = errors.New("JWT_SECRET must be set in production environment")
	ErrMasterKeyRequired     = errors.New("ENCRYPTION_MASTER_KEY must be set in production environment")
	ErrInvalidMasterKey      = errors.New("ENCRYPTION_MASTER_KEY must be 32 bytes of base64")
)

type Config struct {
	Port     string
	Env      string
	LogLevel slog.Level

	DatabaseDSN string

	JWTSecret string
	JWTIssuer string
	JWTExpiry time.Duration

	// MasterKey wraps conversation keys at rest.
	MasterKey []byte

	RedisAddr          string
	RedisPassword      string
	TranslationChannel string
	TranslationTargets []string

	RateLimitRPS   float64
	RateLimitBurst int
}

// IsProduction reports whether ENV is production.
func (c Config) IsProduction() bool { return c.Env == "production" }

// Load reads the configuration from the environment and exits on an unsafe
// production setup.
func Load() Config {
	cfg, err := load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	return cfg
}

func load() (Config, error) {
	cfg := Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           parseLevel(getEnv("LOG_LEVEL", "info")),
		DatabaseDSN:        getEnv("DATABASE_DSN", "root:password@tcp(127.0.0.1:3306)/conversations?parseTime=true"),
		JWTSecret:          getEnv("JWT_SECRET", devJWTSecret),
		JWTIssuer:          getEnv("JWT_ISSUER", "conversation-api"),
		JWTExpiry:          getEnvDuration("JWT_EXPIRY", 24*time.Hour),
		RedisAddr:          getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		TranslationChannel: getEnv("TRANSLATION_CHANNEL", "translation:requests"),
		TranslationTargets: getEnvList("TRANSLATION_TARGET_LANGUAGES", nil),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 10),
	}

	if cfg.IsProduction() && cfg.JWTSecret == devJWTSecret {
		return Config{}, ErrDevSecretInProduction
	}

	masterKey, err := loadMasterKey(os.Getenv("ENCRYPTION_MASTER_KEY"), cfg.IsProduction())
	if err != nil {
		return Config{}, err
	}
	cfg.MasterKey = masterKey

	return cfg, nil
}

func loadMasterKey(encoded string, production bool) ([]byte, error) {
	if encoded == "" {
		if production {
			return nil, ErrMasterKeyRequired
		}
		slog.Warn("ENCRYPTION_MASTER_KEY not set, using development master key")
		sum := sha256.Sum256([]byte(devMasterKey))
		return sum[:], nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != masterKeySize {
		return nil, ErrInvalidMasterKey
	}
	return key, nil
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring invalid number setting", "key", key, "value", v)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration setting", "key", key, "value", v)
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c Config) String() string {
	return fmt.Sprintf("env=%s port=%s issuer=%s redis=%s channel=%s targets=%v",
		c.Env, c.Port, c.JWTIssuer, c.RedisAddr, c.TranslationChannel, c.TranslationTargets)
}
