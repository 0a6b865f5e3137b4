// Package config reads the runtime configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort        = "8080"
	defaultCacheTTL    = 30 * time.Second
	defaultLockTTL     = 10 * time.Second
	defaultLockWait    = 5 * time.Second
	defaultMaxAttempts = 3
)

// Lock backends.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// Settlement modes.
const (
	// ModeAuto runs each attempt in one native transaction when the store
	// supports it and falls back to compensations otherwise.
	ModeAuto = "auto"
	// ModeSaga always uses compensations.
	ModeSaga = "saga"
)

// Config keeps the runtime configuration for the service.
type Config struct {
	Port        string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration
	LogLevel    slog.Level
	CORSOrigins []string

	Lock       LockConfig
	Settlement SettlementConfig
	Audit      AuditConfig
}

// LockConfig selects the per-issuer lock. Wait bounds how long an order
// queues for it before being reported as contended.
type LockConfig struct {
	Backend string
	TTL     time.Duration
	Wait    time.Duration
}

// SettlementConfig tunes the coordinator.
type SettlementConfig struct {
	Mode        string
	MaxAttempts int
}

// AuditConfig controls the background auditor. Interval 0 disables it.
type AuditConfig struct {
	Interval   time.Duration
	AutoRepair bool
}

// Addr renders the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Load reads .env (if present) and builds Config from environment
// variables. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds Config from environment variables only.
func FromEnv() (*Config, error) {
	cacheTTL, err := getDuration("CACHE_TTL", defaultCacheTTL)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getDuration("LOCK_TTL", defaultLockTTL)
	if err != nil {
		return nil, err
	}
	lockWait, err := getDuration("LOCK_WAIT", defaultLockWait)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getInt("SETTLEMENT_MAX_ATTEMPTS", defaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	auditInterval, err := getDuration("AUDIT_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	autoRepair, err := getBool("AUDIT_AUTO_REPAIR", false)
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getString("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		Port:        getString("PORT", defaultPort),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    cacheTTL,
		LogLevel:    level,
		CORSOrigins: splitList(getString("CORS_ORIGINS", "*")),
		Lock: LockConfig{
			Backend: strings.ToLower(getString("LOCK_BACKEND", LockMemory)),
			TTL:     lockTTL,
			Wait:    lockWait,
		},
		Settlement: SettlementConfig{
			Mode:        strings.ToLower(getString("SETTLEMENT_MODE", ModeAuto)),
			MaxAttempts: maxAttempts,
		},
		Audit: AuditConfig{
			Interval:   auditInterval,
			AutoRepair: autoRepair,
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case LockMemory:
	case LockRedis:
		if c.RedisURL == "" {
			return errors.New("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockMemory, LockRedis, c.Lock.Backend)
	}
	if c.Settlement.Mode != ModeAuto && c.Settlement.Mode != ModeSaga {
		return fmt.Errorf("SETTLEMENT_MODE must be %q or %q, got %q", ModeAuto, ModeSaga, c.Settlement.Mode)
	}
	if c.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be at least 1, got %d", c.Settlement.MaxAttempts)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.Lock.TTL)
	}
	if c.Lock.Wait <= 0 {
		return fmt.Errorf("LOCK_WAIT must be positive, got %s", c.Lock.Wait)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("AUDIT_INTERVAL must not be negative, got %s", c.Audit.Interval)
	}
	return nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
