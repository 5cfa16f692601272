// Package config loads the environment-driven configuration for the
// storage service, the same os.Getenv-plus-default shape rclone's
// fs/config package uses for backend options, flattened into a single
// typed struct since this service has no interactive backend registry.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultChunkSize             = 32 << 20 // 32 MiB
	defaultInlineThreshold       = 512 << 10 // 512 KiB
	defaultSingleObjectThreshold = 50 << 20 // 50 MiB
	defaultVersionRetentionDays  = 30
	defaultMaxVersionsPerFile    = 10
	defaultSessionTTL            = time.Hour
	defaultCacheTierAge          = 30 * 24 * time.Hour
	defaultWarmTierAge           = 90 * 24 * time.Hour
	defaultCASRoot               = "./data/cas"
	defaultObjectsRoot           = "./data/objects"
)

// Config is the fully resolved process configuration.
type Config struct {
	MasterKey [32]byte

	DatabaseURL string
	RedisURL    string // empty => fall back to the embedded bbolt session store

	ChunkSize             int64
	InlineThreshold       int64
	SingleObjectThreshold int64

	VersionRetentionDays int
	MaxVersionsPerFile   int

	SessionTTL   time.Duration
	CacheTierAge time.Duration
	WarmTierAge  time.Duration

	CASRoot     string
	ObjectsRoot string

	// CrossUserDedup enables deduplication across tenants. Default off:
	// convergent encryption leaks content equality, and cross-tenant
	// leakage is a stronger privacy statement than same-tenant leakage.
	CrossUserDedup bool

	// JWTSecret verifies the bearer tokens the HTTP API expects on every
	// request. Falls back to the master key's bytes when unset, so a
	// single ENCRYPTION_MASTER_KEY is enough to stand up a dev instance.
	JWTSecret []byte

	ListenAddr string
}

// Load resolves Config from the process environment, applying the defaults
// documented in spec §6.
func Load() (*Config, error) {
	cfg := &Config{
		ChunkSize:             getInt64("CHUNK_SIZE", defaultChunkSize),
		InlineThreshold:       getInt64("INLINE_THRESHOLD", defaultInlineThreshold),
		SingleObjectThreshold: getInt64("SINGLE_OBJECT_THRESHOLD", defaultSingleObjectThreshold),
		VersionRetentionDays:  int(getInt64("VERSION_RETENTION_DAYS", defaultVersionRetentionDays)),
		MaxVersionsPerFile:    int(getInt64("MAX_VERSIONS_PER_FILE", defaultMaxVersionsPerFile)),
		SessionTTL:            defaultSessionTTL,
		CacheTierAge:          defaultCacheTierAge,
		WarmTierAge:           defaultWarmTierAge,
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		CASRoot:               getString("CAS_ROOT", defaultCASRoot),
		ObjectsRoot:           getString("OBJECTS_ROOT", defaultObjectsRoot),
		CrossUserDedup:        getBool("CROSS_USER_DEDUP", false),
	}

	key, err := resolveMasterKey()
	if err != nil {
		return nil, err
	}
	cfg.MasterKey = key

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = []byte(secret)
	} else {
		cfg.JWTSecret = key[:]
	}
	cfg.ListenAddr = getString("LISTEN_ADDR", ":8080")

	return cfg, nil
}

// resolveMasterKey derives the 256-bit master key: base64 of
// ENCRYPTION_MASTER_KEY/SECRET_KEY when it decodes to exactly 32 bytes,
// otherwise SHA-256 of the raw secret string (spec §4.2).
func resolveMasterKey() ([32]byte, error) {
	var key [32]byte
	raw := os.Getenv("ENCRYPTION_MASTER_KEY")
	if raw == "" {
		raw = os.Getenv("SECRET_KEY")
	}
	if raw == "" {
		return key, fmt.Errorf("config: one of ENCRYPTION_MASTER_KEY or SECRET_KEY must be set")
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		copy(key[:], decoded)
		return key, nil
	}
	return deriveKeyFromSecret(raw), nil
}

// deriveKeyFromSecret turns an arbitrary configured secret into a 256-bit
// key by hashing it, so operators can set SECRET_KEY to a passphrase
// instead of a pre-generated base64 key.
func deriveKeyFromSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
