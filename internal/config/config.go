// Package config loads vault daemon configuration from YAML, .env files and
// the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/yield_vault/pkg/logger"
)

// Config is the root configuration.
type Config struct {
	Vault    VaultConfig          `yaml:"vault"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Database DatabaseConfig       `yaml:"database"`
	Redis    RedisConfig          `yaml:"redis"`
	Keeper   KeeperConfig         `yaml:"keeper"`
	Notary   NotaryConfig         `yaml:"notary"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Adapters []AdapterConfig      `yaml:"adapters"`
}

// VaultConfig holds engine and access settings.
type VaultConfig struct {
	Owner     string   `yaml:"owner" env:"VAULT_OWNER"`
	Operators []string `yaml:"operators" env:"VAULT_OPERATORS"`
	PageCap   int      `yaml:"page_cap" env:"VAULT_PAGE_CAP"`
	// WriterLock is "local" or "redis".
	WriterLock  string        `yaml:"writer_lock" env:"VAULT_WRITER_LOCK"`
	LockTimeout time.Duration `yaml:"lock_timeout" env:"VAULT_LOCK_TIMEOUT"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	// Driver is "memory", "postgres" or "sqlite".
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// RedisConfig configures the distributed writer lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockKey  string        `yaml:"lock_key" env:"REDIS_LOCK_KEY"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"REDIS_LOCK_TTL"`
}

// KeeperConfig configures the background health and integrity job.
type KeeperConfig struct {
	Enabled bool `yaml:"enabled" env:"KEEPER_ENABLED"`
	// Schedule is a cron spec with a seconds field.
	Schedule     string `yaml:"schedule" env:"KEEPER_SCHEDULE"`
	Concurrency  int    `yaml:"concurrency" env:"KEEPER_CONCURRENCY"`
	VerifyRecent int    `yaml:"verify_recent" env:"KEEPER_VERIFY_RECENT"`
}

// NotaryConfig configures decision notarization.
type NotaryConfig struct {
	Enabled       bool          `yaml:"enabled" env:"NOTARY_ENABLED"`
	Buffer        int           `yaml:"buffer" env:"NOTARY_BUFFER"`
	BatchSize     int           `yaml:"batch_size" env:"NOTARY_BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"NOTARY_FLUSH_INTERVAL"`
	Timeout       time.Duration `yaml:"timeout" env:"NOTARY_TIMEOUT"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"NOTARY_RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"NOTARY_BURST"`
	SealSeed      string        `yaml:"seal_seed" env:"NOTARY_SEAL_SEED"`
	KeyVersion    string        `yaml:"key_version" env:"NOTARY_KEY_VERSION"`
	Neo           NeoConfig     `yaml:"neo"`
	Archive       ArchiveConfig `yaml:"archive"`
}

// NeoConfig configures the Neo RPC relayer sink.
type NeoConfig struct {
	RPCURL string `yaml:"rpc_url" env:"NEO_RPC_URL"`
	Method string `yaml:"method" env:"NEO_NOTARY_METHOD"`
}

// ArchiveConfig configures the S3 compatible archive sink.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket" env:"ARCHIVE_BUCKET"`
	Prefix          string `yaml:"prefix" env:"ARCHIVE_PREFIX"`
	Region          string `yaml:"region" env:"ARCHIVE_REGION"`
	Endpoint        string `yaml:"endpoint" env:"ARCHIVE_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"ARCHIVE_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"ARCHIVE_USE_PATH_STYLE"`
}

// MetricsConfig configures the ops listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
	Namespace  string `yaml:"namespace" env:"METRICS_NAMESPACE"`
}

// AdapterConfig declares a simulated strategy adapter for development.
type AdapterConfig struct {
	Identity  string  `yaml:"identity"`
	Label     string  `yaml:"label"`
	YieldRate float64 `yaml:"yield_rate"`
	Active    bool    `yaml:"active"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Vault: VaultConfig{
			PageCap:     100,
			WriterLock:  "local",
			LockTimeout: 30 * time.Second,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			LockKey: "vault:writer",
			LockTTL: 30 * time.Second,
		},
		Keeper: KeeperConfig{
			Enabled:      true,
			Schedule:     "*/30 * * * * *",
			Concurrency:  4,
			VerifyRecent: 32,
		},
		Notary: NotaryConfig{
			Buffer:        4096,
			BatchSize:     64,
			FlushInterval: 10 * time.Second,
			Timeout:       15 * time.Second,
			RatePerSecond: 2,
			Burst:         1,
			KeyVersion:    "v1",
			Neo:           NeoConfig{Method: "notarizeroot"},
			Archive:       ArchiveConfig{Prefix: "decisions", Region: "auto"},
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9102",
			Namespace:  "vault",
		},
	}
}

// Load reads path (optional), then each env file (missing files are
// ignored), then the process environment, and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Vault.Owner = strings.TrimSpace(c.Vault.Owner)
	ops := c.Vault.Operators[:0]
	for _, op := range c.Vault.Operators {
		if op = strings.TrimSpace(op); op != "" {
			ops = append(ops, op)
		}
	}
	c.Vault.Operators = ops
	c.Vault.WriterLock = strings.ToLower(strings.TrimSpace(c.Vault.WriterLock))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Vault.Owner == "" {
		return fmt.Errorf("vault.owner is required")
	}
	if c.Vault.PageCap <= 0 {
		return fmt.Errorf("vault.page_cap must be positive")
	}

	switch c.Vault.WriterLock {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis writer lock")
		}
		if c.Redis.LockTTL <= 0 {
			return fmt.Errorf("redis.lock_ttl must be positive")
		}
	default:
		return fmt.Errorf("vault.writer_lock %q is not supported", c.Vault.WriterLock)
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	if c.Keeper.Enabled && c.Keeper.Schedule == "" {
		return fmt.Errorf("keeper.schedule is required when the keeper is enabled")
	}

	if c.Notary.Enabled {
		if c.Notary.SealSeed == "" {
			return fmt.Errorf("notary.seal_seed is required when notarization is enabled")
		}
		if c.Notary.Neo.RPCURL == "" && c.Notary.Archive.Bucket == "" {
			return fmt.Errorf("notary needs a neo rpc_url or an archive bucket")
		}
	}

	seen := make(map[string]bool, len(c.Adapters))
	active := 0
	for i, a := range c.Adapters {
		if strings.TrimSpace(a.Identity) == "" {
			return fmt.Errorf("adapters[%d]: identity is required", i)
		}
		if seen[a.Identity] {
			return fmt.Errorf("adapters[%d]: duplicate identity %s", i, a.Identity)
		}
		seen[a.Identity] = true
		if a.Active {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("at most one adapter may be active")
	}
	return nil
}
