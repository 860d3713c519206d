// Package config loads the consentd and vaultctl YAML configuration.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hushh-labs/consent-protocol-sub006/internal/audit"
	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
)

type Config struct {
	Listen    string          `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Consent   ConsentConfig   `yaml:"consent"`
	Session   SessionConfig   `yaml:"session"`
	KDF       KDFConfig       `yaml:"kdf"`
	Cipher    string          `yaml:"cipher"`
	Keyring   KeyringConfig   `yaml:"keyring"`
	Audit     AuditConfig     `yaml:"audit"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type StorageConfig struct {
	Driver     string        `yaml:"driver"` // sqlite, mongo, memory
	SQLitePath string        `yaml:"sqlite_path"`
	MongoURI   string        `yaml:"mongo_uri"`
	MongoDB    string        `yaml:"mongo_db"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TokensConfig selects where consent token rows live. An empty driver
// shares the vault storage backend.
type TokensConfig struct {
	Driver        string `yaml:"driver"` // "", redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type ConsentConfig struct {
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
	MaxTTL time.Duration `yaml:"max_ttl"`
	Grace  time.Duration `yaml:"grace"`
	Scopes []string      `yaml:"scopes"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type KDFConfig struct {
	Algorithm    string `yaml:"algorithm"`
	Iterations   uint32 `yaml:"iterations"`
	ArgonTime    uint32 `yaml:"argon_time"`
	ArgonMemory  uint32 `yaml:"argon_memory"` // KiB
	ArgonThreads uint8  `yaml:"argon_threads"`
}

type KeyringConfig struct {
	Service     string `yaml:"service"`
	Dir         string `yaml:"dir"`
	PasswordEnv string `yaml:"password_env"`
	// Ephemeral skips the keyring and generates a signing key per process;
	// tokens do not survive a restart.
	Ephemeral bool `yaml:"ephemeral"`
}

// AuditConfig selects audit sinks. ChainWindow is how many hash chain
// entries stay in memory.
type AuditConfig struct {
	NATSURL     string `yaml:"nats_url"`
	Subject     string `yaml:"subject"`
	Chain       bool   `yaml:"chain"`
	ChainWindow int    `yaml:"chain_window"`
}

type RateLimitConfig struct {
	UnlockPerMinute int  `yaml:"unlock_per_minute"`
	UnlockBurst     int  `yaml:"unlock_burst"`
	MaxFailures     int  `yaml:"max_failures"`
	TrustProxy      bool `yaml:"trust_proxy"`
}

// Default returns a configuration that runs a single node on SQLite.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := Parse(data, cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8089"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "consent.db"
	}
	if c.Storage.MongoDB == "" {
		c.Storage.MongoDB = "consent"
	}
	if c.Storage.Timeout <= 0 {
		c.Storage.Timeout = storage.DefaultTimeout
	}
	if c.Tokens.RedisPrefix == "" {
		c.Tokens.RedisPrefix = "consent:"
	}
	if c.Consent.Issuer == "" {
		c.Consent.Issuer = "consent-protocol"
	}
	if c.Consent.TTL <= 0 {
		c.Consent.TTL = 15 * time.Minute
	}
	if c.Consent.MaxTTL <= 0 {
		c.Consent.MaxTTL = 2 * time.Hour
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 5 * time.Minute
	}
	if c.KDF.Algorithm == "" {
		c.KDF.Algorithm = crypto.KDFPBKDF2
	}
	if c.KDF.Iterations == 0 {
		c.KDF.Iterations = crypto.DefaultIterations
	}
	if c.KDF.Algorithm == crypto.KDFArgon2 {
		def := crypto.DefaultArgonKDF()
		if c.KDF.ArgonTime == 0 {
			c.KDF.ArgonTime = def.Iterations
		}
		if c.KDF.ArgonMemory == 0 {
			c.KDF.ArgonMemory = def.Memory
		}
		if c.KDF.ArgonThreads == 0 {
			c.KDF.ArgonThreads = def.Threads
		}
	}
	if c.Cipher == "" {
		c.Cipher = string(crypto.AES256GCM)
	}
	if c.Keyring.Service == "" {
		c.Keyring.Service = "consentd"
	}
	if c.Audit.Subject == "" {
		c.Audit.Subject = "consent.audit"
	}
	if c.Audit.ChainWindow <= 0 {
		c.Audit.ChainWindow = audit.DefaultChainWindow
	}
	if c.RateLimit.UnlockPerMinute <= 0 {
		c.RateLimit.UnlockPerMinute = 10
	}
	if c.RateLimit.UnlockBurst <= 0 {
		c.RateLimit.UnlockBurst = 5
	}
	if c.RateLimit.MaxFailures <= 0 {
		c.RateLimit.MaxFailures = 10
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "mongo":
		if c.Storage.MongoURI == "" {
			return errors.New("config: storage.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Tokens.Driver {
	case "":
	case "redis":
		if c.Tokens.RedisAddr == "" {
			return errors.New("config: tokens.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config: unknown tokens driver %q", c.Tokens.Driver)
	}
	if c.Consent.TTL > c.Consent.MaxTTL {
		return fmt.Errorf("config: consent.ttl %s exceeds consent.max_ttl %s", c.Consent.TTL, c.Consent.MaxTTL)
	}
	if _, err := c.Engine(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Engine builds the crypto parameters used for new wrappers.
func (c *Config) Engine() (*crypto.Engine, error) {
	cipher, err := crypto.ParseCipher(c.Cipher)
	if err != nil {
		return nil, err
	}
	kdf := crypto.KDFParams{Algo: c.KDF.Algorithm, Iterations: c.KDF.Iterations}
	if c.KDF.Algorithm == crypto.KDFArgon2 {
		kdf = crypto.KDFParams{
			Algo:       crypto.KDFArgon2,
			Iterations: c.KDF.ArgonTime,
			Memory:     c.KDF.ArgonMemory,
			Threads:    c.KDF.ArgonThreads,
		}
	}
	return crypto.NewEngine(kdf, cipher)
}

// Stores opens the vault and token backends. The returned closer releases
// everything that was opened.
func (c *Config) Stores(ctx context.Context) (storage.VaultStore, storage.TokenStore, func() error, error) {
	var (
		vs  storage.Store
		err error
	)
	switch c.Storage.Driver {
	case "memory":
		vs = storage.NewMemory()
	case "mongo":
		vs, err = storage.OpenMongo(ctx, c.Storage.MongoURI, c.Storage.MongoDB)
	default:
		vs, err = storage.OpenSQLite(ctx, c.Storage.SQLitePath)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s storage: %w", c.Storage.Driver, err)
	}
	if c.Tokens.Driver != "redis" {
		return vs, vs, vs.Close, nil
	}
	rt, err := storage.OpenRedisTokens(ctx, storage.RedisOptions{
		Addr:     c.Tokens.RedisAddr,
		Password: c.Tokens.RedisPassword,
		DB:       c.Tokens.RedisDB,
		Prefix:   c.Tokens.RedisPrefix,
	})
	if err != nil {
		_ = vs.Close()
		return nil, nil, nil, fmt.Errorf("open redis tokens: %w", err)
	}
	closer := func() error { return errors.Join(rt.Close(), vs.Close()) }
	return vs, rt, closer, nil
}
