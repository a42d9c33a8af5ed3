// Package config loads nostrlink configuration from a JSON5 file with
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendS3       = "s3"
)

// Environment overrides.
const (
	EnvConfigPath    = "NOSTRLINK_CONFIG"
	EnvEncryptionKey = "NOSTRLINK_ENCRYPTION_KEY"
	EnvPostgresDSN   = "NOSTRLINK_POSTGRES_DSN"
	EnvRedisURL      = "NOSTRLINK_REDIS_URL"
	EnvS3Bucket      = "NOSTRLINK_S3_BUCKET"
	EnvLogLevel      = "NOSTRLINK_LOG_LEVEL"
)

// DefaultRelays is the relay set used for profile lookups and bunker
// connections when a credential does not carry its own relays.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.nostr.band",
	"wss://relay.8333.space",
	"wss://nostr-pub.wellorder.net",
	"wss://nostr.oxtr.dev",
	"wss://nos.lol",
}

// Config is the root configuration.
type Config struct {
	AppName   string          `json:"app_name"`
	LogLevel  string          `json:"log_level,omitempty"`
	Relays    []string        `json:"relays"`
	Pairing   PairingConfig   `json:"pairing"`
	Bunker    BunkerConfig    `json:"bunker"`
	Relay     RelayConfig     `json:"relay"`
	Storage   StorageConfig   `json:"storage"`
	Keychain  KeychainConfig  `json:"keychain"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// PairingConfig controls interactive nostrconnect pairing.
type PairingConfig struct {
	Relay      string   `json:"relay"`
	Perms      []string `json:"perms"`
	TimeoutSec int      `json:"timeout_sec"`
}

// BunkerConfig controls remote signer RPC.
type BunkerConfig struct {
	RequestTimeoutSec int `json:"request_timeout_sec"`
}

// RelayConfig controls relay connections.
type RelayConfig struct {
	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	PublishRPM        int `json:"publish_rpm"`
	PublishBurst      int `json:"publish_burst"`
}

// StorageConfig selects and configures the credential store.
type StorageConfig struct {
	Backend       string   `json:"backend"`
	Path          string   `json:"path,omitempty"`
	PostgresDSN   string   `json:"postgres_dsn,omitempty"`
	RedisURL      string   `json:"redis_url,omitempty"`
	Namespace     string   `json:"namespace"`
	EncryptionKey string   `json:"encryption_key,omitempty"`
	S3            S3Config `json:"s3"`
}

// S3Config locates the bucket for the s3 backend. Endpoint is for
// S3-compatible services such as MinIO; it switches to path-style URLs.
// Without AccessKeyID the default AWS credential chain is used.
type S3Config struct {
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// KeychainConfig names the OS keychain entry holding the extension signer key.
type KeychainConfig struct {
	Service string `json:"service"`
	User    string `json:"user"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	SampleRatio float64           `json:"sample_ratio,omitempty"` // 0 or 1 keeps every trace
}

// Default returns a config with every field populated.
func Default() *Config {
	return &Config{
		AppName:  "nostrlink",
		LogLevel: "info",
		Relays:   append([]string(nil), DefaultRelays...),
		Pairing: PairingConfig{
			Relay:      "wss://relay.nsec.app",
			Perms:      []string{"sign_event:3", "get_public_key"},
			TimeoutSec: 120,
		},
		Bunker: BunkerConfig{RequestTimeoutSec: 30},
		Relay: RelayConfig{
			ConnectTimeoutSec: 10,
			PublishRPM:        60,
			PublishBurst:      5,
		},
		Storage: StorageConfig{
			Backend:   BackendFile,
			Path:      "~/.nostrlink/data",
			Namespace: "nostrlink",
		},
		Keychain: KeychainConfig{
			Service: "nostrlink",
			User:    "nsec",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "nostrlink",
		},
	}
}

// DefaultPath returns the config file path, honoring NOSTRLINK_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return ExpandHome("~/.nostrlink/config.json5")
}

// Load reads the config at path on top of Default. A missing file is not an
// error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON (valid JSON5) with owner-only permissions.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEncryptionKey); v != "" {
		c.Storage.EncryptionKey = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv(EnvS3Bucket); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Normalize validates the config and canonicalizes relay URLs in place.
func (c *Config) Normalize() error {
	if c.AppName == "" {
		c.AppName = "nostrlink"
	}

	relays := make([]string, 0, len(c.Relays))
	for _, r := range c.Relays {
		n, err := NormalizeRelayURL(r)
		if err != nil {
			return fmt.Errorf("relays: %w", err)
		}
		relays = append(relays, n)
	}
	c.Relays = dedupe(relays)

	pr, err := NormalizeRelayURL(c.Pairing.Relay)
	if err != nil {
		return fmt.Errorf("pairing.relay: %w", err)
	}
	c.Pairing.Relay = pr
	if c.Pairing.TimeoutSec <= 0 {
		c.Pairing.TimeoutSec = 120
	}
	if c.Bunker.RequestTimeoutSec <= 0 {
		c.Bunker.RequestTimeoutSec = 30
	}
	if c.Relay.ConnectTimeoutSec <= 0 {
		c.Relay.ConnectTimeoutSec = 10
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = BackendFile
	case BackendFile, BackendSQLite:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.backend %q requires postgres_dsn or %s", c.Storage.Backend, EnvPostgresDSN)
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.backend %q requires redis_url or %s", c.Storage.Backend, EnvRedisURL)
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.backend %q requires s3.bucket or %s", c.Storage.Backend, EnvS3Bucket)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = "nostrlink"
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// PairingTimeout returns the pairing deadline as a duration.
func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.Pairing.TimeoutSec) * time.Second
}

// BunkerTimeout returns the per-request remote signer timeout.
func (c *Config) BunkerTimeout() time.Duration {
	return time.Duration(c.Bunker.RequestTimeoutSec) * time.Second
}

// ConnectTimeout returns the relay dial timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Relay.ConnectTimeoutSec) * time.Second
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
