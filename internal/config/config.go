// Package config handles configuration loading and validation for inkvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/inkvault/inkvault/pkg/bytesize"
)

// StorageConfig holds configuration for blob and metadata storage.
type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`          // Root for db, blobs and staging (default: /var/lib/inkvault)
	DefaultQuota     bytesize.Size `yaml:"default_quota"`     // Per-user quota, bytes or "25GB" (default: 25 GiB)
	RecycleRetention string        `yaml:"recycle_retention"` // How long recycled entries are kept (default: "720h")
}

// UploadConfig holds configuration for chunked upload sessions.
type UploadConfig struct {
	SessionTTL   string        `yaml:"session_ttl"`    // Idle lifetime of an upload session (default: "30m")
	MaxChunkSize bytesize.Size `yaml:"max_chunk_size"` // Largest accepted chunk, bytes or "16MB" (default: 16 MiB)
}

// SignerConfig holds configuration for signed URL issuance.
type SignerConfig struct {
	Secret string `yaml:"secret"` // HMAC secret for signed URLs (required)
	TTL    string `yaml:"ttl"`    // Signed URL lifetime (default: "5m")
}

// SyncConfig holds configuration for device sync coordination.
type SyncConfig struct {
	LockTTL           string `yaml:"lock_ttl"`            // Per-device sync lock lifetime (default: "5m")
	RestoreAutoRename bool   `yaml:"restore_auto_rename"` // Suffix restored names on conflict instead of failing
}

// ServerConfig holds configuration for the sync server.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`         // Metrics/health listen address (default: ":9464")
	PublicURL     string        `yaml:"public_url"`     // Externally reachable prefix for signed URLs (default: "http://localhost:9464")
	LogLevel      string        `yaml:"log_level"`      // zerolog level (default: "info")
	SweepInterval string        `yaml:"sweep_interval"` // Background maintenance cadence (default: "1m")
	Storage       StorageConfig `yaml:"storage"`
	Upload        UploadConfig  `yaml:"upload"`
	Signer        SignerConfig  `yaml:"signer"`
	Sync          SyncConfig    `yaml:"sync"`
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a config with all defaults applied, for embedding and tests.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9464"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:9464"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SweepInterval == "" {
		c.SweepInterval = "1m"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "/var/lib/inkvault"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.Storage.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Storage.DataDir = filepath.Join(homeDir, c.Storage.DataDir[2:])
		}
	}
	if c.Storage.DefaultQuota == 0 {
		c.Storage.DefaultQuota = bytesize.Size(25 * bytesize.GB)
	}
	if c.Storage.RecycleRetention == "" {
		c.Storage.RecycleRetention = "720h"
	}
	if c.Upload.SessionTTL == "" {
		c.Upload.SessionTTL = "30m"
	}
	if c.Upload.MaxChunkSize == 0 {
		c.Upload.MaxChunkSize = bytesize.Size(16 * bytesize.MB)
	}
	if c.Signer.TTL == "" {
		c.Signer.TTL = "5m"
	}
	if c.Sync.LockTTL == "" {
		c.Sync.LockTTL = "5m"
	}
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Signer.Secret == "" {
		return fmt.Errorf("signer.secret is required")
	}
	if c.Storage.DefaultQuota < 0 {
		return fmt.Errorf("storage.default_quota must not be negative")
	}
	if c.Upload.MaxChunkSize <= 0 {
		return fmt.Errorf("upload.max_chunk_size must be positive")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"sweep_interval", c.SweepInterval},
		{"storage.recycle_retention", c.Storage.RecycleRetention},
		{"upload.session_ttl", c.Upload.SessionTTL},
		{"signer.ttl", c.Signer.TTL},
		{"sync.lock_ttl", c.Sync.LockTTL},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}
	return nil
}

// Duration helpers. Validate guarantees these parse; a zero value is returned
// for anything that slipped through so callers fall back to sane behavior.

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// SweepIntervalDuration returns the parsed background sweep cadence.
func (c *ServerConfig) SweepIntervalDuration() time.Duration { return parseDuration(c.SweepInterval) }

// RecycleRetentionDuration returns how long recycled entries are kept.
func (c *ServerConfig) RecycleRetentionDuration() time.Duration {
	return parseDuration(c.Storage.RecycleRetention)
}

// SessionTTLDuration returns the upload session idle lifetime.
func (c *ServerConfig) SessionTTLDuration() time.Duration {
	return parseDuration(c.Upload.SessionTTL)
}

// SignerTTLDuration returns the signed URL lifetime.
func (c *ServerConfig) SignerTTLDuration() time.Duration { return parseDuration(c.Signer.TTL) }

// SyncLockTTLDuration returns the per-device sync lock lifetime.
func (c *ServerConfig) SyncLockTTLDuration() time.Duration { return parseDuration(c.Sync.LockTTL) }

// ApplyLogLevel sets the global zerolog level from a config string.
// Returns false if the level is empty or unrecognized, leaving the level unchanged.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
