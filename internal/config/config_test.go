package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
log_level: "debug"
storage:
  data_dir: "/srv/inkvault"
  default_quota: "1GB"
signer:
  secret: "test-secret"
  ttl: "10m"
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/srv/inkvault", cfg.Storage.DataDir)
	assert.Equal(t, int64(1<<30), cfg.Storage.DefaultQuota.Bytes())
	assert.Equal(t, "test-secret", cfg.Signer.Secret)
	assert.Equal(t, 10*time.Minute, cfg.SignerTTLDuration())
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
signer:
  secret: "s"
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9464", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/var/lib/inkvault", cfg.Storage.DataDir)
	assert.Equal(t, int64(25<<30), cfg.Storage.DefaultQuota.Bytes())
	assert.Equal(t, int64(16<<20), cfg.Upload.MaxChunkSize.Bytes())
	assert.Equal(t, time.Minute, cfg.SweepIntervalDuration())
	assert.Equal(t, 30*time.Minute, cfg.SessionTTLDuration())
	assert.Equal(t, 5*time.Minute, cfg.SignerTTLDuration())
	assert.Equal(t, 5*time.Minute, cfg.SyncLockTTLDuration())
	assert.Equal(t, 720*time.Hour, cfg.RecycleRetentionDuration())
	assert.False(t, cfg.Sync.RestoreAutoRename)
}

func TestLoadServerConfig_FileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
listen: [invalid yaml
`)

	_, err := LoadServerConfig(path)
	assert.Error(t, err)
}

func TestLoadServerConfig_ExpandHomePath(t *testing.T) {
	path := writeConfig(t, `
signer:
  secret: "s"
storage:
  data_dir: "~/.inkvault"
`)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	homeDir, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(homeDir, ".inkvault"), cfg.Storage.DataDir)
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ServerConfig)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *ServerConfig) {},
			wantErr: false,
		},
		{
			name:    "missing signer secret",
			modify:  func(c *ServerConfig) { c.Signer.Secret = "" },
			wantErr: true,
		},
		{
			name:    "negative quota",
			modify:  func(c *ServerConfig) { c.Storage.DefaultQuota = -1 },
			wantErr: true,
		},
		{
			name:    "zero max chunk size",
			modify:  func(c *ServerConfig) { c.Upload.MaxChunkSize = 0 },
			wantErr: true,
		},
		{
			name:    "bad session ttl",
			modify:  func(c *ServerConfig) { c.Upload.SessionTTL = "soon" },
			wantErr: true,
		},
		{
			name:    "bad recycle retention",
			modify:  func(c *ServerConfig) { c.Storage.RecycleRetention = "30 days" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Signer.Secret = "s"
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyLogLevel(t *testing.T) {
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "invalid level", level: "loud", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
