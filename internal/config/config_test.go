// config_test.go - Tests for configuration loading
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefaults(t *testing.T) {
	t.Setenv("UPLOAD_TOKEN_SECRET", "test-secret")
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "default config should be written")

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, int64(50<<20), cfg.Upload.ChunkBytes)
	assert.Equal(t, int64(1536<<20), cfg.Upload.MaxUploadBytes)
	assert.Equal(t, "test-secret", cfg.Security.TokenSecret)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.DataDirectory)
	assert.Equal(t, 10*time.Minute, cfg.Worker.StuckTimeout())
	assert.Equal(t, 2*time.Hour, cfg.Upload.SessionTTL())
}

func TestLoadConfig_YAMLOverridesKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yml")
	content := `
server:
  port: 9100
storage:
  database_driver: SQLite
  database_path: db/ingest.sqlite
upload:
  chunk_size: 8mb
worker:
  batch_size: 5
security:
  allow_header_owner: true
  admin_owners: [ops, oncall]
ingest:
  allowed_extensions: ["PDF", ".png"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"ops", "oncall"}, cfg.Security.AdminOwners)
	assert.Equal(t, "sqlite", cfg.Storage.DatabaseDriver)
	assert.Equal(t, filepath.Join(dir, "db/ingest.sqlite"), cfg.Storage.DatabasePath)
	assert.Equal(t, int64(8<<20), cfg.Upload.ChunkBytes)
	assert.Equal(t, 5, cfg.Worker.BatchSize)
	assert.Equal(t, 3, cfg.Worker.MaxRetries, "unset fields keep defaults")
	assert.Equal(t, []string{".pdf", ".png"}, cfg.Ingest.AllowedExtensions)
}

func TestLoadConfig_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.toml")
	content := `
[server]
port = 9200

[security]
token_secret = "s3cret"
admin_owners = ["ops"]

[janitor]
schedule = "@every 1m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Security.TokenSecret)
	assert.Equal(t, []string{"ops"}, cfg.Security.AdminOwners)
	assert.Equal(t, "@every 1m", cfg.Janitor.Schedule)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("EXTRACTION_ENDPOINT", "http://extract.local/v1")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("UPLOAD_TOKEN_SECRET", "abc")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "ingest.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "http://extract.local/v1", cfg.Extraction.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr bool
	}{
		{"defaults with secret", func(c *AppConfig) { c.Security.TokenSecret = "x" }, false},
		{"missing secret", func(c *AppConfig) {}, true},
		{"header owner without secret", func(c *AppConfig) { c.Security.AllowHeaderOwner = true }, false},
		{"bad port", func(c *AppConfig) { c.Security.TokenSecret = "x"; c.Server.Port = 0 }, true},
		{"bad driver", func(c *AppConfig) { c.Security.TokenSecret = "x"; c.Storage.DatabaseDriver = "mysql" }, true},
		{"s3 without bucket", func(c *AppConfig) { c.Security.TokenSecret = "x"; c.Storage.BlobDriver = "s3" }, true},
		{"bad chunk size", func(c *AppConfig) { c.Security.TokenSecret = "x"; c.Upload.ChunkSize = "lots" }, true},
		{"no allowed extensions", func(c *AppConfig) { c.Security.TokenSecret = "x"; c.Ingest.AllowedExtensions = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"10b", 10, false},
		{"4kb", 4 << 10, false},
		{"50mb", 50 << 20, false},
		{"50MB", 50 << 20, false},
		{"1.5gb", 1536 << 20, false},
		{"2g", 2 << 30, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5mb", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
