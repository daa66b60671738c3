// Package config provides file-based configuration for the ingestion service.
// The file format is picked from the extension: .yaml/.yml (default) or .toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Upload     UploadConfig     `yaml:"upload" toml:"upload"`
	Ingest     IngestConfig     `yaml:"ingest" toml:"ingest"`
	Worker     WorkerConfig     `yaml:"worker" toml:"worker"`
	Extraction ExtractionConfig `yaml:"extraction" toml:"extraction"`
	Janitor    JanitorConfig    `yaml:"janitor" toml:"janitor"`
	Security   SecurityConfig   `yaml:"security" toml:"security"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port                 int    `yaml:"port" toml:"port"`
	BindAddress          string `yaml:"bind_address" toml:"bind_address"`
	EnableCORS           bool   `yaml:"enable_cors" toml:"enable_cors"`
	AllowOrigins         string `yaml:"allow_origins" toml:"allow_origins"`
	ReadTimeout          int    `yaml:"read_timeout_seconds" toml:"read_timeout_seconds"` // 0 = none; archive bodies can be large
	WriteTimeout         int    `yaml:"write_timeout_seconds" toml:"write_timeout_seconds"`
	IdleTimeout          int    `yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`
	BodyLimit            string `yaml:"body_limit" toml:"body_limit"`
	EnableRequestLogging bool   `yaml:"enable_request_logging" toml:"enable_request_logging"`
}

// StorageConfig contains database, temp and blob storage settings
type StorageConfig struct {
	DataDirectory  string   `yaml:"data_directory" toml:"data_directory"`
	TempDirectory  string   `yaml:"temp_directory" toml:"temp_directory"`
	DatabaseDriver string   `yaml:"database_driver" toml:"database_driver"` // duckdb|sqlite
	DatabasePath   string   `yaml:"database_path" toml:"database_path"`
	BlobDriver     string   `yaml:"blob_driver" toml:"blob_driver"` // local|s3
	BlobDirectory  string   `yaml:"blob_directory" toml:"blob_directory"`
	S3             S3Config `yaml:"s3" toml:"s3"`
}

// S3Config configures the S3-compatible blob store. Endpoint may point at MinIO.
type S3Config struct {
	Bucket          string `yaml:"bucket" toml:"bucket"`
	Region          string `yaml:"region" toml:"region"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" toml:"use_path_style"`
	PresignMinutes  int    `yaml:"presign_minutes" toml:"presign_minutes"`
}

// UploadConfig contains chunked upload settings
type UploadConfig struct {
	MaxUploadSize     string `yaml:"max_upload_size" toml:"max_upload_size"`
	ChunkSize         string `yaml:"chunk_size" toml:"chunk_size"`
	MinFreeDisk       string `yaml:"min_free_disk" toml:"min_free_disk"`
	SessionTTLMinutes int    `yaml:"session_ttl_minutes" toml:"session_ttl_minutes"`

	// Parsed in Validate(); not read from the file.
	MaxUploadBytes   int64 `yaml:"-" toml:"-"`
	ChunkBytes       int64 `yaml:"-" toml:"-"`
	MinFreeDiskBytes int64 `yaml:"-" toml:"-"`
}

// IngestConfig contains archive processing settings
type IngestConfig struct {
	AllowedExtensions    []string `yaml:"allowed_extensions" toml:"allowed_extensions"`
	ArchiveExtensions    []string `yaml:"archive_extensions" toml:"archive_extensions"`
	MaxEntrySize         string   `yaml:"max_entry_size" toml:"max_entry_size"`
	ProgressPersistEvery int      `yaml:"progress_persist_every" toml:"progress_persist_every"`
	HashAlgorithm        string   `yaml:"hash_algorithm" toml:"hash_algorithm"`

	MaxEntryBytes int64 `yaml:"-" toml:"-"`
}

// WorkerConfig contains processing queue settings
type WorkerConfig struct {
	Enabled                 bool    `yaml:"enabled" toml:"enabled"`
	PollIntervalSeconds     int     `yaml:"poll_interval_seconds" toml:"poll_interval_seconds"`
	BatchSize               int     `yaml:"batch_size" toml:"batch_size"`
	MaxRetries              int     `yaml:"max_retries" toml:"max_retries"`
	RetryBackoffSeconds     int     `yaml:"retry_backoff_seconds" toml:"retry_backoff_seconds"`
	StuckTimeoutMinutes     int     `yaml:"stuck_timeout_minutes" toml:"stuck_timeout_minutes"`
	DrainWaitTimeoutSeconds int     `yaml:"drain_wait_timeout_seconds" toml:"drain_wait_timeout_seconds"`
	MaxDrainBatches         int     `yaml:"max_drain_batches" toml:"max_drain_batches"`
	ExtractionsPerMinute    float64 `yaml:"extractions_per_minute" toml:"extractions_per_minute"`
	ExtractionBurst         int     `yaml:"extraction_burst" toml:"extraction_burst"`
}

// ExtractionConfig points at the external extraction service
type ExtractionConfig struct {
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	APIKey         string `yaml:"api_key" toml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// JanitorConfig contains cleanup settings
type JanitorConfig struct {
	Schedule           string `yaml:"schedule" toml:"schedule"`
	OrphanTTLMinutes   int    `yaml:"orphan_ttl_minutes" toml:"orphan_ttl_minutes"`
	JobCacheTTLMinutes int    `yaml:"job_cache_ttl_minutes" toml:"job_cache_ttl_minutes"`
}

// SecurityConfig contains owner resolution settings
type SecurityConfig struct {
	TokenSecret      string   `yaml:"token_secret" toml:"token_secret"`
	TokenTTLHours    int      `yaml:"token_ttl_hours" toml:"token_ttl_hours"`
	AllowHeaderOwner bool     `yaml:"allow_header_owner" toml:"allow_header_owner"`
	AdminOwners      []string `yaml:"admin_owners" toml:"admin_owners"` // owners allowed on /api/admin
}

// LoggingConfig contains slog settings
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json|text
	File   string `yaml:"file" toml:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:                 8090,
			BindAddress:          "0.0.0.0",
			EnableCORS:           false,
			AllowOrigins:         "*",
			ReadTimeout:          0,
			WriteTimeout:         0,
			IdleTimeout:          120,
			BodyLimit:            "64mb",
			EnableRequestLogging: true,
		},
		Storage: StorageConfig{
			DataDirectory:  "./data",
			TempDirectory:  "./data/temp",
			DatabaseDriver: "duckdb",
			DatabasePath:   "./data/ingest.duckdb",
			BlobDriver:     "local",
			BlobDirectory:  "./data/blobs",
			S3: S3Config{
				Region:         "us-east-1",
				Prefix:         "documents",
				PresignMinutes: 60,
			},
		},
		Upload: UploadConfig{
			MaxUploadSize:     "1536mb",
			ChunkSize:         "50mb",
			MinFreeDisk:       "512mb",
			SessionTTLMinutes: 120,
		},
		Ingest: IngestConfig{
			AllowedExtensions:    []string{".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp", ".heic"},
			ArchiveExtensions:    []string{".zip", ".tar.gz", ".tgz", ".tar.zst", ".tzst"},
			MaxEntrySize:         "100mb",
			ProgressPersistEvery: 10,
			HashAlgorithm:        "sha256",
		},
		Worker: WorkerConfig{
			Enabled:                 true,
			PollIntervalSeconds:     30,
			BatchSize:               3,
			MaxRetries:              3,
			RetryBackoffSeconds:     60,
			StuckTimeoutMinutes:     10,
			DrainWaitTimeoutSeconds: 120,
			MaxDrainBatches:         1000,
			ExtractionsPerMinute:    30,
			ExtractionBurst:         1,
		},
		Extraction: ExtractionConfig{
			TimeoutSeconds: 120,
		},
		Janitor: JanitorConfig{
			Schedule:           "@every 10m",
			OrphanTTLMinutes:   180,
			JobCacheTTLMinutes: 120,
		},
		Security: SecurityConfig{
			TokenTTLHours:    24,
			AllowHeaderOwner: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from a YAML or TOML file.
// If the file doesn't exist, the defaults are written to it and returned.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := unmarshal(configPath, data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return config, nil
}

// Save writes the configuration using the format implied by the file extension
func (c *AppConfig) Save(configPath string) error {
	var (
		output []byte
		err    error
	)
	if isTOML(configPath) {
		output, err = toml.Marshal(c)
	} else {
		output, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, output, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func unmarshal(path string, data []byte, out *AppConfig) error {
	if isTOML(path) {
		return toml.Unmarshal(data, out)
	}
	return yaml.Unmarshal(data, out)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Validate applies defaults for zero values and rejects invalid settings.
func (c *AppConfig) Validate() error {
	var err error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	c.Storage.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.Storage.DatabaseDriver))
	if c.Storage.DatabaseDriver != "duckdb" && c.Storage.DatabaseDriver != "sqlite" {
		return fmt.Errorf("storage.database_driver must be duckdb or sqlite, got %q", c.Storage.DatabaseDriver)
	}
	c.Storage.BlobDriver = strings.ToLower(strings.TrimSpace(c.Storage.BlobDriver))
	switch c.Storage.BlobDriver {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when blob_driver is s3")
		}
	default:
		return fmt.Errorf("storage.blob_driver must be local or s3, got %q", c.Storage.BlobDriver)
	}
	if c.Storage.S3.PresignMinutes <= 0 {
		c.Storage.S3.PresignMinutes = 60
	}

	if c.Upload.MaxUploadBytes, err = ParseByteSize(c.Upload.MaxUploadSize); err != nil {
		return fmt.Errorf("upload.max_upload_size: %w", err)
	}
	if c.Upload.ChunkBytes, err = ParseByteSize(c.Upload.ChunkSize); err != nil {
		return fmt.Errorf("upload.chunk_size: %w", err)
	}
	if c.Upload.ChunkBytes <= 0 {
		return fmt.Errorf("upload.chunk_size must be > 0")
	}
	if c.Upload.MinFreeDisk == "" {
		c.Upload.MinFreeDisk = "0"
	}
	if c.Upload.MinFreeDiskBytes, err = ParseByteSize(c.Upload.MinFreeDisk); err != nil {
		return fmt.Errorf("upload.min_free_disk: %w", err)
	}
	if c.Upload.SessionTTLMinutes <= 0 {
		c.Upload.SessionTTLMinutes = 120
	}

	if len(c.Ingest.AllowedExtensions) == 0 {
		return fmt.Errorf("ingest.allowed_extensions must have at least one entry")
	}
	c.Ingest.AllowedExtensions = normalizeExtensions(c.Ingest.AllowedExtensions)
	c.Ingest.ArchiveExtensions = normalizeExtensions(c.Ingest.ArchiveExtensions)
	if c.Ingest.MaxEntryBytes, err = ParseByteSize(c.Ingest.MaxEntrySize); err != nil {
		return fmt.Errorf("ingest.max_entry_size: %w", err)
	}
	if c.Ingest.ProgressPersistEvery <= 0 {
		c.Ingest.ProgressPersistEvery = 10
	}

	if c.Worker.PollIntervalSeconds <= 0 {
		c.Worker.PollIntervalSeconds = 30
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 3
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.StuckTimeoutMinutes <= 0 {
		c.Worker.StuckTimeoutMinutes = 10
	}
	if c.Worker.DrainWaitTimeoutSeconds <= 0 {
		c.Worker.DrainWaitTimeoutSeconds = 120
	}
	if c.Worker.MaxDrainBatches <= 0 {
		c.Worker.MaxDrainBatches = 1000
	}
	if c.Worker.ExtractionBurst <= 0 {
		c.Worker.ExtractionBurst = 1
	}

	if c.Extraction.TimeoutSeconds <= 0 {
		c.Extraction.TimeoutSeconds = 120
	}

	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@every 10m"
	}
	if c.Janitor.OrphanTTLMinutes <= 0 {
		c.Janitor.OrphanTTLMinutes = 180
	}
	if c.Janitor.JobCacheTTLMinutes <= 0 {
		c.Janitor.JobCacheTTLMinutes = 120
	}

	if c.Security.TokenTTLHours <= 0 {
		c.Security.TokenTTLHours = 24
	}
	if c.Security.TokenSecret == "" && !c.Security.AllowHeaderOwner {
		return fmt.Errorf("security.token_secret is required unless allow_header_owner is enabled")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}

	if tempDir := os.Getenv("INGEST_TEMP_DIR"); tempDir != "" {
		c.Storage.TempDirectory = tempDir
	}

	if endpoint := os.Getenv("EXTRACTION_ENDPOINT"); endpoint != "" {
		c.Extraction.Endpoint = endpoint
	}

	if secret := os.Getenv("UPLOAD_TOKEN_SECRET"); secret != "" {
		c.Security.TokenSecret = secret
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.TempDirectory,
		&c.Storage.DatabasePath,
		&c.Storage.BlobDirectory,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// ChunkDir is where in-flight upload chunks are stored.
func (c *AppConfig) ChunkDir() string {
	return filepath.Join(c.Storage.TempDirectory, "chunks")
}

// AssemblyDir is where reassembled and single-shot archives are staged.
func (c *AppConfig) AssemblyDir() string {
	return filepath.Join(c.Storage.TempDirectory, "assembled")
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.TempDirectory,
		c.ChunkDir(),
		c.AssemblyDir(),
		filepath.Dir(c.Storage.DatabasePath),
	}
	if c.Storage.BlobDriver == "local" {
		dirs = append(dirs, c.Storage.BlobDirectory)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// SessionTTL returns the upload session lifetime.
func (u UploadConfig) SessionTTL() time.Duration {
	return time.Duration(u.SessionTTLMinutes) * time.Minute
}

// PollInterval returns the worker tick interval.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// RetryBackoff returns the base delay before a failed item is retried.
func (w WorkerConfig) RetryBackoff() time.Duration {
	return time.Duration(w.RetryBackoffSeconds) * time.Second
}

// StuckTimeout returns how long an item may stay in processing.
func (w WorkerConfig) StuckTimeout() time.Duration {
	return time.Duration(w.StuckTimeoutMinutes) * time.Minute
}

// DrainWaitTimeout bounds how long a drain waits for an in-flight cycle.
func (w WorkerConfig) DrainWaitTimeout() time.Duration {
	return time.Duration(w.DrainWaitTimeoutSeconds) * time.Second
}

// Timeout returns the extraction request timeout.
func (e ExtractionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// OrphanTTL returns the age after which staged files are considered orphaned.
func (j JanitorConfig) OrphanTTL() time.Duration {
	return time.Duration(j.OrphanTTLMinutes) * time.Minute
}

// JobCacheTTL returns how long job progress stays in memory.
func (j JanitorConfig) JobCacheTTL() time.Duration {
	return time.Duration(j.JobCacheTTLMinutes) * time.Minute
}

// TokenTTL returns the lifetime of minted bearer tokens.
func (s SecurityConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLHours) * time.Hour
}

// PresignTTL returns the lifetime of presigned blob URLs.
func (s S3Config) PresignTTL() time.Duration {
	return time.Duration(s.PresignMinutes) * time.Minute
}

// ParseByteSize converts strings like "50mb", "1.5gb" or "1024" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// longest suffix first so "mb" is not matched as "b"
	suffixes := []struct {
		s string
		m float64
	}{
		{"gb", 1 << 30},
		{"mb", 1 << 20},
		{"kb", 1 << 10},
		{"g", 1 << 30},
		{"m", 1 << 20},
		{"k", 1 << 10},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sfx.s))
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil || num < 0 {
				return 0, fmt.Errorf("invalid number %q", numStr)
			}
			return int64(num * sfx.m), nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
