package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	TextIn   TextInConfig   `yaml:"textin"`
	Drive    DriveConfig    `yaml:"drive"`
	GCS      GCSConfig      `yaml:"gcs"`
	Metadata MetadataConfig `yaml:"metadata"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig selects the record store backend: postgres, sqlite or
// firestore.
type DatabaseConfig struct {
	Driver           string `yaml:"driver"`
	DSN              string `yaml:"dsn"`
	FirestoreProject string `yaml:"firestore_project"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

type StorageConfig struct {
	Root            string       `yaml:"root"`
	DownloadDir     string       `yaml:"download_dir"`
	StripWatermarks bool         `yaml:"strip_watermarks"`
	ExtraMarkers    []string     `yaml:"extra_watermark_markers"`
	Mirror          MirrorConfig `yaml:"mirror"`
}

// MirrorConfig configures optional replication of artifacts to object
// storage. Kind is "", "gcs" or "minio".
type MirrorConfig struct {
	Kind      string `yaml:"kind"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type TextInConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	AppID       string        `yaml:"app_id"`
	SecretCode  string        `yaml:"secret_code"`
	ParseMode   string        `yaml:"parse_mode"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RetryBudget is the longest one extraction can take under these settings:
// every call hitting Timeout plus each backoff with the client's 10% jitter.
func (c TextInConfig) RetryBudget() time.Duration {
	total := time.Duration(c.MaxAttempts) * c.Timeout
	d := c.BaseDelay
	for i := 1; i < c.MaxAttempts; i++ {
		if d > c.MaxDelay {
			d = c.MaxDelay
		}
		total += d + d/10
		d *= 2
	}
	return total
}

type DriveConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

type GCSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetadataConfig configures the optional LLM metadata step. Provider is "",
// "vertex" or "openai".
type MetadataConfig struct {
	Provider     string        `yaml:"provider"`
	ProjectID    string        `yaml:"project_id"`
	Region       string        `yaml:"region"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
	ContextChars int           `yaml:"context_chars"`
	Timeout      time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	// ExtractTimeout bounds one file's extraction, retries included. It
	// defaults to the TextIn retry budget so every configured attempt can run.
	ExtractTimeout time.Duration `yaml:"extract_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// Load reads an optional YAML file, then a .env file if one exists, then
// applies environment overrides and defaults. An empty path or a missing
// file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config
	cfg.Storage.StripWatermarks = true

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate checks the settings every parse needs.
func (c *Config) Validate() error {
	if c.TextIn.AppID == "" || c.TextIn.SecretCode == "" {
		return fmt.Errorf("TEXTIN_APP_ID and TEXTIN_SECRET_CODE must be set")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("DATABASE_URL must be set for driver %s", c.Database.Driver)
		}
	case "firestore":
		if c.Database.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT must be set for driver firestore")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Metadata.Provider {
	case "", "vertex", "openai":
	default:
		return fmt.Errorf("unknown metadata provider %q", c.Metadata.Provider)
	}
	switch c.Storage.Mirror.Kind {
	case "":
	case "gcs", "minio":
		if c.Storage.Mirror.Bucket == "" {
			return fmt.Errorf("storage.mirror.bucket must be set for mirror kind %s", c.Storage.Mirror.Kind)
		}
	default:
		return fmt.Errorf("unknown mirror kind %q", c.Storage.Mirror.Kind)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("DATABASE_URL", cfg.Database.DSN)
	cfg.Database.FirestoreProject = getEnv("FIRESTORE_PROJECT", cfg.Database.FirestoreProject)
	cfg.Storage.Root = getEnv("DATA_DIR", cfg.Storage.Root)
	cfg.Storage.DownloadDir = getEnv("DOWNLOAD_DIR", cfg.Storage.DownloadDir)
	cfg.Storage.Mirror.Kind = getEnv("MIRROR_KIND", cfg.Storage.Mirror.Kind)
	cfg.Storage.Mirror.Bucket = getEnv("MIRROR_BUCKET", cfg.Storage.Mirror.Bucket)
	cfg.Storage.Mirror.AccessKey = getEnv("MIRROR_ACCESS_KEY", cfg.Storage.Mirror.AccessKey)
	cfg.Storage.Mirror.SecretKey = getEnv("MIRROR_SECRET_KEY", cfg.Storage.Mirror.SecretKey)
	cfg.TextIn.AppID = getEnv("TEXTIN_APP_ID", cfg.TextIn.AppID)
	cfg.TextIn.SecretCode = getEnv("TEXTIN_SECRET_CODE", cfg.TextIn.SecretCode)
	cfg.TextIn.ParseMode = getEnv("TEXTIN_PARSE_MODE", cfg.TextIn.ParseMode)
	cfg.Drive.CredentialsFile = getEnv("GOOGLE_CREDENTIALS_FILE", cfg.Drive.CredentialsFile)
	cfg.Metadata.Provider = getEnv("METADATA_PROVIDER", cfg.Metadata.Provider)
	cfg.Metadata.ProjectID = getEnv("PROJECT_ID", cfg.Metadata.ProjectID)
	cfg.Metadata.APIKey = getEnv("LLM_API_KEY", cfg.Metadata.APIKey)
	cfg.Metadata.BaseURL = getEnv("LLM_BASE_URL", cfg.Metadata.BaseURL)
	cfg.Metadata.Model = getEnv("LLM_MODEL", cfg.Metadata.Model)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	if v, err := strconv.Atoi(getEnv("TEXTIN_MAX_CONCURRENT", "")); err == nil {
		cfg.Pipeline.MaxConcurrent = v
	}
	if v, err := strconv.Atoi(getEnv("PORT", "")); err == nil {
		cfg.Server.Port = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "data/parsed"
	}
	if cfg.TextIn.Endpoint == "" {
		cfg.TextIn.Endpoint = "https://api.textin.com/ai/service/v1/x_to_markdown"
	}
	if cfg.TextIn.ParseMode == "" {
		cfg.TextIn.ParseMode = "auto"
	}
	if cfg.TextIn.Timeout == 0 {
		cfg.TextIn.Timeout = 300 * time.Second
	}
	if cfg.TextIn.MaxAttempts == 0 {
		cfg.TextIn.MaxAttempts = 3
	}
	if cfg.TextIn.BaseDelay == 0 {
		cfg.TextIn.BaseDelay = 4 * time.Second
	}
	if cfg.TextIn.MaxDelay == 0 {
		cfg.TextIn.MaxDelay = 16 * time.Second
	}
	if cfg.Metadata.Region == "" {
		cfg.Metadata.Region = "us-central1"
	}
	if cfg.Metadata.Model == "" {
		switch cfg.Metadata.Provider {
		case "vertex":
			cfg.Metadata.Model = "gemini-1.5-pro"
		default:
			cfg.Metadata.Model = "openai/gpt-4o-mini"
		}
	}
	if cfg.Metadata.BaseURL == "" {
		cfg.Metadata.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Metadata.MaxTokens == 0 {
		cfg.Metadata.MaxTokens = 1024
	}
	if cfg.Metadata.ContextChars == 0 {
		cfg.Metadata.ContextChars = 4000
	}
	if cfg.Pipeline.MaxConcurrent <= 0 {
		cfg.Pipeline.MaxConcurrent = 3
	}
	if cfg.Metadata.Timeout == 0 {
		cfg.Metadata.Timeout = 2 * time.Minute
	}
	if cfg.Pipeline.ExtractTimeout == 0 {
		cfg.Pipeline.ExtractTimeout = cfg.TextIn.RetryBudget()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
