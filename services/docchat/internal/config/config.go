package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML and overridden by
// environment variables.
type FileConfig struct {
	Port     string `yaml:"port" env:"PORT"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	// DatabaseURL is optional; empty runs on the in-memory store.
	DatabaseURL string `yaml:"databaseURL" env:"DATABASE_URL"`

	SessionSecret string        `yaml:"sessionSecret" env:"SESSION_SECRET"`
	SessionTTL    time.Duration `yaml:"sessionTTL" env:"SESSION_TTL"`
	RedisAddr     string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redisPassword" env:"REDIS_PASSWORD"`

	StorageDriver  string `yaml:"storageDriver" env:"STORAGE_DRIVER"`
	DataDir        string `yaml:"dataDir" env:"DATA_DIR"`
	MinioEndpoint  string `yaml:"minioEndpoint" env:"MINIO_ENDPOINT"`
	MinioAccessKey string `yaml:"minioAccessKey" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `yaml:"minioSecretKey" env:"MINIO_SECRET_KEY"`
	MinioBucket    string `yaml:"minioBucket" env:"MINIO_BUCKET"`
	MinioUseSSL    bool   `yaml:"minioUseSSL" env:"MINIO_USE_SSL"`

	GenerationProvider string        `yaml:"generationProvider" env:"GENERATION_PROVIDER"`
	GenerationBaseURL  string        `yaml:"generationBaseURL" env:"GENERATION_BASE_URL"`
	GenerationAPIKey   string        `yaml:"generationAPIKey" env:"GENERATION_API_KEY"`
	GenerationModel    string        `yaml:"generationModel" env:"GENERATION_MODEL"`
	CompletionTimeout  time.Duration `yaml:"completionTimeout" env:"COMPLETION_TIMEOUT"`

	MaxUploadBytes int64 `yaml:"maxUploadBytes" env:"MAX_UPLOAD_BYTES"`
	MaxPDFPages    int   `yaml:"maxPdfPages" env:"MAX_PDF_PAGES"`

	SignupRateLimitPerMinute int      `yaml:"signupRateLimitPerMinute" env:"SIGNUP_RATE_LIMIT_PER_MINUTE"`
	LoginRateLimitPerMinute  int      `yaml:"loginRateLimitPerMinute" env:"LOGIN_RATE_LIMIT_PER_MINUTE"`
	TrustedProxies           []string `yaml:"trustedProxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// Load reads config from path (defaults to config.yaml). A missing file is
// allowed when the environment supplies every required key.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// Override with environment variables
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "local"
	}
	if cfg.StorageDriver == "local" && cfg.DataDir == "" {
		cfg.DataDir = "data/uploads"
	}
	cfg.GenerationProvider = strings.ToLower(strings.TrimSpace(cfg.GenerationProvider))
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = "gemini"
	}
	if cfg.CompletionTimeout == 0 {
		cfg.CompletionTimeout = 60 * time.Second
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.SignupRateLimitPerMinute == 0 {
		cfg.SignupRateLimitPerMinute = 5
	}
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if len(cfg.SessionSecret) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes (set in config.yaml or SESSION_SECRET)")
	}
	if cfg.SessionTTL < 0 {
		return errors.New("config: sessionTTL must be positive")
	}
	switch cfg.StorageDriver {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required when storageDriver is minio")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q (want local or minio)", cfg.StorageDriver)
	}
	switch cfg.GenerationProvider {
	case "gemini":
		if cfg.GenerationAPIKey == "" {
			return errors.New("config: generationAPIKey is required for gemini (set in config.yaml or GENERATION_API_KEY)")
		}
	case "ollama":
		if cfg.GenerationModel == "" {
			return errors.New("config: generationModel is required for ollama (set in config.yaml)")
		}
	case "openai-compat":
		if cfg.GenerationBaseURL == "" || cfg.GenerationModel == "" {
			return errors.New("config: generationBaseURL and generationModel are required for openai-compat (set in config.yaml)")
		}
	default:
		return fmt.Errorf("config: unknown generationProvider %q", cfg.GenerationProvider)
	}
	if cfg.CompletionTimeout < 0 {
		return errors.New("config: completionTimeout must be positive")
	}
	if cfg.MaxUploadBytes < 0 || cfg.MaxPDFPages < 0 {
		return errors.New("config: maxUploadBytes and maxPdfPages must not be negative")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	return nil
}
