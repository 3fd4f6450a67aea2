package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location; MATERIAL_CONFIG overrides it.
var ConfigPath = envOr("MATERIAL_CONFIG", "config.yaml")

const (
	StorageMinio = "minio"
	StorageFile  = "file"

	ClassifierGemini       = "gemini"
	ClassifierOpenAICompat = "openai-compat"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	StorageBackend       string `yaml:"storageBackend"`
	StoragePath          string `yaml:"storagePath"`
	MinioEndpoint        string `yaml:"minioEndpoint"`
	MinioAccessKey       string `yaml:"minioAccessKey"`
	MinioSecretKey       string `yaml:"minioSecretKey"`
	MinioBucket          string `yaml:"minioBucket"`
	MinioUseSSL          bool   `yaml:"minioUseSSL"`
	PresignExpirySeconds int    `yaml:"presignExpirySeconds"`

	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`

	ClassifierProvider       string `yaml:"classifierProvider"`
	ClassifierTimeoutSeconds int    `yaml:"classifierTimeoutSeconds"`
	InlineLimitBytes         int64  `yaml:"inlineLimitBytes"`
	ExtractMaxRunes          int    `yaml:"extractMaxRunes"`
	GeminiAPIKey             string `yaml:"geminiApiKey"`
	GeminiModel              string `yaml:"geminiModel"`
	GeminiBaseURL            string `yaml:"geminiBaseURL"`
	OpenAICompatBaseURL      string `yaml:"openaiCompatBaseURL"`
	OpenAICompatAPIKey       string `yaml:"openaiCompatApiKey"`
	OpenAICompatModel        string `yaml:"openaiCompatModel"`

	AutoHideThreshold int `yaml:"autoHideThreshold"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	JanitorStream            string   `yaml:"janitorStream"`
	JanitorConcurrency       int      `yaml:"janitorConcurrency"`
	UploadRateLimitPerMinute int      `yaml:"uploadRateLimitPerMinute"`
	ReportRateLimitPerMinute int      `yaml:"reportRateLimitPerMinute"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins       []string `yaml:"corsAllowedOrigins"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_COMPAT_API_KEY"); v != "" {
		cfg.OpenAICompatAPIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MATERIAL_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("MATERIAL_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("MATERIAL_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("MATERIAL_AUTO_HIDE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutoHideThreshold = n
		}
	}
	if v := os.Getenv("MATERIAL_CLASSIFIER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ClassifierTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MATERIAL_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = StorageMinio
	}
	cfg.ClassifierProvider = strings.ToLower(strings.TrimSpace(cfg.ClassifierProvider))
	if cfg.ClassifierProvider == "" {
		cfg.ClassifierProvider = ClassifierGemini
	}
	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-2.0-flash"
	}
	if cfg.ClassifierTimeoutSeconds <= 0 {
		cfg.ClassifierTimeoutSeconds = 60
	}
	if cfg.PresignExpirySeconds <= 0 {
		cfg.PresignExpirySeconds = 900
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 * 1024 * 1024
	}
	if cfg.InlineLimitBytes <= 0 {
		cfg.InlineLimitBytes = 15 * 1024 * 1024
	}
	if cfg.ExtractMaxRunes <= 0 {
		cfg.ExtractMaxRunes = 20000
	}
	if cfg.JanitorStream == "" {
		cfg.JanitorStream = "unetwork:blob-cleanup"
	}
	if cfg.JanitorConcurrency <= 0 {
		cfg.JanitorConcurrency = 1
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "unetwork.materials"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.StorageBackend {
	case StorageMinio:
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" {
			return errors.New("config: minioAccessKey is required (set in config.yaml)")
		}
		if cfg.MinioSecretKey == "" {
			return errors.New("config: minioSecretKey is required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	case StorageFile:
		if strings.TrimSpace(cfg.StoragePath) == "" {
			return errors.New("config: storagePath is required when storageBackend is file")
		}
	default:
		return fmt.Errorf("config: unsupported storageBackend %q (use minio or file)", cfg.StorageBackend)
	}
	switch cfg.ClassifierProvider {
	case ClassifierGemini:
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiApiKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	case ClassifierOpenAICompat:
		if cfg.OpenAICompatBaseURL == "" || cfg.OpenAICompatModel == "" {
			return errors.New("config: openaiCompatBaseURL and openaiCompatModel are required for openai-compat")
		}
	default:
		return fmt.Errorf("config: unsupported classifierProvider %q", cfg.ClassifierProvider)
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or MATERIAL_AUTH_JWKS_URL)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if cfg.AutoHideThreshold < 0 {
		return errors.New("config: autoHideThreshold must not be negative")
	}
	if (cfg.UploadRateLimitPerMinute > 0 || cfg.ReportRateLimitPerMinute > 0) && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when rate limits are enabled")
	}
	return nil
}

// ClassifierTimeout returns the per-call classifier deadline.
func (c FileConfig) ClassifierTimeout() time.Duration {
	return time.Duration(c.ClassifierTimeoutSeconds) * time.Second
}

// PresignExpiry returns the lifetime of download URLs.
func (c FileConfig) PresignExpiry() time.Duration {
	return time.Duration(c.PresignExpirySeconds) * time.Second
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
