package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	Server        ServerConfig
	Upload        UploadConfig
	S3            S3Config
	Queue         QueueConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
	DB            DBConfig
}

// DBConfig holds record store configuration.
type DBConfig struct {
	Path string
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Port       string
	APIKey     string
	VellumHost string
}

// UploadConfig holds upload ingress configuration.
type UploadConfig struct {
	// Path is the directory for in-flight uploads and transcode workspaces.
	Path string
	// MaxFileSize is the resumable-path size ceiling in bytes.
	MaxFileSize int64
	// AllowedTypes is the MIME allow-list.
	AllowedTypes []string
}

// S3Config holds object-store configuration.
type S3Config struct {
	AccessKey string
	SecretKey string
	Endpoint  string
	Region    string
	Bucket    string
}

// QueueConfig holds RabbitMQ configuration.
type QueueConfig struct {
	Host     string
	User     string
	Password string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
	MetricsPort  int
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort         = "8080"
	DefaultUploadPath   = "uploads"
	DefaultMaxFileSize  = 100 << 20 // 100 MiB
	DefaultQueueHost    = "localhost"
	DefaultDBPath       = "data/videos.db"
	DefaultMetricsPort  = 2112
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultRegion       = "us-east-1"
)

// DefaultAllowedTypes is used when ALLOWED_FILE_TYPES is unset.
var DefaultAllowedTypes = []string{
	"video/mp4",
	"video/quicktime",
	"video/x-msvideo",
	"video/x-matroska",
	"video/webm",
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	maxSize, err := ParseSize(getEnv("MAX_FILE_SIZE", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_FILE_SIZE: %w", err)
	}
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", DefaultPort),
			APIKey:     os.Getenv("API_KEY"),
			VellumHost: os.Getenv("VELLUM_HOST"),
		},
		Upload: UploadConfig{
			Path:         getEnv("UPLOAD_PATH", DefaultUploadPath),
			MaxFileSize:  maxSize,
			AllowedTypes: getEnvSlice("ALLOWED_FILE_TYPES", DefaultAllowedTypes),
		},
		S3: S3Config{
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getEnv("S3_REGION", DefaultRegion),
			Bucket:    os.Getenv("S3_BUCKET"),
		},
		Queue: QueueConfig{
			Host:     getEnv("RABBITMQ_HOST", DefaultQueueHost),
			User:     os.Getenv("RABBITMQ_DEFAULT_USER"),
			Password: os.Getenv("RABBITMQ_DEFAULT_PASS"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			MetricsPort:  getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", nil),
		},
		DB: DBConfig{
			Path: getEnv("DB_PATH", DefaultDBPath),
		},
	}

	return cfg, nil
}

// LoadService loads and validates configuration for the service process.
func LoadService() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing required variable at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.VellumHost == "" {
		errs = append(errs, "VELLUM_HOST is required")
	}
	if c.IsProduction() && c.Server.APIKey == "" {
		errs = append(errs, "API_KEY is required in production")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if c.S3.Endpoint == "" {
		errs = append(errs, "S3_ENDPOINT is required")
	}
	if c.S3.AccessKey == "" {
		errs = append(errs, "S3_ACCESS_KEY is required")
	}
	if c.S3.SecretKey == "" {
		errs = append(errs, "S3_SECRET_KEY is required")
	}
	if c.Queue.User == "" {
		errs = append(errs, "RABBITMQ_DEFAULT_USER is required")
	}
	if c.Queue.Password == "" {
		errs = append(errs, "RABBITMQ_DEFAULT_PASS is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// AMQPURL builds the broker connection URL.
func (c *Config) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:5672/", c.Queue.User, c.Queue.Password, c.Queue.Host)
}

// ParseSize parses a human size string like "100mb", "2gb" or "512kb" into
// bytes. Bare integers are taken as bytes. An empty string parses to 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable size %q", s)
	}
	if n <= 0 {
		return 0, errors.New("size must be positive")
	}
	return n * multiplier, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
