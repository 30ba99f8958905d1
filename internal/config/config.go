package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config carries every runtime setting. It is constructed once in main and
// passed down explicitly; nothing in this package holds global state.
type Config struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	OpsPort     string `yaml:"ops_port"`
	GinMode     string `yaml:"gin_mode"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// CORS
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	// Auth. Empty secret disables bearer auth on the API group.
	AuthJWTSecret string `yaml:"auth_jwt_secret"`

	// Database. Empty URL selects the in-memory session store.
	DatabaseURL       string `yaml:"database_url"`
	DBMaxOpenConns    int    `yaml:"db_max_open_conns"`
	DBMaxIdleConns    int    `yaml:"db_max_idle_conns"`
	DBConnMaxIdleTime int    `yaml:"db_conn_max_idle_time_minutes"`
	DBConnMaxLifetime int    `yaml:"db_conn_max_lifetime_minutes"`

	// Upstream model client
	OpenAIAPIKey      string  `yaml:"openai_api_key"`
	OpenAIBaseURL     string  `yaml:"openai_base_url"`
	OpenAIModel       string  `yaml:"openai_model"`
	OpenAITimeout     int     `yaml:"openai_timeout_seconds"`
	OpenAIMaxTokens   int     `yaml:"openai_max_tokens"`
	OpenAITemperature float64 `yaml:"openai_temperature"`

	// Streaming pipeline
	StreamBufferSize    int           `yaml:"stream_buffer_size"`
	StreamFlushInterval time.Duration `yaml:"stream_flush_interval"`
	KeepaliveInterval   time.Duration `yaml:"keepalive_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	BatchSize           int           `yaml:"batch_size"`
	BatchTimeout        time.Duration `yaml:"batch_timeout"`
	MaxMessageSize      int           `yaml:"max_message_size"`
	SSERetryInterval    int           `yaml:"sse_retry_interval_ms"`

	// Usage recording worker pool
	UsageWorkerPoolSize int `yaml:"usage_worker_pool_size"`
	UsageBufferSize     int `yaml:"usage_buffer_size"`
	UsageTimeoutSeconds int `yaml:"usage_timeout_seconds"`

	// Session retention
	SessionTTL        time.Duration `yaml:"session_ttl"`
	RetentionSchedule string        `yaml:"retention_schedule"`

	// Server
	ServerShutdownTimeoutSeconds int `yaml:"server_shutdown_timeout_seconds"`
}

// Load builds the configuration from the process environment, optionally
// overlaid with a YAML config file named by CONFIG_FILE.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Environment: getEnvOrDefault("APP_ENV", "development"),
		Host:        getEnvOrDefault("HOST", "0.0.0.0"),
		Port:        getEnvOrDefault("PORT", "8000"),
		OpsPort:     getEnvOrDefault("OPS_PORT", "9091"),
		GinMode:     getEnvOrDefault("GIN_MODE", "release"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),

		// Auth
		AuthJWTSecret: getEnvOrDefault("AUTH_JWT_SECRET", ""),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Upstream model client
		OpenAIAPIKey:      getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:       getEnvOrDefault("OPENAI_MODEL", "gpt-4-turbo-preview"),
		OpenAITimeout:     getEnvAsInt("OPENAI_TIMEOUT_SECONDS", 60),
		OpenAIMaxTokens:   getEnvAsInt("OPENAI_MAX_TOKENS", 2048),
		OpenAITemperature: getEnvFloat("OPENAI_TEMPERATURE", 0.7),

		// Streaming pipeline
		StreamBufferSize:    getEnvAsInt("STREAM_BUFFER_SIZE", 1024),
		StreamFlushInterval: getEnvAsDuration("STREAM_FLUSH_INTERVAL", 100*time.Millisecond),
		KeepaliveInterval:   getEnvAsDuration("KEEPALIVE_INTERVAL", 30*time.Second),
		MaxRetries:          getEnvAsInt("MAX_RETRIES", 3),
		BatchSize:           getEnvAsInt("BATCH_SIZE", 5),
		BatchTimeout:        getEnvAsDuration("BATCH_TIMEOUT", 500*time.Millisecond),
		MaxMessageSize:      getEnvAsInt("MAX_MESSAGE_SIZE", 65536),
		SSERetryInterval:    getEnvAsInt("SSE_RETRY_INTERVAL_MS", 3000),

		// Usage recording worker pool
		UsageWorkerPoolSize: getEnvAsInt("USAGE_WORKER_POOL_SIZE", 4),
		UsageBufferSize:     getEnvAsInt("USAGE_BUFFER_SIZE", 1000),
		UsageTimeoutSeconds: getEnvAsInt("USAGE_TIMEOUT_SECONDS", 10),

		// Session retention
		SessionTTL:        getEnvAsDuration("SESSION_TTL", 720*time.Hour),
		RetentionSchedule: getEnvOrDefault("RETENTION_SCHEDULE", "0 3 * * *"),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	// Optional YAML overlay. Only applied when the file exists; a file that
	// exists but fails to parse is a hard error.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	if configFile, err := os.Open(configFilePath); err == nil {
		defer configFile.Close()
		if err := LoadConfigFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFilePath, err)
		}
		log.Printf("Loaded config file: %s", configFilePath)
	}

	if cfg.OpenAIAPIKey == "" {
		log.Println("Warning: OPENAI_API_KEY is not set, falling back to the built-in echo client")
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL is not set, sessions are kept in memory only")
	}

	return cfg, nil
}

// AllowedOrigins splits the CORS origin list.
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// AuthEnabled reports whether bearer auth is configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthJWTSecret != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadConfigFile overlays settings from a YAML document onto config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
