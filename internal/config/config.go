// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the process.
type Config struct {
	Store    StoreConfig
	Memory   MemoryConfig
	Worker   WorkerConfig
	Redis    RedisConfig
	Services ServicesConfig
	Log      LogConfig
}

// StoreConfig selects the durable backend. An empty Table starts the process
// on the in-memory fallback.
type StoreConfig struct {
	Table    string
	Endpoint string
}

// MemoryConfig holds the conversation memory limits.
type MemoryConfig struct {
	WindowSize      int
	SessionTTL      time.Duration
	Retention       time.Duration
	MaxContentBytes int
	ContextLimit    int
}

type WorkerConfig struct {
	Count int
	Queue int
}

// RedisConfig enables the shared owner cache when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type ServicesConfig struct {
	ParamPrefix   string
	IdentityURL   string
	OpenAIBaseURL string
}

type LogConfig struct {
	Level string
}

// Load reads the environment, primed from a .env file when one exists.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Store: StoreConfig{
			Table:    getEnv("STATE_TABLE", ""),
			Endpoint: getEnv("DYNAMODB_ENDPOINT", ""),
		},
		Memory: MemoryConfig{
			WindowSize:      getEnvAsInt("WINDOW_SIZE", 20),
			SessionTTL:      time.Duration(getEnvAsInt("SESSION_TTL_MINUTES", 480)) * time.Minute,
			Retention:       time.Duration(getEnvAsInt("RETENTION_DAYS", 30)) * 24 * time.Hour,
			MaxContentBytes: getEnvAsInt("MAX_CONTENT_BYTES", 8000),
			ContextLimit:    getEnvAsInt("CONTEXT_LIMIT", 20),
		},
		Worker: WorkerConfig{
			Count: getEnvAsInt("WORKER_COUNT", 4),
			Queue: getEnvAsInt("WORKER_QUEUE", 256),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      time.Duration(getEnvAsInt("REDIS_TTL_MINUTES", 1440)) * time.Minute,
		},
		Services: ServicesConfig{
			ParamPrefix:   strings.TrimRight(getEnv("PARAM_PREFIX", "/chat-memory"), "/"),
			IdentityURL:   getEnv("IDENTITY_URL", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Memory.WindowSize <= 0 {
		errs = append(errs, errors.New("config: WINDOW_SIZE must be positive"))
	}
	if c.Memory.SessionTTL <= 0 {
		errs = append(errs, errors.New("config: SESSION_TTL_MINUTES must be positive"))
	}
	if c.Memory.Retention < 0 {
		errs = append(errs, errors.New("config: RETENTION_DAYS must not be negative"))
	}
	if c.Memory.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("config: MAX_CONTENT_BYTES must be positive"))
	}
	if c.Services.ParamPrefix == "" {
		errs = append(errs, errors.New("config: PARAM_PREFIX must not be empty"))
	}
	if c.Services.IdentityURL == "" {
		errs = append(errs, errors.New("config: IDENTITY_URL is required"))
	}
	return errors.Join(errs...)
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}
