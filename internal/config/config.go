// Package config loads memory-cloud settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for memory-cloud.
type Config struct {
	// Local store
	DBPath     string
	DeviceName string

	// Cloud mirror
	CloudURL     string
	SyncEnabled  bool
	SyncInterval time.Duration
	SyncTimeout  time.Duration
	CallTimeout  time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	BatchSize    int

	// Embeddings
	EmbedProvider string
	EmbedModel    string
	EmbedURL      string
	OpenAIKey     string
	EmbedDims     int
	EmbedTimeout  time.Duration

	// Ingestion
	NearDupThreshold float64
	RulesPath        string

	// Summarizer
	SummaryThreshold  float64
	SummaryMinCluster int

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadEnvFiles loads ~/.memory-cloud.env and ./.env. Variables already set
// in the environment take precedence.
func LoadEnvFiles() {
	_ = godotenv.Load() // current directory
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".memory-cloud.env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	LoadEnvFiles()

	cfg := &Config{
		DBPath:            getEnv("MEMORY_CLOUD_DB", DefaultDBPath()),
		DeviceName:        getEnv("MEMORY_CLOUD_DEVICE", DefaultDeviceName()),
		CloudURL:          os.Getenv("MEMORY_CLOUD_URL"),
		SyncEnabled:       getEnvBool("MEMORY_CLOUD_SYNC_ENABLED", true),
		SyncInterval:      getEnvDuration("MEMORY_CLOUD_SYNC_INTERVAL", 5*time.Minute),
		SyncTimeout:       getEnvDuration("MEMORY_CLOUD_SYNC_TIMEOUT", 2*time.Minute),
		CallTimeout:       getEnvDuration("MEMORY_CLOUD_CALL_TIMEOUT", 30*time.Second),
		MaxAttempts:       getEnvInt("MEMORY_CLOUD_MAX_ATTEMPTS", 5),
		RetryDelay:        getEnvDuration("MEMORY_CLOUD_RETRY_DELAY", 500*time.Millisecond),
		BatchSize:         getEnvInt("MEMORY_CLOUD_BATCH_SIZE", 50),
		EmbedProvider:     os.Getenv("MEMORY_CLOUD_EMBED_PROVIDER"),
		EmbedModel:        os.Getenv("MEMORY_CLOUD_EMBED_MODEL"),
		EmbedURL:          os.Getenv("MEMORY_CLOUD_EMBED_URL"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		EmbedDims:         getEnvInt("MEMORY_CLOUD_EMBED_DIM", 384),
		EmbedTimeout:      getEnvDuration("MEMORY_CLOUD_EMBED_TIMEOUT", 10*time.Second),
		NearDupThreshold:  getEnvFloat("MEMORY_CLOUD_NEAR_DUP_THRESHOLD", 0.92),
		RulesPath:         os.Getenv("MEMORY_CLOUD_RULES"),
		SummaryThreshold:  getEnvFloat("MEMORY_CLOUD_SUMMARY_THRESHOLD", 0.75),
		SummaryMinCluster: getEnvInt("MEMORY_CLOUD_SUMMARY_MIN_CLUSTER", 3),
		LogLevel:          getEnv("MEMORY_CLOUD_LOG_LEVEL", "info"),
		LogFormat:         getEnv("MEMORY_CLOUD_LOG_FORMAT", "text"),
	}

	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("MEMORY_CLOUD_DB must not be empty")
	}
	if c.DeviceName == "" {
		return fmt.Errorf("MEMORY_CLOUD_DEVICE must not be empty")
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("MEMORY_CLOUD_SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}
	if c.SyncTimeout <= 0 || c.CallTimeout <= 0 || c.EmbedTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 10 {
		return fmt.Errorf("MEMORY_CLOUD_MAX_ATTEMPTS must be 1-10, got %d", c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("MEMORY_CLOUD_RETRY_DELAY must not be negative, got %s", c.RetryDelay)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("MEMORY_CLOUD_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	switch c.EmbedProvider {
	case "", "ollama", "openai":
	default:
		return fmt.Errorf("MEMORY_CLOUD_EMBED_PROVIDER must be ollama or openai, got %q", c.EmbedProvider)
	}
	if c.EmbedDims < 1 {
		return fmt.Errorf("MEMORY_CLOUD_EMBED_DIM must be positive, got %d", c.EmbedDims)
	}
	if c.NearDupThreshold <= 0 || c.NearDupThreshold > 1 {
		return fmt.Errorf("MEMORY_CLOUD_NEAR_DUP_THRESHOLD must be in (0, 1], got %f", c.NearDupThreshold)
	}
	if c.SummaryThreshold <= 0 || c.SummaryThreshold > 1 {
		return fmt.Errorf("MEMORY_CLOUD_SUMMARY_THRESHOLD must be in (0, 1], got %f", c.SummaryThreshold)
	}
	if c.SummaryMinCluster < 2 {
		return fmt.Errorf("MEMORY_CLOUD_SUMMARY_MIN_CLUSTER must be at least 2, got %d", c.SummaryMinCluster)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("MEMORY_CLOUD_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("MEMORY_CLOUD_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// CloudEnabled reports whether a cloud mirror is configured.
func (c *Config) CloudEnabled() bool {
	return c.CloudURL != ""
}

// DefaultDBPath returns ~/.memory-cloud/local.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "local.db"
	}
	return filepath.Join(home, ".memory-cloud", "local.db")
}

// DefaultDeviceName returns the short lower-case hostname.
func DefaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	host, _, _ = strings.Cut(host, ".")
	return strings.ToLower(host)
}

// Helper functions
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
