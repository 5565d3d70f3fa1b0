// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	ProjectName string
	Version     string
	APIPrefix   string

	// PostgreSQL (optional). When unset, MongoDB or the in-memory store is used.
	DatabaseURL         string
	DatabasePoolSize    int
	DatabaseMaxOverflow int

	// MongoDB (optional)
	MongoURI      string
	MongoDatabase string

	// Redis flag fan-out (optional)
	RedisAddr    string
	RedisChannel string

	// Kafka (optional)
	KafkaBroker      string
	KafkaIngestTopic string
	KafkaFlagTopic   string
	KafkaGroupID     string

	// Detection
	Lanes            int
	LaneBuffer       int
	RulesFile        string
	DailyResetScope  string // "global" or "user"
	RecoveryLookback time.Duration

	// Limits
	MaxUploadBytes int64
	RateLimitRPM   int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort             = "8000"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultProjectName      = "Fraud Detection System"
	DefaultVersion          = "1.0.0"
	DefaultAPIPrefix        = "/api"
	DefaultPoolSize         = 10
	DefaultMaxOverflow      = 20
	DefaultMongoDatabase    = "fraudwatch"
	DefaultRedisChannel     = "fraud.flags"
	DefaultKafkaIngestTopic = "transactions"
	DefaultKafkaFlagTopic   = "fraud_flags"
	DefaultKafkaGroupID     = "fraudwatch"
	DefaultLanes            = 8
	DefaultLaneBuffer       = 256
	DefaultDailyResetScope  = "global"
	DefaultRecoveryLookback = 24 * time.Hour
	DefaultMaxUploadBytes   = 10 << 20 // 10MB
	DefaultRateLimitRPM     = 120
	DefaultCORSOrigins      = "*"
	DefaultTraceSampleRatio = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		ProjectName:         getEnv("PROJECT_NAME", DefaultProjectName),
		Version:             getEnv("VERSION", DefaultVersion),
		APIPrefix:           getEnv("API_PREFIX", DefaultAPIPrefix),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DatabasePoolSize:    int(getEnvInt64("DATABASE_POOL_SIZE", DefaultPoolSize)),
		DatabaseMaxOverflow: int(getEnvInt64("DATABASE_MAX_OVERFLOW", DefaultMaxOverflow)),
		MongoURI:            os.Getenv("MONGO_URI"),
		MongoDatabase:       getEnv("MONGO_DATABASE", DefaultMongoDatabase),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisChannel:        getEnv("REDIS_CHANNEL", DefaultRedisChannel),
		KafkaBroker:         os.Getenv("KAFKA_BROKER"),
		KafkaIngestTopic:    getEnv("KAFKA_INGEST_TOPIC", DefaultKafkaIngestTopic),
		KafkaFlagTopic:      getEnv("KAFKA_FLAG_TOPIC", DefaultKafkaFlagTopic),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		Lanes:               int(getEnvInt64("LANES", DefaultLanes)),
		LaneBuffer:          int(getEnvInt64("LANE_BUFFER", DefaultLaneBuffer)),
		RulesFile:           os.Getenv("RULES_FILE"),
		DailyResetScope:     getEnv("DAILY_RESET_SCOPE", DefaultDailyResetScope),
		RecoveryLookback:    getEnvDuration("RECOVERY_LOOKBACK", DefaultRecoveryLookback),
		MaxUploadBytes:      getEnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:         getEnvList("CORS_ORIGINS", DefaultCORSOrigins),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		return fmt.Errorf("API_PREFIX must start with '/', got %q", c.APIPrefix)
	}
	if c.DatabasePoolSize <= 0 {
		return fmt.Errorf("DATABASE_POOL_SIZE must be positive")
	}
	if c.DatabaseMaxOverflow < 0 {
		return fmt.Errorf("DATABASE_MAX_OVERFLOW must not be negative")
	}
	if c.Lanes <= 0 {
		return fmt.Errorf("LANES must be positive")
	}
	if c.LaneBuffer < 0 {
		return fmt.Errorf("LANE_BUFFER must not be negative")
	}
	switch c.DailyResetScope {
	case "global", "user":
	default:
		return fmt.Errorf("DAILY_RESET_SCOPE must be 'global' or 'user', got %q", c.DailyResetScope)
	}
	if c.RecoveryLookback < 0 {
		return fmt.Errorf("RECOVERY_LOOKBACK must not be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	return nil
}

// MaxOpenConns is the PostgreSQL pool ceiling: the steady pool plus overflow.
func (c *Config) MaxOpenConns() int {
	return c.DatabasePoolSize + c.DatabaseMaxOverflow
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
