package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Storage  StorageConfig
	Worker   WorkerConfig
}

// DatabaseConfig holds job-record-store configuration. The DSN picks the
// driver: postgres:// URLs use pgx, anything else is treated as a sqlite DSN.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	HealthTimeout   time.Duration
}

// RedisConfig holds the task queue broker connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ServerConfig holds HTTP ingress configuration.
type ServerConfig struct {
	HTTPAddr       string
	PublicURL      string
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	WatchInterval  time.Duration
}

// StorageConfig holds the artifact store layout.
type StorageConfig struct {
	Root string
}

// WorkerConfig holds extraction worker tuning.
type WorkerConfig struct {
	Queue           string
	Concurrency     int
	MaxRetry        int
	ResultRetention time.Duration
	ExtractTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", "file:doclift.db"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			HealthTimeout:   getEnvAsDuration("DB_HEALTH_TIMEOUT", 3*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			HTTPAddr:       getEnv("HTTP_ADDR", ":5000"),
			PublicURL:      getEnv("PUBLIC_URL", "http://127.0.0.1:5000"),
			MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
			RateLimitRPS:   getEnvAsFloat64("RATE_LIMIT_RPS", 5),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 10),
			WatchInterval:  getEnvAsDuration("WATCH_INTERVAL", 1*time.Second),
		},
		Storage: StorageConfig{
			Root: getEnv("STORAGE_ROOT", "./storage"),
		},
		Worker: WorkerConfig{
			Queue:           getEnv("QUEUE_NAME", "extract"),
			Concurrency:     getEnvAsInt("WORKER_CONCURRENCY", 4),
			MaxRetry:        getEnvAsInt("TASK_MAX_RETRY", 2),
			ResultRetention: getEnvAsDuration("RESULT_RETENTION", 24*time.Hour),
			ExtractTimeout:  getEnvAsDuration("EXTRACT_TIMEOUT", 3*time.Minute),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Redis.Addr == "" {
		return NewAppError("CONFIG_ERROR", "REDIS_ADDR is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Storage.Root == "" {
		return NewAppError("CONFIG_ERROR", "STORAGE_ROOT is required", ErrInvalidInput)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return NewAppError("CONFIG_ERROR", "MAX_UPLOAD_BYTES must be positive", ErrInvalidInput)
	}
	return nil
}
