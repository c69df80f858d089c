package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string
	ServerHost string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Snapshot archive worker pool
	SnapshotArchiveEnabled bool
	ArchiveWorkers         int
	ArchiveQueueSize       int

	// Session lifecycle
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	// Transport
	WSSendBuffer   int
	AllowedOrigins []string

	StrictCommentResolution bool

	// AdminTokens grant the admin capability to connections presenting one
	AdminTokens []string

	// IDFormat selects the id generator: "ksuid" or "uuid"
	IDFormat string

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "pagecollab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		SnapshotArchiveEnabled: getEnvBool("SNAPSHOT_ARCHIVE_ENABLED", true),
		ArchiveWorkers:         getEnvInt("ARCHIVE_WORKERS", 2),
		ArchiveQueueSize:       getEnvInt("ARCHIVE_QUEUE_SIZE", 100),

		SessionIdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),

		WSSendBuffer:   getEnvInt("WS_SEND_BUFFER", 256),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),

		StrictCommentResolution: getEnvBool("STRICT_COMMENT_RESOLUTION", false),
		IDFormat:                getEnv("ID_FORMAT", "ksuid"),
		AdminTokens:             getEnvList("ADMIN_TOKENS"),

		TracingEnabled: getEnvBool("TRACING_ENABLED", true),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects sizes and durations the server cannot run with.
func (c *Config) Validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive, got %s", c.SessionIdleTimeout)
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive, got %s", c.SessionSweepInterval)
	}
	if c.IDFormat != "ksuid" && c.IDFormat != "uuid" {
		return fmt.Errorf("ID_FORMAT must be ksuid or uuid, got %q", c.IDFormat)
	}
	if c.SnapshotArchiveEnabled {
		if c.ArchiveWorkers <= 0 {
			return fmt.Errorf("ARCHIVE_WORKERS must be positive, got %d", c.ArchiveWorkers)
		}
		if c.ArchiveQueueSize <= 0 {
			return fmt.Errorf("ARCHIVE_QUEUE_SIZE must be positive, got %d", c.ArchiveQueueSize)
		}
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
