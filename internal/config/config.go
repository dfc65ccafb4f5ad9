package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Persistence modes for the operation log sink.
const (
	PersistencePostgres = "postgres"
	PersistenceMemory   = "memory"
)

// Authorization modes for graph access checks.
const (
	AuthzOpen    = "open"
	AuthzMembers = "members"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Connection pool; every sequencer write-through holds one connection
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	PersistenceMode string
	AuthzMode       string

	ServerPort     string
	ServerHost     string
	AllowedOrigins []string

	// Identity
	JWTSecret         string
	ReconnectTokenTTL time.Duration

	// Session liveness and fan-out
	HeartbeatInterval time.Duration
	SendQueueSize     int
	LogRetention      int

	Limits Limits

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
	// Fraction of root traces exported, 0 to 1
	TracingSampleRatio float64
}

// Limits holds the per-category admission thresholds.
type Limits struct {
	// Per user, across all of the user's sessions
	OperationsPerMinute int
	// Per session
	CursorPerSecond    int
	SelectionPerSecond int
	ViewportPerSecond  int
	// Per user
	ConnectionsPerMinute int

	MaxConnectionsPerUser  int
	MaxConnectionsPerGraph int
	MaxMessageBytes        int64
}

// DefaultLimits returns the documented protocol limits.
func DefaultLimits() Limits {
	return Limits{
		OperationsPerMinute:    100,
		CursorPerSecond:        60,
		SelectionPerSecond:     30,
		ViewportPerSecond:      30,
		ConnectionsPerMinute:   10,
		MaxConnectionsPerUser:  5,
		MaxConnectionsPerGraph: 100,
		MaxMessageBytes:        1 << 20,
	}
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaults := DefaultLimits()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "graph_sync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		PersistenceMode: getEnv("PERSISTENCE_MODE", PersistencePostgres),
		AuthzMode:       getEnv("AUTHZ_MODE", AuthzOpen),

		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "localhost"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),

		JWTSecret:         getEnv("JWT_SECRET", ""),
		ReconnectTokenTTL: getEnvDuration("RECONNECT_TOKEN_TTL", 10*time.Minute),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		SendQueueSize:     getEnvInt("SEND_QUEUE_SIZE", 256),
		LogRetention:      getEnvInt("LOG_RETENTION", 10000),

		Limits: Limits{
			OperationsPerMinute:    getEnvInt("RATE_OPERATIONS_PER_MINUTE", defaults.OperationsPerMinute),
			CursorPerSecond:        getEnvInt("RATE_CURSOR_PER_SECOND", defaults.CursorPerSecond),
			SelectionPerSecond:     getEnvInt("RATE_SELECTION_PER_SECOND", defaults.SelectionPerSecond),
			ViewportPerSecond:      getEnvInt("RATE_VIEWPORT_PER_SECOND", defaults.ViewportPerSecond),
			ConnectionsPerMinute:   getEnvInt("RATE_CONNECTIONS_PER_MINUTE", defaults.ConnectionsPerMinute),
			MaxConnectionsPerUser:  getEnvInt("MAX_CONNECTIONS_PER_USER", defaults.MaxConnectionsPerUser),
			MaxConnectionsPerGraph: getEnvInt("MAX_CONNECTIONS_PER_GRAPH", defaults.MaxConnectionsPerGraph),
			MaxMessageBytes:        int64(getEnvInt("MAX_MESSAGE_BYTES", int(defaults.MaxMessageBytes))),
		},

		TracingEnabled: getEnvBool("TRACING_ENABLED", true),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),

		TracingSampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.PersistenceMode != PersistencePostgres && c.PersistenceMode != PersistenceMemory {
		return fmt.Errorf("PERSISTENCE_MODE must be %q or %q, got %q", PersistencePostgres, PersistenceMemory, c.PersistenceMode)
	}
	if c.AuthzMode != AuthzOpen && c.AuthzMode != AuthzMembers {
		return fmt.Errorf("AUTHZ_MODE must be %q or %q, got %q", AuthzOpen, AuthzMembers, c.AuthzMode)
	}
	if c.AuthzMode == AuthzMembers && c.PersistenceMode != PersistencePostgres {
		return fmt.Errorf("AUTHZ_MODE=%s requires PERSISTENCE_MODE=%s", AuthzMembers, PersistencePostgres)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}
	if c.LogRetention <= 0 {
		return fmt.Errorf("LOG_RETENTION must be positive")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be between 0 and 1, got %v", c.TracingSampleRatio)
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s", "2m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
