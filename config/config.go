package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Supported storage drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Ledger        LedgerConfig
	Stream        StreamConfig
	Observability ObservabilityConfig
	Environment   string `env:"ENVIRONMENT" envDefault:"development"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// DatabaseConfig holds event store configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	Driver           string        `env:"DB_DRIVER" envDefault:"sqlite"`
	ConnectionString string        `env:"DATABASE_URL"`
	Host             string        `env:"DB_HOST" envDefault:"localhost"`
	Port             int           `env:"DB_PORT" envDefault:"5432"`
	User             string        `env:"DB_USER" envDefault:"dev"`
	Password         string        `env:"DB_PASSWORD"`
	Database         string        `env:"DB_NAME" envDefault:"audit"`
	SSLMode          string        `env:"DB_SSLMODE" envDefault:"disable"`
	SQLitePath       string        `env:"SQLITE_PATH" envDefault:"audit-ledger.db"`
	MaxOpenConns     int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns     int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime  time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// RedisConfig holds the optional Redis connection used for the cross-process
// seal lock and fan-out bus. Empty URL disables both.
type RedisConfig struct {
	URL           string `env:"REDIS_URL"`
	FanoutChannel string `env:"REDIS_FANOUT_CHANNEL" envDefault:"ledger:fanout"`
	LockPrefix    string `env:"REDIS_LOCK_PREFIX" envDefault:"lock:block:"`
}

// LedgerConfig holds block building configuration
type LedgerConfig struct {
	BlockThreshold      int           `env:"LEDGER_BLOCK_THRESHOLD" envDefault:"10"`
	AppendMaxAttempts   uint          `env:"LEDGER_APPEND_MAX_ATTEMPTS" envDefault:"5"`
	AttachMaxAttempts   uint          `env:"LEDGER_ATTACH_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitialDelay   time.Duration `env:"LEDGER_RETRY_INITIAL_DELAY" envDefault:"50ms"`
	SealQueueSize       int           `env:"LEDGER_SEAL_QUEUE_SIZE" envDefault:"64"`
	SealLockTTL         time.Duration `env:"LEDGER_SEAL_LOCK_TTL" envDefault:"10s"`
	SealLockMaxAttempts uint          `env:"LEDGER_SEAL_LOCK_MAX_ATTEMPTS" envDefault:"3"`
}

// StreamConfig holds real-time subscriber configuration
type StreamConfig struct {
	BufferSize     int           `env:"STREAM_BUFFER_SIZE" envDefault:"64"`
	WriteTimeout   time.Duration `env:"STREAM_WRITE_TIMEOUT" envDefault:"5s"`
	OriginPatterns []string      `env:"STREAM_ORIGIN_PATTERNS" envDefault:"*" envSeparator:","`
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	ServiceName       string  `env:"OTEL_SERVICE_NAME" envDefault:"audit-ledger"`
	LogLevel          string  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string  `env:"LOG_FORMAT" envDefault:"json"` // json or text
	MetricsEnabled    bool    `env:"METRICS_ENABLED" envDefault:"true"`
	TracingEnabled    bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TracingEndpoint   string  `env:"TRACING_ENDPOINT"`
	TracingSampleRate float64 `env:"TRACING_SAMPLE_RATE" envDefault:"0.1"`
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// PORT is set by most container platforms and wins over SERVER_PORT
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Ledger.BlockThreshold < 1 {
		return fmt.Errorf("block threshold must be at least 1")
	}
	if c.Ledger.AppendMaxAttempts < 1 || c.Ledger.AttachMaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.Ledger.SealQueueSize < 1 {
		return fmt.Errorf("seal queue size must be at least 1")
	}
	if c.Stream.BufferSize < 2 {
		// A sealed block produces two notifications per connection
		return fmt.Errorf("stream buffer size must be at least 2")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	// Production requires a shared database; sqlite is a single-process store
	if c.IsProduction() && c.Database.Driver == DriverSQLite {
		return fmt.Errorf("sqlite driver is not supported in production")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// RedisEnabled reports whether a Redis URL is configured
func (c *Config) RedisEnabled() bool {
	return c.Redis.URL != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.Driver == DriverSQLite {
		return fmt.Sprintf("driver=sqlite path=%s", c.SQLitePath)
	}
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
