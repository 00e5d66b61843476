package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Kernel   KernelConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings for the event sink
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds settings for the terminal-snapshot cache
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// KernelConfig holds execution-kernel tunables. Zero values are never
// used directly; Load applies the documented defaults.
type KernelConfig struct {
	// DefaultTimeout bounds a single handler attempt when neither the
	// node config nor the workflow settings specify one.
	DefaultTimeout time.Duration
	// MaxRetries is the default retry count for nodes that do not set one.
	MaxRetries int
	// SystemMaxLoops caps loop iterations regardless of node config.
	SystemMaxLoops int
	// HITLTimeout bounds a human-in-the-loop wait when the request
	// does not carry its own timeout.
	HITLTimeout time.Duration
	// GraceWindow is how long a cancelled execution waits for an
	// in-flight handler before abandoning it.
	GraceWindow time.Duration
	// MaxNestingDepth caps subworkflow nesting.
	MaxNestingDepth int
	// ExecutionTTL is how long terminal execution snapshots stay
	// queryable after the execution leaves the active set.
	ExecutionTTL time.Duration
	// StrictOrphans turns unreachable-node warnings into compile errors.
	StrictOrphans bool
	// MaxConcurrentExecutions bounds the active set; 0 means unbounded.
	MaxConcurrentExecutions int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "kernel"),
			User:        getEnv("POSTGRES_USER", "kernel"),
			Password:    getEnv("POSTGRES_PASSWORD", "kernel"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Kernel: KernelConfig{
			DefaultTimeout:          getEnvDuration("KERNEL_DEFAULT_TIMEOUT", 60*time.Second),
			MaxRetries:              getEnvInt("KERNEL_MAX_RETRIES", 0),
			SystemMaxLoops:          getEnvInt("KERNEL_SYSTEM_MAX_LOOPS", 1000),
			HITLTimeout:             getEnvDuration("KERNEL_HITL_TIMEOUT", 300*time.Second),
			GraceWindow:             getEnvDuration("KERNEL_GRACE_WINDOW", 5*time.Second),
			MaxNestingDepth:         getEnvInt("KERNEL_MAX_NESTING_DEPTH", 3),
			ExecutionTTL:            getEnvDuration("KERNEL_EXECUTION_TTL", 1*time.Hour),
			StrictOrphans:           getEnvBool("KERNEL_STRICT_ORPHANS", false),
			MaxConcurrentExecutions: getEnvInt("KERNEL_MAX_CONCURRENT_EXECUTIONS", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Kernel.SystemMaxLoops < 1 {
		return fmt.Errorf("system max loops must be positive, got %d", c.Kernel.SystemMaxLoops)
	}

	if c.Kernel.MaxNestingDepth < 0 {
		return fmt.Errorf("max nesting depth must not be negative, got %d", c.Kernel.MaxNestingDepth)
	}

	if c.Kernel.GraceWindow < 0 {
		return fmt.Errorf("grace window must not be negative, got %s", c.Kernel.GraceWindow)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port address for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
