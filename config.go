package stockd

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds all runtime configuration, read once at startup.
//
// Environment variables (with defaults):
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_PASSWORD (default "")
//   - REDIS_DB (default 0)
//   - REDIS_NODES comma-separated host:port list; non-empty switches the
//     service into quorum (Redlock) mode for purchases
//   - DATABASE_URL (default "postgres://localhost:5432/stockd?sslmode=disable")
//   - DB_MAX_CONNS (default 50), DB_MIN_CONNS (default 5)
//   - DB_ACQUIRE_TIMEOUT_SECONDS (default 60). Applied as the dial timeout
//     when the pool establishes a connection; waits for a free connection in
//     an exhausted pool are bounded by the request context, not this value.
//   - LOCK_TIMEOUT_SECONDS (default 10)
//   - LOCK_RETRY_ATTEMPTS (default 3)
//   - LOCK_RETRY_DELAY_MS (default 100)
//   - PORT (default 8080)
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RedisNodes lists the independent Redis endpoints for quorum mode.
	// Empty means single-endpoint mode.
	RedisNodes []string

	DatabaseURL      string
	DBMaxConns       int32
	DBMinConns       int32
	DBAcquireTimeout time.Duration

	LockTTL        time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration

	Port int
}

// LoadConfig reads configuration from the environment following 12-factor
// principles. Defaults are suitable for local development.
func LoadConfig() *Config {
	cfg := &Config{
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvAsInt("REDIS_DB", 0),
		DatabaseURL:      getEnv("DATABASE_URL", "postgres://localhost:5432/stockd?sslmode=disable"),
		DBMaxConns:       int32(getEnvAsInt("DB_MAX_CONNS", 50)),
		DBMinConns:       int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		DBAcquireTimeout: time.Duration(getEnvAsInt("DB_ACQUIRE_TIMEOUT_SECONDS", 60)) * time.Second,
		LockTTL:          time.Duration(getEnvAsInt("LOCK_TIMEOUT_SECONDS", 10)) * time.Second,
		RetryAttempts:    getEnvAsInt("LOCK_RETRY_ATTEMPTS", 3),
		RetryDelay:       time.Duration(getEnvAsInt("LOCK_RETRY_DELAY_MS", 100)) * time.Millisecond,
		Port:             getEnvAsInt("PORT", 8080),
	}

	if nodes := os.Getenv("REDIS_NODES"); nodes != "" {
		for _, n := range strings.Split(nodes, ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				cfg.RedisNodes = append(cfg.RedisNodes, n)
			}
		}
	}

	return cfg
}

// QuorumMode reports whether purchases should use the multi-endpoint
// Redlock path.
func (c *Config) QuorumMode() bool {
	return len(c.RedisNodes) > 0
}

// RedisOptions returns redis.Options for the single-endpoint client.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// NodeOptions returns one redis.Options per quorum endpoint.
func (c *Config) NodeOptions() []*redis.Options {
	opts := make([]*redis.Options, 0, len(c.RedisNodes))
	for _, addr := range c.RedisNodes {
		opts = append(opts, &redis.Options{
			Addr:     addr,
			Password: c.RedisPassword,
		})
	}
	return opts
}

// Validate checks if the Config is usable
func (c *Config) Validate() error {
	if c.LockTTL <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "LockTTL",
			"value":  c.LockTTL,
			"reason": "must be positive",
		})
	}
	if c.RetryAttempts < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RetryAttempts",
			"value":  c.RetryAttempts,
			"reason": "must be at least 1",
		})
	}
	if c.RetryDelay < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RetryDelay",
			"value":  c.RetryDelay,
			"reason": "must be non-negative",
		})
	}
	if c.DBMaxConns < c.DBMinConns {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "DBMaxConns",
			"value":  c.DBMaxConns,
			"reason": "must be >= DBMinConns",
		})
	}
	// The retry window must fit inside the lease TTL, otherwise a contender
	// can still be retrying against a lease that has already expired twice.
	if window := time.Duration(c.RetryAttempts) * c.RetryDelay; window >= c.LockTTL {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RetryAttempts",
			"value":  c.RetryAttempts,
			"reason": "total retry window must be shorter than LockTTL",
		})
	}
	return nil
}

// getEnv reads a string environment variable with a default fallback.
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
