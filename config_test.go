package stockd

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_NODES",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"LOCK_TIMEOUT_SECONDS", "LOCK_RETRY_ATTEMPTS", "LOCK_RETRY_DELAY_MS",
		"PORT",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected RedisAddr default: %s", cfg.RedisAddr)
	}
	if cfg.LockTTL != 10*time.Second {
		t.Errorf("unexpected LockTTL default: %v", cfg.LockTTL)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("unexpected RetryAttempts default: %d", cfg.RetryAttempts)
	}
	if cfg.RetryDelay != 100*time.Millisecond {
		t.Errorf("unexpected RetryDelay default: %v", cfg.RetryDelay)
	}
	if cfg.DBMaxConns != 50 {
		t.Errorf("unexpected DBMaxConns default: %d", cfg.DBMaxConns)
	}
	if cfg.Port != 8080 {
		t.Errorf("unexpected Port default: %d", cfg.Port)
	}
	if cfg.QuorumMode() {
		t.Error("empty REDIS_NODES should select single-endpoint mode")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfigQuorumNodes(t *testing.T) {
	t.Setenv("REDIS_NODES", "redis-0:6379, redis-1:6379 ,redis-2:6379")

	cfg := LoadConfig()

	if !cfg.QuorumMode() {
		t.Fatal("non-empty REDIS_NODES should select quorum mode")
	}
	if len(cfg.RedisNodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(cfg.RedisNodes))
	}
	if cfg.RedisNodes[1] != "redis-1:6379" {
		t.Errorf("node addresses should be trimmed, got %q", cfg.RedisNodes[1])
	}
	if len(cfg.NodeOptions()) != 3 {
		t.Errorf("expected 3 node option sets, got %d", len(cfg.NodeOptions()))
	}
}

func TestLoadConfigIgnoresMalformedInts(t *testing.T) {
	t.Setenv("LOCK_RETRY_ATTEMPTS", "many")

	cfg := LoadConfig()
	if cfg.RetryAttempts != 3 {
		t.Errorf("malformed int should fall back to default, got %d", cfg.RetryAttempts)
	}
}

func TestLoadConfigPortOverride(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg := LoadConfig()
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			LockTTL:       10 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    100 * time.Millisecond,
			DBMaxConns:    50,
			DBMinConns:    5,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.LockTTL = 0 }},
		{"negative ttl", func(c *Config) { c.LockTTL = -time.Second }},
		{"zero attempts", func(c *Config) { c.RetryAttempts = 0 }},
		{"negative delay", func(c *Config) { c.RetryDelay = -time.Millisecond }},
		{"max conns below min", func(c *Config) { c.DBMaxConns = 2 }},
		{"retry window exceeds ttl", func(c *Config) {
			c.RetryAttempts = 200
			c.RetryDelay = 100 * time.Millisecond
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
