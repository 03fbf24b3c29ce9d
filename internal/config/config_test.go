package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:  AppConfig{Env: "local", Port: 8080},
		DB:   DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "security"},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.RateLimit.Backend != BackendPostgres {
		t.Fatalf("expected postgres limiter backend, got %q", c.RateLimit.Backend)
	}
	if c.Retention.MaxAgeDays != 30 || c.Directory.CacheTTL != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v %+v", c.Retention, c.Directory)
	}
	if c.Kafka.Enabled() {
		t.Fatalf("kafka must be off without brokers")
	}
}

func TestValidate_RedisBackendNeedsHost(t *testing.T) {
	c := validLocal()
	c.RateLimit.Backend = BackendRedis
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error without REDIS_HOST")
	}
	c.Redis.Host = "cache"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.RedisAddr() != "cache:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	c := validLocal()
	c.RateLimit.Backend = "etcd"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestValidate_MemoryBackendNotInProduction(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	c.RateLimit.Backend = BackendMemory
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for memory backend in production")
	}
}

func TestLoad_ReadsEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RETENTION_MAX_AGE_DAYS", "14")
	t.Setenv("RATE_LIMIT_BACKEND", "Memory")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Kafka.Brokers) != 2 || c.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", c.Kafka.Brokers)
	}
	if c.Kafka.Topic != "security-events" {
		t.Fatalf("unexpected topic %q", c.Kafka.Topic)
	}
	if c.Retention.MaxAgeDays != 14 || c.RateLimit.Backend != BackendMemory {
		t.Fatalf("unexpected config %+v %+v", c.Retention, c.RateLimit)
	}
}

func TestLoad_RejectsBadInteger(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "nope")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
