package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process and secctl.
// Values come from env; a .env file in the working directory is loaded
// first when present and never overrides variables already set.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Rules     RulesConfig
	Kafka     KafkaConfig
	Directory DirectoryConfig
	Retention RetentionConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type RateLimitConfig struct {
	// Backend is one of memory, redis, postgres.
	Backend string
}

type RulesConfig struct {
	// File is an optional YAML overlay for the rule tables.
	File string
}

type KafkaConfig struct {
	Brokers        []string
	Topic          string
	PublishTimeout time.Duration
}

// Enabled reports whether security events are streamed.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type DirectoryConfig struct {
	CacheTTL time.Duration
}

type RetentionConfig struct {
	MaxAgeDays int
}

// LoadDotEnv reads .env when present.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func Load() (Config, error) {
	if err := LoadDotEnv(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error
	intEnv := func(dst *int, key string, required bool) {
		n, err := readInt(key, required)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = n
	}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	intEnv(&c.App.Port, "APP_PORT", true)

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	intEnv(&c.DB.Port, "DB_PORT", true)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("RATE_LIMIT_BACKEND")))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.KeyPrefix = strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX"))
	intEnv(&c.Redis.Port, "REDIS_PORT", false)
	intEnv(&c.Redis.DB, "REDIS_DB", false)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Rules.File = strings.TrimSpace(os.Getenv("RULES_FILE"))

	c.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	c.Kafka.Topic = strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))
	c.Kafka.PublishTimeout = mustDuration("KAFKA_PUBLISH_TIMEOUT")

	c.Directory.CacheTTL = mustDuration("DIRECTORY_CACHE_TTL")
	intEnv(&c.Retention.MaxAgeDays, "RETENTION_MAX_AGE_DAYS", false)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = BackendPostgres
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("RATE_LIMIT_BACKEND=memory is not allowed in production"))
		}
	case BackendPostgres:
	case BackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when RATE_LIMIT_BACKEND=redis"))
		}
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be one of memory, redis, postgres, got %q", c.RateLimit.Backend))
	}
	if c.Redis.Port < 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		c.Kafka.Topic = "security-events"
	}
	if c.Kafka.PublishTimeout <= 0 {
		c.Kafka.PublishTimeout = 2 * time.Second
	}

	if c.Directory.CacheTTL <= 0 {
		c.Directory.CacheTTL = 5 * time.Minute
	}

	if c.Retention.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("RETENTION_MAX_AGE_DAYS must not be negative, got %d", c.Retention.MaxAgeDays))
	}
	if c.Retention.MaxAgeDays == 0 {
		c.Retention.MaxAgeDays = 30
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func readInt(key string, required bool) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if required {
			return 0, fmt.Errorf("%s is required", key)
		}
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
