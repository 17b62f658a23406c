// Package config loads settings from the environment (optionally via .env) with
// an optional YAML file underneath. Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Session store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Session   SessionConfig
	Analytics AnalyticsConfig
	Worker    WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string // if set, used as-is (e.g. postgres://localhost:5432/engagement?sslmode=disable)
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	EnsureSchema    bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// SessionConfig tunes the session lifecycle.
type SessionConfig struct {
	Timeout       time.Duration
	GraceWindow   time.Duration
	SweepInterval time.Duration
	Store         string // postgres | memory
}

// AnalyticsConfig holds report settings.
type AnalyticsConfig struct {
	Timezone string
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency  int
	RetryBackoff time.Duration
	Embedded     bool // run ingest and idle sweep inside the API server
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Location resolves the analytics time zone.
func (c AnalyticsConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load reads configuration from environment, with optional .env file and the
// YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile builds the configuration from the environment layered over the YAML
// file at path. An empty path means environment and defaults only.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	s := &source{k: k}

	cfg := &Config{
		Server: ServerConfig{
			Port:               s.str("PORT", "server.port", "8080"),
			ReadTimeout:        s.int("READ_TIMEOUT_SEC", "server.read_timeout_sec", 30),
			WriteTimeout:       s.int("WRITE_TIMEOUT_SEC", "server.write_timeout_sec", 30),
			CORSAllowedOrigins: s.str("CORS_ALLOWED_ORIGINS", "server.cors_allowed_origins", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:             s.str("DATABASE_URL", "database.url", ""),
			Host:            s.str("DB_HOST", "database.host", "localhost"),
			Port:            s.str("DB_PORT", "database.port", "5432"),
			User:            s.str("DB_USER", "database.user", "postgres"),
			Password:        s.str("DB_PASSWORD", "database.password", "postgres"),
			DBName:          s.str("DB_NAME", "database.name", "engagement"),
			SSLMode:         s.str("DB_SSLMODE", "database.sslmode", "disable"),
			MaxConns:        s.int("DB_MAX_CONNS", "database.max_conns", 0),
			MinConns:        s.int("DB_MIN_CONNS", "database.min_conns", 0),
			MaxConnLifetime: s.duration("DB_MAX_CONN_LIFETIME", "database.max_conn_lifetime", 0),
			EnsureSchema:    s.bool("DB_ENSURE_SCHEMA", "database.ensure_schema", true),
		},
		Redis: RedisConfig{
			Addr:     s.str("REDIS_ADDR", "redis.addr", "localhost:6379"),
			Password: s.str("REDIS_PASSWORD", "redis.password", ""),
			DB:       s.int("REDIS_DB", "redis.db", 0),
		},
		JWT: JWTConfig{
			Secret:      s.str("JWT_SECRET", "jwt.secret", "change-me-in-production"),
			ExpireHours: s.int("JWT_EXPIRE_HOURS", "jwt.expire_hours", 24),
		},
		Session: SessionConfig{
			Timeout:       s.duration("SESSION_TIMEOUT", "session.timeout", 60*time.Minute),
			GraceWindow:   s.duration("SESSION_GRACE_WINDOW", "session.grace_window", 5*time.Minute),
			SweepInterval: s.duration("SESSION_SWEEP_INTERVAL", "session.sweep_interval", 5*time.Minute),
			Store:         strings.ToLower(s.str("SESSION_STORE", "session.store", StorePostgres)),
		},
		Analytics: AnalyticsConfig{
			Timezone: s.str("ANALYTICS_TIMEZONE", "analytics.timezone", "UTC"),
		},
		Worker: WorkerConfig{
			Concurrency:  s.int("WORKER_CONCURRENCY", "worker.concurrency", 2),
			RetryBackoff: s.duration("WORKER_RETRY_BACKOFF", "worker.retry_backoff", 10*time.Second),
			Embedded:     s.bool("WORKER_EMBEDDED", "worker.embedded", true),
		},
	}
	if len(s.errs) > 0 {
		return nil, errors.Join(s.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.Store != StorePostgres && c.Session.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("SESSION_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Session.Store))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must be positive"))
	}
	if c.Session.GraceWindow < 0 || c.Session.GraceWindow > c.Session.Timeout {
		errs = append(errs, errors.New("SESSION_GRACE_WINDOW must be between 0 and SESSION_TIMEOUT"))
	}
	if _, err := c.Analytics.Location(); err != nil {
		errs = append(errs, fmt.Errorf("ANALYTICS_TIMEZONE: %w", err))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

// source resolves one setting: environment variable, then YAML key, then default.
type source struct {
	k    *koanf.Koanf
	errs []error
}

func (s *source) raw(envKey, key string) (string, bool) {
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}
	if s.k.Exists(key) {
		return s.k.String(key), true
	}
	return "", false
}

func (s *source) str(envKey, key, fallback string) string {
	if v, ok := s.raw(envKey, key); ok {
		return v
	}
	return fallback
}

func (s *source) int(envKey, key string, fallback int) int {
	v, ok := s.raw(envKey, key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid integer %q", envKey, v))
		return fallback
	}
	return n
}

func (s *source) bool(envKey, key string, fallback bool) bool {
	v, ok := s.raw(envKey, key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid boolean %q", envKey, v))
		return fallback
	}
	return b
}

func (s *source) duration(envKey, key string, fallback time.Duration) time.Duration {
	v, ok := s.raw(envKey, key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid duration %q", envKey, v))
		return fallback
	}
	return d
}
