// Package config loads client settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "shepherd.yaml"

// PathEnv names the variable holding a config path.
const PathEnv = "SHEPHERD_CONFIG"

// Config is the root configuration.
// Source priority:
//  1. explicit path passed to Load;
//  2. SHEPHERD_CONFIG;
//  3. ./shepherd.yaml;
//  4. environment only.
//
// Environment variables override file values in every case.
type Config struct {
	Env      string         `yaml:"env" env:"SHEPHERD_ENV" env-default:"production"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// APIConfig locates the GraphQL endpoint.
type APIConfig struct {
	URL       string        `yaml:"url" env:"SHEPHERD_API_URL" env-default:"http://localhost:4000/graphql"`
	Timeout   time.Duration `yaml:"timeout" env:"SHEPHERD_API_TIMEOUT" env-default:"15s"`
	RateLimit float64       `yaml:"rate_limit" env:"SHEPHERD_API_RATE_LIMIT" env-default:"10"`
	Burst     int           `yaml:"burst" env:"SHEPHERD_API_BURST" env-default:"20"`
	UserAgent string        `yaml:"user_agent" env:"SHEPHERD_USER_AGENT" env-default:"shepherd-cli"`
}

// AuthConfig tunes token handling.
type AuthConfig struct {
	RefreshThreshold     time.Duration `yaml:"refresh_threshold" env:"SHEPHERD_REFRESH_THRESHOLD" env-default:"5m"`
	MaxRefreshAttempts   int           `yaml:"max_refresh_attempts" env:"SHEPHERD_MAX_REFRESH_ATTEMPTS" env-default:"3"`
	RefreshCheckInterval time.Duration `yaml:"refresh_check_interval" env:"SHEPHERD_REFRESH_CHECK_INTERVAL" env-default:"1m"`
	SessionTimeout       time.Duration `yaml:"session_timeout" env:"SHEPHERD_SESSION_TIMEOUT" env-default:"30m"`
	FallbackTokenTTL     time.Duration `yaml:"fallback_token_ttl" env:"SHEPHERD_FALLBACK_TOKEN_TTL" env-default:"15m"`
	RefreshFallbackTTL   time.Duration `yaml:"refresh_fallback_ttl" env:"SHEPHERD_REFRESH_FALLBACK_TTL" env-default:"168h"`
	HydrationSettle      time.Duration `yaml:"hydration_settle" env:"SHEPHERD_HYDRATION_SETTLE" env-default:"50ms"`
	LoginMaxFailures     int           `yaml:"login_max_failures" env:"SHEPHERD_LOGIN_MAX_FAILURES" env-default:"5"`
	LoginWindow          time.Duration `yaml:"login_window" env:"SHEPHERD_LOGIN_WINDOW" env-default:"15m"`
	LoginLockout         time.Duration `yaml:"login_lockout" env:"SHEPHERD_LOGIN_LOCKOUT" env-default:"15m"`
}

// StorageConfig selects where the session is persisted.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"SHEPHERD_STORAGE" env-default:"file"`
	Dir     string `yaml:"dir" env:"SHEPHERD_STORAGE_DIR"`
	// Plaintext stores the session file unsealed.
	Plaintext   bool   `yaml:"plaintext" env:"SHEPHERD_STORAGE_PLAINTEXT"`
	Namespace   string `yaml:"namespace" env:"SHEPHERD_STORAGE_NAMESPACE" env-default:"default"`
	PostgresDSN string `yaml:"postgres_dsn" env:"SHEPHERD_POSTGRES_DSN"`
	RedisURL    string `yaml:"redis_url" env:"SHEPHERD_REDIS_URL"`
}

// SecurityConfig tunes the advisory helpers.
type SecurityConfig struct {
	CSRFTTL     time.Duration `yaml:"csrf_ttl" env:"SHEPHERD_CSRF_TTL" env-default:"30m"`
	MaxSessions int           `yaml:"max_sessions" env:"SHEPHERD_MAX_SESSIONS" env-default:"5"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level" env:"SHEPHERD_LOG_LEVEL" env-default:"warn"`
}

// MetricsConfig is where `watch` serves metrics.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"SHEPHERD_METRICS_ADDR" env-default:"127.0.0.1:9464"`
}

// MustLoad wraps Load and panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration following the source priority of Config.
func Load(path string) (*Config, error) {
	var cfg Config

	switch {
	case path != "":
	case os.Getenv(PathEnv) != "":
		path = os.Getenv(PathEnv)
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.url must be an absolute http(s) url, got %q", c.API.URL)
	}
	if c.Auth.MaxRefreshAttempts <= 0 {
		return errors.New("auth.max_refresh_attempts must be > 0")
	}
	if c.Auth.RefreshThreshold <= 0 || c.Auth.RefreshCheckInterval <= 0 {
		return errors.New("auth.refresh_threshold and auth.refresh_check_interval must be > 0")
	}
	if c.Auth.LoginMaxFailures <= 0 {
		return errors.New("auth.login_max_failures must be > 0")
	}
	switch c.Storage.Backend {
	case "file", "memory", "none":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of file, memory, none, postgres, redis", c.Storage.Backend)
	}
	return nil
}

// Development reports whether the env asks for developer-friendly logging.
func (c *Config) Development() bool {
	return c.Env == "dev" || c.Env == "local" || c.Env == "development"
}
