// Package config loads trailer-cache settings from a config file, the
// environment (TRAILER_ prefix) and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/trailer-cache/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRAILER_API_TOKEN.
const EnvPrefix = "TRAILER"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config is the full application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	API     APIConfig     `mapstructure:"api"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Server  ServerConfig  `mapstructure:"server"`
	Refresh RefreshConfig `mapstructure:"refresh"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// StoreConfig selects the cache persistence backend.
type StoreConfig struct {
	// Driver is one of memory, redis, sqlite3, postgres
	Driver string `mapstructure:"driver"`

	// DSN for the SQL drivers
	DSN string `mapstructure:"dsn"`

	// RedisAddr is used by the redis driver and, when set, for shared
	// rate limit tracking with any driver
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// KeyPrefix namespaces Redis keys
	KeyPrefix string `mapstructure:"key_prefix"`
}

// APIConfig configures the upstream API client.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// CacheConfig configures eviction.
type CacheConfig struct {
	// Horizon is how long an entry may go untouched before eviction
	Horizon time.Duration `mapstructure:"horizon"`

	// SweepSchedule is a cron expression for the serve loop (e.g. "@every 1h")
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// ServerConfig configures the HTTP surface of serve.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RefreshConfig lists the paths revalidated by a refresh cycle.
type RefreshConfig struct {
	Paths       []string `mapstructure:"paths"`
	Concurrency int      `mapstructure:"concurrency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", "trailer:cache:")

	v.SetDefault("api.base_url", "https://api.github.com")
	v.SetDefault("api.token", "")
	v.SetDefault("api.user_agent", "trailer-cache/1.0")
	v.SetDefault("api.requests_per_second", 10.0)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.initial_backoff", "1s")
	v.SetDefault("api.timeout", "30s")

	v.SetDefault("cache.horizon", "168h")
	v.SetDefault("cache.sweep_schedule", "@every 1h")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("refresh.paths", []string{})
	v.SetDefault("refresh.concurrency", 4)
}

// Load reads configuration. An empty path searches for trailer-cache.yaml
// in the working directory and ./config; a missing file is not an error
// then. Environment variables override file values.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("trailer-cache")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "sqlite" {
		cfg.Store.Driver = DriverSQLite
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, redis, sqlite3, postgres", c.Store.Driver))
	}

	if c.API.UserAgent == "" {
		errs = append(errs, errors.New("api.user_agent is required"))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("api.requests_per_second must be >= 0"))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, errors.New("api.max_retries must be >= 0"))
	}

	if c.Cache.Horizon <= 0 {
		errs = append(errs, errors.New("cache.horizon must be positive"))
	}
	if _, err := cron.ParseStandard(c.Cache.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("cache.sweep_schedule: %w", err))
	}

	if c.Refresh.Concurrency < 1 {
		errs = append(errs, errors.New("refresh.concurrency must be >= 1"))
	}

	return errors.Join(errs...)
}

// LoggingConfig converts the log section for logging.Setup.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level, _ = logging.ParseLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
