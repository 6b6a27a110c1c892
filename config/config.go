// Package config loads taskprocessor settings from a file and TASKCLUSTER_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/UniQw/taskcluster/backoff"
	"github.com/UniQw/taskcluster/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKCLUSTER_REDIS_ADDR.
const EnvPrefix = "TASKCLUSTER"

// ErrInvalidConfig is returned when loaded values are inconsistent.
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Node      NodeConfig                         `mapstructure:"node"`
	Redis     RedisConfig                        `mapstructure:"redis"`
	Store     StoreConfig                        `mapstructure:"store"`
	API       APIConfig                          `mapstructure:"api"`
	Logger    logging.Config                     `mapstructure:"logger"`
	Processor taskcluster.ProcessorConfiguration `mapstructure:"processor"`
}

type NodeConfig struct {
	ID                  string        `mapstructure:"id"`
	Namespace           string        `mapstructure:"namespace"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MaxHeartbeatRetries int           `mapstructure:"max_heartbeat_retries"`
	AssignTaskTimeout   time.Duration `mapstructure:"assign_task_timeout"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`
	Backoff             BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Strategy string        `mapstructure:"strategy"` // constant, linear, exponential, exponential_jitter
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
}

// Strategy builds the configured backoff. Unknown names fall back to backoff.Default.
func (b BackoffConfig) Strategy() backoff.Strategy {
	if s, ok := backoff.Parse(b.Strategy, b.Initial, b.Max); ok {
		return s
	}
	return backoff.Default()
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Options returns go-redis client options.
func (r *RedisConfig) Options() *redis.Options {
	return &redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB}
}

type StoreConfig struct {
	Expiration   time.Duration `mapstructure:"expiration"`
	Retention    time.Duration `mapstructure:"retention"`
	ArchiveLimit int           `mapstructure:"archive_limit"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Node.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: node.heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.Store.Expiration > 0 && c.Node.HeartbeatInterval >= c.Store.Expiration {
		return fmt.Errorf("%w: node.heartbeat_interval %s must be shorter than store.expiration %s",
			ErrInvalidConfig, c.Node.HeartbeatInterval, c.Store.Expiration)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required", ErrInvalidConfig)
	}
	return nil
}

// Loader reads one configuration source and can watch it for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader reads path, if set, layered over defaults and environment overrides.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return &Loader{v: v}, nil
}

// Config decodes and validates the current values.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the reloaded configuration whenever the file changes.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		fn(l.Config())
	})
	l.v.WatchConfig()
}

// Load is a shortcut for NewLoader(path) followed by Config.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.namespace", "default")
	v.SetDefault("node.heartbeat_interval", taskcluster.DefaultHeartbeatInterval)
	v.SetDefault("node.max_heartbeat_retries", taskcluster.DefaultMaxHeartbeatRetries)
	v.SetDefault("node.assign_task_timeout", taskcluster.DefaultAssignTaskTimeout)
	v.SetDefault("node.task_timeout", time.Duration(0))
	v.SetDefault("node.backoff.strategy", "constant")
	v.SetDefault("node.backoff.initial", 500*time.Millisecond)
	v.SetDefault("node.backoff.max", 5*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.expiration", 15*time.Second)
	v.SetDefault("store.retention", 24*time.Hour)
	v.SetDefault("store.archive_limit", 10000)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/taskprocessor.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
}
