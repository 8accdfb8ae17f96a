// Package config resolves the runtime configuration from defaults, an
// optional config.yaml, and environment overrides. The rest of the code
// never reads environment variables directly; everything arrives here and
// leaves as plain structs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isorun/isorun/pool"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Handler   HandlerConfig   `mapstructure:"handler"`
	Pool      PoolSettings    `mapstructure:"pool"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Listeners ListenerConfig  `mapstructure:"listeners"`
	Schedules []ScheduleEntry `mapstructure:"schedules"`
	LogLevel  string          `mapstructure:"log_level"`
	PerfMode  bool            `mapstructure:"perf_mode"`
}

// HandlerConfig locates the handler to serve.
type HandlerConfig struct {
	Name  string `mapstructure:"name"`
	Entry string `mapstructure:"entry"`
}

// PoolSettings holds both pools' tuning.
type PoolSettings struct {
	ServerWorkers    int           `mapstructure:"server_workers"`
	UserWorkers      int           `mapstructure:"user_workers"`
	EnableCodeCache  bool          `mapstructure:"code_cache"`
	EnableMetrics    bool          `mapstructure:"metrics"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	QueueTimeout     time.Duration `mapstructure:"queue_timeout"`
	MemoryLimitBytes uint64        `mapstructure:"memory_limit_bytes"`
}

// ArchiveConfig controls the trace archive.
type ArchiveConfig struct {
	Path          string        `mapstructure:"path"`
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

// ListenerConfig holds the addresses of enabled listeners; an empty
// address disables that listener.
type ListenerConfig struct {
	HTTP        string `mapstructure:"http"`
	TCP         string `mapstructure:"tcp"`
	TCPMaxConns int    `mapstructure:"tcp_max_conns"`
	Unix        string `mapstructure:"unix"`
	UDP         string `mapstructure:"udp"`
	WS          string `mapstructure:"ws"`
	Redis       string `mapstructure:"redis"`
	NATSUrl     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

// ScheduleEntry is one cron job definition.
type ScheduleEntry struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Entry    string `mapstructure:"entry"`
	Payload  string `mapstructure:"payload"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("perf_mode", false)

	v.SetDefault("pool.server_workers", runtime.NumCPU())
	v.SetDefault("pool.user_workers", runtime.NumCPU())
	v.SetDefault("pool.code_cache", true)
	v.SetDefault("pool.metrics", true)
	v.SetDefault("pool.request_timeout", 30*time.Second)
	v.SetDefault("pool.queue_timeout", 10*time.Second)
	v.SetDefault("pool.memory_limit_bytes", 0)

	v.SetDefault("archive.path", DefaultArchivePath())
	v.SetDefault("archive.retention_days", 7)
	v.SetDefault("archive.interval", time.Minute)

	v.SetDefault("listeners.http", ":8080")
	v.SetDefault("listeners.tcp_max_conns", 0)
	v.SetDefault("listeners.nats_subject", "isorun.exec")
}

// DefaultArchivePath returns the trace archive location used when none
// is configured: <user config dir>/isorun/introspect.db. Empty when no
// config dir can be determined, which disables archiving.
func DefaultArchivePath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "isorun", "introspect.db")
}

// Load resolves the configuration: defaults, then config.yaml from the
// given directory (missing file is fine), then ISORUN_* environment
// overrides.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("ISORUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// ServerPoolConfig converts the settings into the trusted pool's config.
func (c *Config) ServerPoolConfig() pool.PoolConfig {
	return c.poolConfig(c.Pool.ServerWorkers)
}

// UserPoolConfig converts the settings into the user pool's config.
func (c *Config) UserPoolConfig() pool.PoolConfig {
	return c.poolConfig(c.Pool.UserWorkers)
}

func (c *Config) poolConfig(workers int) pool.PoolConfig {
	cfg := pool.DefaultPoolConfig()
	if workers > 0 {
		cfg.NumWorkers = workers
	}
	cfg.EnableCodeCache = c.Pool.EnableCodeCache
	cfg.EnableMetrics = c.Pool.EnableMetrics
	if c.Pool.RequestTimeout > 0 {
		cfg.RequestTimeout = c.Pool.RequestTimeout
	}
	if c.Pool.QueueTimeout > 0 {
		cfg.QueueTimeout = c.Pool.QueueTimeout
	}
	return cfg
}
