// Package config loads offload settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Swind/go-task-offload/core"
)

// EnvPrefix prefixes every environment override, e.g. OFFLOAD_POOL_WORKERS=8.
const EnvPrefix = "OFFLOAD"

// Config is the root configuration.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// PoolConfig describes the local worker pool.
type PoolConfig struct {
	ID string `mapstructure:"id"`
	// InitHook names the hook each worker runs before taking work.
	InitHook string `mapstructure:"init_hook"`
	// EntryPoint names the dispatch function the pool calls.
	EntryPoint string `mapstructure:"entry_point"`
	// Workers must be greater than 1 for the scheduler to dispatch.
	Workers         int `mapstructure:"workers"`
	HistoryCapacity int `mapstructure:"history_capacity"`
}

// SchedulerConfig tunes polling and abort behaviour.
type SchedulerConfig struct {
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	AsyncPollInterval time.Duration `mapstructure:"async_poll_interval"`
	// FailurePolicy: detach or drain
	FailurePolicy string `mapstructure:"failure_policy"`
	// Codec: cbor or json
	Codec string `mapstructure:"codec"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Namespace        string        `mapstructure:"namespace"`
	Addr             string        `mapstructure:"addr"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			ID:              "offload-pool",
			InitHook:        core.InitHookName,
			EntryPoint:      core.EntryPointName,
			Workers:         4,
			HistoryCapacity: 100,
		},
		Scheduler: SchedulerConfig{
			SweepInterval:     core.DefaultSweepInterval,
			AsyncPollInterval: core.DefaultAsyncPollInterval,
			FailurePolicy:     "detach",
			Codec:             "cbor",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/offload.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{
			Enabled:          false,
			Namespace:        "offload",
			Addr:             ":9090",
			SnapshotInterval: time.Second,
		},
	}
}

// Load reads configuration from path if non-empty, otherwise from
// $OFFLOAD_CONFIG or an offload.yaml found in ., ./configs or ~/.offload.
// A missing file is not an error. Environment variables override the file:
// `.` in a key becomes `_`, e.g. OFFLOAD_SCHEDULER_FAILURE_POLICY=drain.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("pool.id", cfg.Pool.ID)
	v.SetDefault("pool.init_hook", cfg.Pool.InitHook)
	v.SetDefault("pool.entry_point", cfg.Pool.EntryPoint)
	v.SetDefault("pool.workers", cfg.Pool.Workers)
	v.SetDefault("pool.history_capacity", cfg.Pool.HistoryCapacity)
	v.SetDefault("scheduler.sweep_interval", cfg.Scheduler.SweepInterval)
	v.SetDefault("scheduler.async_poll_interval", cfg.Scheduler.AsyncPollInterval)
	v.SetDefault("scheduler.failure_policy", cfg.Scheduler.FailurePolicy)
	v.SetDefault("scheduler.codec", cfg.Scheduler.Codec)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("metrics.snapshot_interval", cfg.Metrics.SnapshotInterval)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("offload")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".offload"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	// Workers == 1 is loadable on purpose: the scheduler reports it at dispatch.
	if c.Pool.Workers < 1 {
		return fmt.Errorf("invalid pool.workers: %d", c.Pool.Workers)
	}
	if strings.TrimSpace(c.Pool.ID) == "" {
		c.Pool.ID = "offload-pool"
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("invalid scheduler.sweep_interval: %v", c.Scheduler.SweepInterval)
	}
	if c.Scheduler.AsyncPollInterval <= 0 {
		return fmt.Errorf("invalid scheduler.async_poll_interval: %v", c.Scheduler.AsyncPollInterval)
	}
	c.Scheduler.FailurePolicy = strings.ToLower(strings.TrimSpace(c.Scheduler.FailurePolicy))
	if _, err := core.ParseFailurePolicy(c.Scheduler.FailurePolicy); err != nil {
		return fmt.Errorf("invalid scheduler.failure_policy: %w", err)
	}
	c.Scheduler.Codec = strings.ToLower(strings.TrimSpace(c.Scheduler.Codec))
	if _, err := core.CodecByName(c.Scheduler.Codec); err != nil {
		return fmt.Errorf("invalid scheduler.codec: %w", err)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// PoolSettings returns the settings the local pool reports to the validator.
func (c *Config) PoolSettings() core.PoolSettings {
	return core.PoolSettings{
		InitHook:   c.Pool.InitHook,
		EntryPoint: c.Pool.EntryPoint,
		Workers:    c.Pool.Workers,
	}
}

// SchedulerOptions translates the scheduler section. The codec is not
// included: it belongs to the registry.
func (c *Config) SchedulerOptions() []core.SchedulerOption {
	policy, _ := core.ParseFailurePolicy(c.Scheduler.FailurePolicy)
	return []core.SchedulerOption{
		core.WithSweepInterval(c.Scheduler.SweepInterval),
		core.WithAsyncPollInterval(c.Scheduler.AsyncPollInterval),
		core.WithFailurePolicy(policy),
	}
}
