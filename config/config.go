// Package config loads the engine's configuration: viper over an
// optional YAML file, LOOM_* environment overrides, and defaults that
// match the queue and retry semantics baked into the engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loomworks/loom/workflow"
)

// Config is the full engine configuration.
type Config struct {
	Queue   QueueConfig   `mapstructure:"queue"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Health  HealthConfig  `mapstructure:"health"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// QueueConfig bounds message lifetimes and receive throughput.
type QueueConfig struct {
	// MaxAgeSec is the backend's maximum message age in seconds.
	MaxAgeSec int `mapstructure:"max_age_sec"`
	// BufferSec is the safety margin subtracted from the lifetime.
	BufferSec int `mapstructure:"buffer_sec"`
	// ReceiveRate caps dispatcher receives per second; 0 is unlimited.
	ReceiveRate float64 `mapstructure:"receive_rate"`
	// Shard names this process's workflow tick queue shard.
	Shard string `mapstructure:"shard"`
}

// MaxAge returns the configured maximum message age.
func (q QueueConfig) MaxAge() time.Duration { return time.Duration(q.MaxAgeSec) * time.Second }

// Buffer returns the configured lifetime safety margin.
func (q QueueConfig) Buffer() time.Duration { return time.Duration(q.BufferSec) * time.Second }

// CodecConfig tunes payload encoding.
type CodecConfig struct {
	// BlobThresholdBytes spills encoded payloads above this size to the
	// blob store.
	BlobThresholdBytes int `mapstructure:"blob_threshold_bytes"`
}

// RetryConfig is the engine-wide default step retry policy.
type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Factor      float64       `mapstructure:"factor"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Policy converts the section into a workflow.RetryPolicy.
func (r RetryConfig) Policy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		InitialInterval: r.Base,
		BackoffFactor:   r.Factor,
		Jitter:          r.Jitter,
		MaxInterval:     r.MaxDelay,
		MaxAttempts:     r.MaxAttempts,
	}.Merge(workflow.DefaultRetryPolicy())
}

// HealthConfig tunes the queue health probe.
type HealthConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// LoggingConfig selects the zap level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// RedisConfig points at the Redis world backend.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// defaultBufferSec is the stock lifetime safety margin, applied when
// buffer_sec is not set explicitly.
const defaultBufferSec = 3600

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.max_age_sec", 86400)
	// -1 marks "unset"; normalize derives the real margin so a short
	// max_age_sec alone stays valid.
	v.SetDefault("queue.buffer_sec", -1)
	v.SetDefault("queue.receive_rate", 0)
	v.SetDefault("queue.shard", "")
	v.SetDefault("codec.blob_threshold_bytes", 256*1024)
	v.SetDefault("retry.base", time.Second)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("health.timeout", 30*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "loom")
	v.SetDefault("logging.level", "info")
	v.SetDefault("redis.url", "redis://localhost:6379")
}

// Load reads path (optional; LOOM_CONFIG_PATH wins over the argument,
// and an empty path means defaults plus env only) and applies LOOM_*
// environment overrides such as LOOM_QUEUE_MAX_AGE_SEC.
func Load(path string) (*Config, error) {
	if env := os.Getenv("LOOM_CONFIG_PATH"); env != "" {
		path = env
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills derived values. An unset buffer_sec becomes the stock
// margin, scaled down to a tenth of the lifetime when max_age_sec is
// too short to leave one.
func (c *Config) normalize() {
	if c.Queue.BufferSec < 0 {
		c.Queue.BufferSec = defaultBufferSec
		if c.Queue.BufferSec >= c.Queue.MaxAgeSec {
			c.Queue.BufferSec = c.Queue.MaxAgeSec / 10
		}
	}
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.normalize()
	return &cfg
}

func (c *Config) validate() error {
	if c.Queue.MaxAgeSec <= 0 {
		return fmt.Errorf("queue.max_age_sec must be positive, got %d", c.Queue.MaxAgeSec)
	}
	if c.Queue.BufferSec < 0 || c.Queue.BufferSec >= c.Queue.MaxAgeSec {
		return fmt.Errorf("queue.buffer_sec must be in [0, max_age_sec), got %d", c.Queue.BufferSec)
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1, got %g", c.Retry.Factor)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}
