// Package config loads the server configuration from a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Queues       []QueueConfig      `mapstructure:"queues"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BackpressureConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MemoryThreshold float64       `mapstructure:"memory_threshold"`
	PauseThreshold  float64       `mapstructure:"pause_threshold"`
	ResumeThreshold float64       `mapstructure:"resume_threshold"`
	MaxTotalDepth   int           `mapstructure:"max_total_depth"`
}

type BreakerConfig struct {
	Window          time.Duration `mapstructure:"window"`
	VolumeThreshold int           `mapstructure:"volume_threshold"`
	ErrorThreshold  float64       `mapstructure:"error_threshold"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
}

// RateLimitConfig is the per-caller admission limit applied on the HTTP
// enqueue path.
type RateLimitConfig struct {
	Window time.Duration `mapstructure:"window"`
	Max    int           `mapstructure:"max"`
}

// QueueConfig declares one queue to register at startup.
type QueueConfig struct {
	Name        string           `mapstructure:"name"`
	Concurrency int              `mapstructure:"concurrency"`
	MaxSize     int              `mapstructure:"max_size"`
	RateLimit   *QueueRateConfig `mapstructure:"rate_limit"`
	Schedules   []ScheduleConfig `mapstructure:"schedules"`
}

// QueueRateConfig throttles the consumer side of one queue.
type QueueRateConfig struct {
	Ops int           `mapstructure:"ops"`
	Per time.Duration `mapstructure:"per"`
}

// ScheduleConfig enqueues a fixed payload on a cron spec.
type ScheduleConfig struct {
	Cron    string `mapstructure:"cron"`
	Payload string `mapstructure:"payload"`
}

// Load reads and parses the YAML file at configPath.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("app.name", "admitq")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.max", 60)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue is required")
	}
	seen := make(map[string]bool)
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue name is required")
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue %q", q.Name)
		}
		seen[q.Name] = true
		if q.Concurrency < 0 {
			return fmt.Errorf("queue %q: concurrency must not be negative", q.Name)
		}
		if rl := q.RateLimit; rl != nil && (rl.Ops <= 0 || rl.Per <= 0) {
			return fmt.Errorf("queue %q: rate_limit needs positive ops and per", q.Name)
		}
	}
	if c.Backpressure.PauseThreshold != 0 && c.Backpressure.ResumeThreshold >= c.Backpressure.PauseThreshold {
		return fmt.Errorf("backpressure.resume_threshold must be below pause_threshold")
	}
	if c.Breaker.ErrorThreshold < 0 || c.Breaker.ErrorThreshold > 1 {
		return fmt.Errorf("breaker.error_threshold must be within [0, 1]")
	}
	return nil
}
