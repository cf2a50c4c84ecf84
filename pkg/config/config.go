// Package config loads application settings from an optional YAML file and
// TASKBRIDGE_* environment variables, environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error fatal"`
	Redis     RedisConfig     `mapstructure:"redis" validate:"required"`
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Executor  ExecutorConfig  `mapstructure:"executor" validate:"required"`
	Native    NativeConfig    `mapstructure:"native" validate:"required"`
}

// RedisConfig points at the job store.
type RedisConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

// ServerConfig contains the HTTP listeners.
type ServerConfig struct {
	Addr        string `mapstructure:"addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	// APIKey enables X-API-Key authentication when set.
	APIKey string `mapstructure:"api_key"`
}

// SchedulerConfig tunes the job scheduler loop.
type SchedulerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	MaxExecution  time.Duration `mapstructure:"max_execution" validate:"gte=0"`
	DepthInterval time.Duration `mapstructure:"depth_interval" validate:"gt=0"`
}

// ExecutorConfig sizes the handler worker pool.
type ExecutorConfig struct {
	Workers int `mapstructure:"workers" validate:"gt=0"`
}

// NativeConfig selects the browser profile handlers act on.
type NativeConfig struct {
	Profile string `mapstructure:"profile" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.metrics_addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("scheduler.poll_interval", "500ms")
	v.SetDefault("scheduler.backoff_base", "30s")
	v.SetDefault("scheduler.max_execution", "10m")
	v.SetDefault("scheduler.depth_interval", "5s")
	v.SetDefault("executor.workers", 4)
	v.SetDefault("native.profile", "Default")
}

// Load reads configuration. configPath may be empty, in which case only
// defaults and environment variables are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TASKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
