// Package config provides configuration management for the fabric
// scheduler.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/limiquantix/fabric/internal/conductor"
	"github.com/limiquantix/fabric/internal/hoststate"
	"github.com/limiquantix/fabric/internal/ledger"
	"github.com/limiquantix/fabric/internal/scheduler"
)

// Config holds all configuration for the fabric scheduler daemon.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Ledger    ledger.HTTPConfig      `mapstructure:"ledger"`
	Cache     hoststate.Config       `mapstructure:"cache"`
	Scheduler scheduler.Config       `mapstructure:"scheduler"`
	Conductor conductor.Config       `mapstructure:"conductor"`
	Driver    conductor.DriverConfig `mapstructure:"driver"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	CORS      CORSConfig             `mapstructure:"cors"`
}

// ServerConfig holds the intake HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CORSConfig holds CORS configuration for the intake API.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8780)
	v.SetDefault("server.read_timeout", "30s")
	// Placement responses wait for build outcomes, so no write deadline by
	// default.
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Ledger
	v.SetDefault("ledger.endpoint", "http://localhost:8778")
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("ledger.retry_delay", "200ms")

	// Cache
	v.SetDefault("cache.refresh_interval", "30s")

	// Scheduler
	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.enabled_filters", sched.EnabledFilters)
	v.SetDefault("scheduler.placement_strategy", sched.PlacementStrategy)
	v.SetDefault("scheduler.use_allocation_candidates", false)
	v.SetDefault("scheduler.overcommit_cpu", 2.0)
	v.SetDefault("scheduler.overcommit_memory", 1.5)
	v.SetDefault("scheduler.overcommit_disk", 1.0)

	// Conductor
	v.SetDefault("conductor.max_attempts", 3)
	v.SetDefault("conductor.build_timeout", "10m")
	v.SetDefault("conductor.max_concurrent_builds", 0)

	// Driver
	v.SetDefault("driver.port", 9090)
	v.SetDefault("driver.scheme", "http")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
