// Package config provides configuration management for the orchestration service.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Cloud        CloudConfig        `mapstructure:"cloud"`
	Environments EnvironmentsConfig `mapstructure:"environments"`
	Agent        AgentConfig        `mapstructure:"agent"`
}

// ServerConfig holds process-wide service behavior.
type ServerConfig struct {
	// MaxConcurrency bounds how many tasks may be "working" simultaneously
	// across both origins. Overridden by CODEX_MAX_CONCURRENCY.
	MaxConcurrency int `mapstructure:"maxConcurrency"`

	// CancelGracePeriod is how long a cancel waits between SIGTERM and SIGKILL, in seconds.
	CancelGracePeriodSec int `mapstructure:"cancelGracePeriodSec"`
}

// RegistryConfig holds task registry storage configuration.
type RegistryConfig struct {
	// Path is the sqlite database file backing the task registry.
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	ServiceName string `mapstructure:"serviceName"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// CloudConfig holds configuration for reaching the hosted agent service.
type CloudConfig struct {
	BaseURL           string `mapstructure:"baseUrl"`
	APIKey            string `mapstructure:"apiKey"`
	PollIntervalMinMs int    `mapstructure:"pollIntervalMinMs"`
	PollIntervalMaxMs int    `mapstructure:"pollIntervalMaxMs"`
}

// EnvironmentsConfig locates the read-only environments file.
type EnvironmentsConfig struct {
	Path string `mapstructure:"path"`
}

// AgentConfig describes how to invoke the local agent CLI.
type AgentConfig struct {
	// Executable is the agent CLI binary name or absolute path.
	Executable string `mapstructure:"executable"`
}

// CancelGracePeriod returns the cancellation grace period as a time.Duration.
func (s *ServerConfig) CancelGracePeriod() time.Duration {
	return time.Duration(s.CancelGracePeriodSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.maxConcurrency", 2)
	v.SetDefault("server.cancelGracePeriodSec", 5)

	v.SetDefault("registry.path", defaultRegistryPath())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.serviceName", "agentd")
	v.SetDefault("tracing.otlpEndpoint", "")

	v.SetDefault("cloud.baseUrl", "")
	v.SetDefault("cloud.apiKey", "")
	v.SetDefault("cloud.pollIntervalMinMs", 2000)
	v.SetDefault("cloud.pollIntervalMaxMs", 30000)

	v.SetDefault("environments.path", defaultEnvironmentsPath())

	v.SetDefault("agent.executable", "codex")
}

// defaultRegistryPath returns the default tasks database location under the
// user's config directory, following the XDG convention on Unix.
func defaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "./agentd/tasks.db"
	}
	return dir + "/agentd/tasks.db"
}

// defaultEnvironmentsPath returns the default environments.json location.
func defaultEnvironmentsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "./agentd/environments.json"
	}
	return dir + "/agentd/environments.json"
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the legacy-named env vars the spec requires verbatim.
	_ = v.BindEnv("server.maxConcurrency", "CODEX_MAX_CONCURRENCY")
	_ = v.BindEnv("cloud.apiKey", "CODEX_API_KEY")
	_ = v.BindEnv("logging.level", "AGENTD_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields hold sane values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.MaxConcurrency < 1 {
		errs = append(errs, "server.maxConcurrency (CODEX_MAX_CONCURRENCY) must be >= 1")
	}
	if cfg.Server.CancelGracePeriodSec < 0 {
		errs = append(errs, "server.cancelGracePeriodSec must be >= 0")
	}
	if cfg.Registry.Path == "" {
		errs = append(errs, "registry.path must be set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
