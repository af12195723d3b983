package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/analytica/policy"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Dataset DatasetConfig `mapstructure:"dataset"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// SandboxConfig holds execution limits and worker settings.
//
// Zero limits inherit the value from the policy file (or the embedded
// default policy when no file is configured). Non-empty module and call
// lists replace the policy file's lists.
type SandboxConfig struct {
	TimeoutSec        int      `mapstructure:"timeout_sec"`
	MemoryMB          int      `mapstructure:"memory_mb"`
	MaxOutputKB       int      `mapstructure:"max_output_kb"`
	MaxArtifacts      int      `mapstructure:"max_artifacts"`
	MaxArtifactSizeMB int      `mapstructure:"max_artifact_size_mb"`
	MaxScriptKB       int      `mapstructure:"max_script_kb"`
	MaxConcurrent     int      `mapstructure:"max_concurrent"`
	WorkerCommand     []string `mapstructure:"worker_command"`
	PolicyFile        string   `mapstructure:"policy_file"`
	AllowedModules    []string `mapstructure:"allowed_modules"`
	DeniedCalls       []string `mapstructure:"denied_calls"`
	// ContainerRuntime runs workers with docker or podman when set.
	ContainerRuntime string   `mapstructure:"container_runtime"`
	ContainerImage   string   `mapstructure:"container_image"`
	ContainerCommand []string `mapstructure:"container_command"`
}

// DatasetConfig locates the cleaned dataset exposed to scripts
type DatasetConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, environment variables prefixed with
// ANALYTICA_, and defaults.
func New() (*Config, error) {
	return Load("")
}

// Load is New with an explicit config file. An empty path searches the
// default locations.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("ANALYTICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 0)

	v.SetDefault("sandbox.timeout_sec", 0)
	v.SetDefault("sandbox.memory_mb", 0)
	v.SetDefault("sandbox.max_output_kb", 0)
	v.SetDefault("sandbox.max_artifacts", 0)
	v.SetDefault("sandbox.max_artifact_size_mb", 0)
	v.SetDefault("sandbox.max_script_kb", 0)
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.worker_command", []string{})
	v.SetDefault("sandbox.policy_file", "")
	v.SetDefault("sandbox.allowed_modules", []string{})
	v.SetDefault("sandbox.denied_calls", []string{})
	v.SetDefault("sandbox.container_runtime", "")
	v.SetDefault("sandbox.container_image", "")
	v.SetDefault("sandbox.container_command", []string{})

	v.SetDefault("dataset.path", "data/vacancies.json")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid server.metrics_port: %d", c.Server.MetricsPort)
	}

	limits := map[string]int{
		"sandbox.timeout_sec":          c.Sandbox.TimeoutSec,
		"sandbox.memory_mb":            c.Sandbox.MemoryMB,
		"sandbox.max_output_kb":        c.Sandbox.MaxOutputKB,
		"sandbox.max_artifacts":        c.Sandbox.MaxArtifacts,
		"sandbox.max_artifact_size_mb": c.Sandbox.MaxArtifactSizeMB,
		"sandbox.max_script_kb":        c.Sandbox.MaxScriptKB,
	}
	for key, value := range limits {
		if value < 0 {
			return fmt.Errorf("%s must not be negative, got: %d", key, value)
		}
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	switch c.Sandbox.ContainerRuntime {
	case "":
	case "docker", "podman":
		if c.Sandbox.ContainerImage == "" {
			return errors.New("sandbox.container_image is required when sandbox.container_runtime is set")
		}
	default:
		return fmt.Errorf("invalid sandbox.container_runtime: %s, must be 'docker' or 'podman'", c.Sandbox.ContainerRuntime)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// PolicySpec merges the policy file with the limits and lists set here.
func (c *Config) PolicySpec() (policy.Spec, error) {
	spec, err := policy.LoadSpec(c.Sandbox.PolicyFile)
	if err != nil {
		return policy.Spec{}, err
	}

	s := c.Sandbox
	if s.TimeoutSec > 0 {
		spec.Timeout = time.Duration(s.TimeoutSec) * time.Second
	}
	if s.MemoryMB > 0 {
		spec.MaxMemoryBytes = int64(s.MemoryMB) << 20
	}
	if s.MaxOutputKB > 0 {
		spec.MaxOutputBytes = s.MaxOutputKB << 10
	}
	if s.MaxArtifacts > 0 {
		spec.MaxArtifacts = s.MaxArtifacts
	}
	if s.MaxArtifactSizeMB > 0 {
		spec.MaxArtifactBytes = s.MaxArtifactSizeMB << 20
	}
	if s.MaxScriptKB > 0 {
		spec.MaxScriptBytes = s.MaxScriptKB << 10
	}
	if len(s.AllowedModules) > 0 {
		spec.AllowedModules = s.AllowedModules
	}
	if len(s.DeniedCalls) > 0 {
		spec.DeniedCalls = s.DeniedCalls
	}

	return spec, nil
}

// Policy builds the immutable execution policy.
func (c *Config) Policy() (*policy.Policy, error) {
	spec, err := c.PolicySpec()
	if err != nil {
		return nil, err
	}
	return policy.New(spec)
}
