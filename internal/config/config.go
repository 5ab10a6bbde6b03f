package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. TERMPOOL_SESSION_CAPABILITY_TIMEOUT=2s.
const EnvPrefix = "TERMPOOL"

// Config holds all configuration for the termpool server
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Session configuration (capability handshake and output timing)
	Session SessionConfig `mapstructure:"session" json:"session"`

	// Host shell configuration
	Host HostConfig `mapstructure:"host" json:"host"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`

	// History journal configuration
	History HistoryConfig `mapstructure:"history" json:"history"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring" json:"monitoring"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Name    string `mapstructure:"name" json:"name"`
	Version string `mapstructure:"version" json:"version"`
	Debug   bool   `mapstructure:"debug" json:"debug"`
}

// SessionConfig holds the timing policy of command processes.
type SessionConfig struct {
	// CapabilityTimeout bounds the wait for a fresh session to report capability.
	CapabilityTimeout time.Duration `mapstructure:"capability_timeout" json:"capability_timeout"`
	// CapabilityPollInterval is how often the capability flag is checked while waiting.
	CapabilityPollInterval time.Duration `mapstructure:"capability_poll_interval" json:"capability_poll_interval"`
	// HotQuietInterval is how long a process stays hot after its last output.
	HotQuietInterval time.Duration `mapstructure:"hot_quiet_interval" json:"hot_quiet_interval"`
	// TranscriptLimit caps the journalled transcript of a command (bytes).
	TranscriptLimit  int `mapstructure:"transcript_limit" json:"transcript_limit"`
	MaxCommandLength int `mapstructure:"max_command_length" json:"max_command_length"`
}

// HostConfig configures the gosh-backed host session provider
type HostConfig struct {
	ProbeTimeout        time.Duration     `mapstructure:"probe_timeout" json:"probe_timeout"`
	CommandTimeout      time.Duration     `mapstructure:"command_timeout" json:"command_timeout"`
	UnstructuredTimeout time.Duration     `mapstructure:"unstructured_timeout" json:"unstructured_timeout"`
	Environment         map[string]string `mapstructure:"environment" json:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // "json" or "text"
	Output string `mapstructure:"output" json:"output"` // "stderr", "stdout", "file", or file path
}

// HistoryConfig holds the command journal configuration
type HistoryConfig struct {
	Enable  bool   `mapstructure:"enable" json:"enable"`
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enable bool   `mapstructure:"enable" json:"enable"`
	Output string `mapstructure:"output" json:"output"` // empty means stderr
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enable             bool          `mapstructure:"enable" json:"enable"`
	StatsInterval      time.Duration `mapstructure:"stats_interval" json:"stats_interval"`
	GoroutineThreshold int           `mapstructure:"goroutine_threshold" json:"goroutine_threshold"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:    "termpool",
			Version: "1.0.0",
			Debug:   false,
		},
		Session: SessionConfig{
			CapabilityTimeout:      4 * time.Second,
			CapabilityPollInterval: 100 * time.Millisecond,
			HotQuietInterval:       time.Second,
			TranscriptLimit:        64 * 1024,
			MaxCommandLength:       10000,
		},
		Host: HostConfig{
			ProbeTimeout:        3 * time.Second,
			CommandTimeout:      10 * time.Minute,
			UnstructuredTimeout: time.Minute,
			Environment:         map[string]string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		History: HistoryConfig{
			Enable:  false,
			DataDir: ".termpool",
		},
		Tracing: TracingConfig{
			Enable: false,
			Output: "",
		},
		Monitoring: MonitoringConfig{
			Enable:             true,
			StatsInterval:      30 * time.Second,
			GoroutineThreshold: 100,
		},
	}
}

// settings flattens a config into viper keys. Durations are written as strings so
// that files produced by SaveToFile round-trip through the duration decode hook.
func settings(c *Config) map[string]any {
	return map[string]any{
		"server.name":                      c.Server.Name,
		"server.version":                   c.Server.Version,
		"server.debug":                     c.Server.Debug,
		"session.capability_timeout":       c.Session.CapabilityTimeout.String(),
		"session.capability_poll_interval": c.Session.CapabilityPollInterval.String(),
		"session.hot_quiet_interval":       c.Session.HotQuietInterval.String(),
		"session.transcript_limit":         c.Session.TranscriptLimit,
		"session.max_command_length":       c.Session.MaxCommandLength,
		"host.probe_timeout":               c.Host.ProbeTimeout.String(),
		"host.command_timeout":             c.Host.CommandTimeout.String(),
		"host.unstructured_timeout":        c.Host.UnstructuredTimeout.String(),
		"host.environment":                 c.Host.Environment,
		"logging.level":                    c.Logging.Level,
		"logging.format":                   c.Logging.Format,
		"logging.output":                   c.Logging.Output,
		"history.enable":                   c.History.Enable,
		"history.data_dir":                 c.History.DataDir,
		"tracing.enable":                   c.Tracing.Enable,
		"tracing.output":                   c.Tracing.Output,
		"monitoring.enable":                c.Monitoring.Enable,
		"monitoring.stats_interval":        c.Monitoring.StatsInterval.String(),
		"monitoring.goroutine_threshold":   c.Monitoring.GoroutineThreshold,
	}
}

// LoadConfig loads configuration from defaults, an optional config file and
// TERMPOOL_* environment variables, in increasing priority.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range settings(DefaultConfig()) {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the configuration values
func validateConfig(config *Config) error {
	if config.Session.CapabilityTimeout <= 0 {
		return fmt.Errorf("capability_timeout must be greater than 0")
	}

	if config.Session.CapabilityPollInterval <= 0 {
		return fmt.Errorf("capability_poll_interval must be greater than 0")
	}

	if config.Session.CapabilityPollInterval > config.Session.CapabilityTimeout {
		return fmt.Errorf("capability_poll_interval must not exceed capability_timeout")
	}

	if config.Session.HotQuietInterval <= 0 {
		return fmt.Errorf("hot_quiet_interval must be greater than 0")
	}

	if config.Session.TranscriptLimit <= 0 {
		return fmt.Errorf("transcript_limit must be greater than 0")
	}

	if config.Session.MaxCommandLength <= 0 {
		return fmt.Errorf("max_command_length must be greater than 0")
	}

	if config.Host.ProbeTimeout <= 0 || config.Host.CommandTimeout <= 0 || config.Host.UnstructuredTimeout <= 0 {
		return fmt.Errorf("host timeouts must be greater than 0")
	}

	if config.History.Enable && config.History.DataDir == "" {
		return fmt.Errorf("history.data_dir is required when history is enabled")
	}

	if config.Monitoring.Enable && config.Monitoring.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be greater than 0")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validLogFormats[strings.ToLower(config.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}

	return nil
}

// SaveToFile writes the configuration to filename; the format follows the extension.
func (c *Config) SaveToFile(filename string) error {
	v := viper.New()
	for key, value := range settings(c) {
		v.Set(key, value)
	}
	return v.WriteConfigAs(filename)
}
