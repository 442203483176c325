// Package config loads and validates the iscsitd server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the iscsitd configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (ISCSIT_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Target configures the listen address and per-session negotiated
	// parameter defaults handed to the login/negotiation phase (out of
	// core scope; these are the values the core treats as read-only).
	Target TargetConfig `mapstructure:"target" yaml:"target"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Backend selects and configures the SCSI backend block store.
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
}

// TargetConfig configures the listen address, TCP tuning, digest policy,
// and default negotiated session parameters (spec.md §6 "Negotiated
// session parameters").
type TargetConfig struct {
	// Name is the target IQN advertised during login.
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// ListenAddr is the TCP address the target listens on.
	// Default: "0.0.0.0:3260"
	ListenAddr string `mapstructure:"listen_addr" validate:"required" yaml:"listen_addr"`

	// MaxConnectionsPerSession caps how many accepted connections the
	// target serves at once, across all sessions. Each connection gets
	// its own session (no MC/S, spec.md §1 Non-goals), so this is
	// enforced at accept time, not negotiated.
	MaxConnectionsPerSession int `mapstructure:"max_connections_per_session" validate:"omitempty,min=1" yaml:"max_connections_per_session"`

	// TCPCork enables TCP_CORK coalescing of response headers and
	// payloads during a transmit burst (spec.md §4.7).
	TCPCork bool `mapstructure:"tcp_cork" yaml:"tcp_cork"`

	// TCPNoDelay disables Nagle's algorithm on accepted connections.
	TCPNoDelay bool `mapstructure:"tcp_nodelay" yaml:"tcp_nodelay"`

	// DataDigest selects the data digest algorithm negotiated with
	// initiators. Valid values: "none", "crc32c".
	DataDigest string `mapstructure:"data_digest" validate:"required,oneof=none crc32c" yaml:"data_digest"`

	// HeaderDigest selects the header digest algorithm negotiated with
	// initiators. Valid values: "none", "crc32c".
	HeaderDigest string `mapstructure:"header_digest" validate:"required,oneof=none crc32c" yaml:"header_digest"`

	// Session carries the default negotiated parameters new sessions
	// start with (spec.md §3 Session, §6).
	Session SessionDefaults `mapstructure:"session" yaml:"session"`
}

// SessionDefaults mirrors the negotiated parameters spec.md §3 lists on
// Session (C2+C3): initial_r2t, immediate_data, max_recv_data_length,
// max_xmit_data_length, max_burst_length, max_outstanding_r2t, plus
// max_queued_cmnds (the sequence-window size, §4.3).
type SessionDefaults struct {
	// InitialR2T requires the initiator to wait for R2T before sending
	// unsolicited write data.
	InitialR2T bool `mapstructure:"initial_r2t" yaml:"initial_r2t"`

	// ImmediateData permits unsolicited data on the SCSI-Cmd PDU itself.
	ImmediateData bool `mapstructure:"immediate_data" yaml:"immediate_data"`

	// MaxRecvDataSegmentLength bounds a single incoming data segment;
	// exceeding it is a connection-closing NegotiationViolation (§7).
	MaxRecvDataSegmentLength int `mapstructure:"max_recv_data_segment_length" validate:"required,min=512" yaml:"max_recv_data_segment_length"`

	// MaxXmitDataSegmentLength bounds a single outgoing data segment.
	MaxXmitDataSegmentLength int `mapstructure:"max_xmit_data_segment_length" validate:"required,min=512" yaml:"max_xmit_data_segment_length"`

	// MaxBurstLength bounds a single R2T-solicited or unsolicited burst.
	MaxBurstLength int `mapstructure:"max_burst_length" validate:"required,min=512" yaml:"max_burst_length"`

	// MaxOutstandingR2T bounds concurrently unacknowledged R2Ts per
	// write command (spec.md I3).
	MaxOutstandingR2T int `mapstructure:"max_outstanding_r2t" validate:"required,min=1" yaml:"max_outstanding_r2t"`

	// MaxQueuedCmnds is the CmdSN sequence-window size (spec.md §4.3).
	MaxQueuedCmnds int `mapstructure:"max_queued_cmnds" validate:"required,min=1" yaml:"max_queued_cmnds"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use an insecure (non-TLS) connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server
	// are enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// BackendConfig selects the SCSI backend (spec.md's BACKEND, §6) and its
// per-LUN store parameters. The core treats the backend as an external
// collaborator; only the reference in-memory backend is shipped here
// (internal/iscsi/backend/memblock, spec.md §1 Non-goals: "the backend
// block semantics").
type BackendConfig struct {
	// Type selects the backend implementation. Currently only
	// "memblock" (in-memory, for development and testing) is provided.
	Type string `mapstructure:"type" validate:"required,oneof=memblock" yaml:"type"`

	// LUNs lists the logical units the backend exposes.
	LUNs []LUNConfig `mapstructure:"luns" validate:"required,min=1,dive" yaml:"luns"`
}

// LUNConfig describes one logical unit backed by the memblock backend.
type LUNConfig struct {
	// ID is the logical unit number exposed to initiators.
	ID uint64 `mapstructure:"id" yaml:"id"`

	// SizeBytes is the capacity of the backing store in bytes.
	SizeBytes uint64 `mapstructure:"size_bytes" validate:"required,gt=0" yaml:"size_bytes"`

	// BlockSize is the logical block size in bytes. Default: 512.
	BlockSize int `mapstructure:"block_size" validate:"omitempty,min=512" yaml:"block_size"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ISCSIT_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when no
// config file exists at the given (or default) path.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  iscsitd init\n\n"+
				"Or specify a custom config file:\n"+
				"  iscsitd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  iscsitd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file
// search settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("ISCSIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns the combined mapstructure decode hook for
// duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "iscsitd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "iscsitd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
