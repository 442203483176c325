package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyTargetDefaults(&cfg.Target)
	applyMetricsDefaults(&cfg.Metrics)
	applyBackendDefaults(&cfg.Backend)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyTargetDefaults sets listen address, digest, and negotiated
// session defaults.
func applyTargetDefaults(cfg *TargetConfig) {
	if cfg.Name == "" {
		cfg.Name = "iqn.2026-07.com.blocktier:target0"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:3260"
	}
	if cfg.MaxConnectionsPerSession == 0 {
		cfg.MaxConnectionsPerSession = 1
	}
	if cfg.DataDigest == "" {
		cfg.DataDigest = "none"
	}
	if cfg.HeaderDigest == "" {
		cfg.HeaderDigest = "none"
	}

	applySessionDefaults(&cfg.Session)
}

// applySessionDefaults sets defaults for negotiated session parameters
// (spec.md §3, §6).
func applySessionDefaults(cfg *SessionDefaults) {
	// InitialR2T and ImmediateData default to their zero values (false);
	// RFC 3720 defaults are InitialR2T=Yes, ImmediateData=Yes, but the
	// core treats these purely as read-only inputs from negotiation, so
	// a conservative explicit default is used here instead.
	if cfg.MaxRecvDataSegmentLength == 0 {
		cfg.MaxRecvDataSegmentLength = 65536 // RFC 3720 default (bytes).
	}
	if cfg.MaxXmitDataSegmentLength == 0 {
		cfg.MaxXmitDataSegmentLength = 65536
	}
	if cfg.MaxBurstLength == 0 {
		cfg.MaxBurstLength = 262144 // RFC 3720 default (bytes).
	}
	if cfg.MaxOutstandingR2T == 0 {
		cfg.MaxOutstandingR2T = 1
	}
	if cfg.MaxQueuedCmnds == 0 {
		cfg.MaxQueuedCmnds = 32
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyBackendDefaults sets backend defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "memblock"
	}
	for i := range cfg.LUNs {
		if cfg.LUNs[i].BlockSize == 0 {
			cfg.LUNs[i].BlockSize = 512
		}
	}
}

// GetDefaultConfig returns a Config struct with all default values
// applied, including a single development LUN. Useful for generating
// sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Backend: BackendConfig{
			LUNs: []LUNConfig{
				{ID: 0, SizeBytes: 1 << 30}, // 1 GiB
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
