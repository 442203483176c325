package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_BackendLUNBlockSize(t *testing.T) {
	cfg := &Config{
		Backend: BackendConfig{
			LUNs: []LUNConfig{{ID: 0, SizeBytes: 4096}},
		},
	}
	ApplyDefaults(cfg)
	require.Equal(t, 512, cfg.Backend.LUNs[0].BlockSize)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Target: TargetConfig{
			Name:       "iqn.2026-07.com.blocktier:explicit",
			ListenAddr: "127.0.0.1:3261",
			Session: SessionDefaults{
				MaxOutstandingR2T: 4,
			},
		},
	}
	ApplyDefaults(cfg)

	require.Equal(t, "iqn.2026-07.com.blocktier:explicit", cfg.Target.Name)
	require.Equal(t, "127.0.0.1:3261", cfg.Target.ListenAddr)
	require.Equal(t, 4, cfg.Target.Session.MaxOutstandingR2T)
	require.Equal(t, 32, cfg.Target.Session.MaxQueuedCmnds, "unset fields still get defaults")
}

func TestGetDefaultConfig_PassesValidation(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))
}
