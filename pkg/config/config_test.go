package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
target:
  name: "iqn.2026-07.com.blocktier:test"
backend:
  luns:
    - id: 0
      size_bytes: 1073741824
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	require.Equal(t, "INFO", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.Equal(t, "stdout", cfg.Logging.Output)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, "0.0.0.0:3260", cfg.Target.ListenAddr)
	require.Equal(t, 32, cfg.Target.Session.MaxQueuedCmnds)
	require.Equal(t, 1, cfg.Target.Session.MaxOutstandingR2T)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "memblock", cfg.Backend.Type)
	require.Len(t, cfg.Backend.LUNs, 1)
}

func TestMustLoad_MissingFileReturnsHelpfulError(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "configuration file not found")
}

func TestSaveConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := GetDefaultConfig()
	cfg.Target.Name = "iqn.2026-07.com.blocktier:roundtrip"

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "iqn.2026-07.com.blocktier:roundtrip", loaded.Target.Name)
}
