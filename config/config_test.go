package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/lockstep/log"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 300, cfg.LockTTLSeconds)
	assert.Equal(t, 60, cfg.MonitorIntervalSeconds)
	assert.Equal(t, 8.0, cfg.LoadCeiling)
	assert.Equal(t, 600, cfg.QueueTimeoutSeconds)
	assert.Equal(t, 100, cfg.BackoffBaseMillis)
	assert.Equal(t, 5000, cfg.BackoffCapMillis)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := LoadConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig(), cfg)

	configDir, err := GetConfigDir()
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(configDir, ConfigFileName))
	assert.NoError(t, err, "first load writes the default config to disk")
}

func TestLoadConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.LockTTLSeconds = 42
	cfg.RulesFile = "/etc/lockstep/rules.yaml"
	require.NoError(t, SaveConfig(cfg))

	loaded := LoadConfig()
	assert.Equal(t, 42, loaded.LockTTLSeconds)
	assert.Equal(t, "/etc/lockstep/rules.yaml", loaded.RulesFile)
}

func TestLoadConfigMalformedFallsBack(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	configDir, err := GetConfigDir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte("{not json"), 0644))

	cfg := LoadConfig()
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestStorePath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.StoreDir = "/var/lib/lockstep"
	path, err := cfg.StorePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/lockstep", path)

	cfg.StoreDir = ""
	path, err = cfg.StorePath()
	require.NoError(t, err)
	configDir, err := GetConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(configDir, "locks"), path)
}

func TestConfigJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(DefaultConfig())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "lock_ttl_seconds")
	assert.Contains(t, raw, "load_ceiling")
	assert.Contains(t, raw, "queue_timeout_seconds")
}
