package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ByteMirror/lockstep/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".lockstep"), nil
}

// Config represents the application configuration
type Config struct {
	// StoreDir is the directory holding the lock store files. Empty means
	// <config dir>/locks.
	StoreDir string `json:"store_dir"`
	// LockTTLSeconds is the default time-to-live applied to acquired locks.
	LockTTLSeconds int `json:"lock_ttl_seconds"`
	// MonitorIntervalSeconds is the sweep interval of the deadlock monitor.
	MonitorIntervalSeconds int `json:"monitor_interval_seconds"`
	// LoadCeiling forces serial execution when the 1-minute load average
	// exceeds it. Zero disables the check.
	LoadCeiling float64 `json:"load_ceiling"`
	// QueueTimeoutSeconds is the ceiling for a merge queue entry in
	// PRECHECKING or MERGING before it is expired.
	QueueTimeoutSeconds int `json:"queue_timeout_seconds"`
	// QueueTickSeconds is the pull-model advance interval for the merge queue.
	QueueTickSeconds int `json:"queue_tick_seconds"`
	// BackoffBaseMillis is the base delay for acquire retry backoff.
	BackoffBaseMillis int `json:"backoff_base_millis"`
	// BackoffCapMillis caps the acquire retry backoff delay.
	BackoffCapMillis int `json:"backoff_cap_millis"`
	// RulesFile points at the groups/rules declaration document.
	RulesFile string `json:"rules_file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LockTTLSeconds:         300,
		MonitorIntervalSeconds: 60,
		LoadCeiling:            8.0,
		QueueTimeoutSeconds:    600,
		QueueTickSeconds:       30,
		BackoffBaseMillis:      100,
		BackoffCapMillis:       5000,
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}

// StorePath resolves the lock store directory, falling back to the config dir.
func (c *Config) StorePath() (string, error) {
	if c.StoreDir != "" {
		return c.StoreDir, nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "locks"), nil
}
