// Package config defines the broker's configuration and its loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcpbroker/mcpbroker-go/internal/logs"
	"github.com/mcpbroker/mcpbroker-go/internal/secureenv"
)

// Default OAuth callback listener settings. The port must be registered
// with upstream providers when dynamic registration is not used.
const (
	DefaultCallbackPort = 42424
	CallbackPath        = "/oauth/callback"
)

// Config is the top-level broker configuration.
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// Environment configuration for secure variable filtering of local
	// server processes.
	Environment *secureenv.EnvConfig `json:"environment,omitempty" mapstructure:"environment"`

	// Logging configuration
	Logging *logs.Config `json:"logging,omitempty" mapstructure:"logging"`

	// OAuth flow settings
	CallbackPort int `json:"callback_port" mapstructure:"callback-port"`

	// Governance settings
	KeyRotationDays  int `json:"key_rotation_days" mapstructure:"key-rotation-days"`
	AuditRetainDays  int `json:"audit_retain_days" mapstructure:"audit-retain-days"`
	DailyBackupsKept int `json:"daily_backups_kept" mapstructure:"daily-backups-kept"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment:      secureenv.DefaultEnvConfig(),
		Logging:          logs.DefaultConfig(),
		CallbackPort:     DefaultCallbackPort,
		KeyRotationDays:  90,
		AuditRetainDays:  90,
		DailyBackupsKept: 7,
	}
}

// ResolveDataDir returns the configured data directory, defaulting to
// ~/.mcpbroker, and ensures it exists.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".mcpbroker")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// RedirectURI builds the loopback redirect for the configured port.
func (c *Config) RedirectURI() string {
	port := c.CallbackPort
	if port == 0 {
		port = DefaultCallbackPort
	}
	return fmt.Sprintf("http://localhost:%d%s", port, CallbackPath)
}
