// Package secureenv builds the environment passed to local MCP server
// processes, inheriting only an allow-list of system variables and flagging
// secret-like keys so they never reach logs in plaintext.
package secureenv

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

const osWindows = "windows"

// EnvConfig controls which system variables a child process inherits.
type EnvConfig struct {
	InheritSystemSafe bool              `json:"inherit_system_safe"`
	AllowedSystemVars []string          `json:"allowed_system_vars"`
	CustomVars        map[string]string `json:"custom_vars"`
}

// DefaultEnvConfig allows only variables a stdio MCP server genuinely needs.
func DefaultEnvConfig() *EnvConfig {
	allowed := []string{
		"PATH", "HOME", "TMPDIR", "TEMP", "TMP",
		"SHELL", "TERM", "LANG", "USER", "USERNAME",
	}
	if runtime.GOOS == osWindows {
		allowed = append(allowed,
			"USERPROFILE", "APPDATA", "LOCALAPPDATA", "SYSTEMROOT", "COMSPEC")
	} else {
		allowed = append(allowed,
			"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME", "XDG_RUNTIME_DIR")
	}
	return &EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowed,
		CustomVars:        make(map[string]string),
	}
}

// Manager handles secure environment variable filtering.
type Manager struct {
	config *EnvConfig
}

// NewManager creates a manager; nil config means defaults.
func NewManager(config *EnvConfig) *Manager {
	if config == nil {
		config = DefaultEnvConfig()
	}
	return &Manager{config: config}
}

// BuildEnvironment returns the merged environment for a child process:
// allow-listed system variables overlaid with custom ones.
func (m *Manager) BuildEnvironment() []string {
	env := make(map[string]string)

	if m.config.InheritSystemSafe {
		for _, name := range m.config.AllowedSystemVars {
			if value, ok := os.LookupEnv(name); ok {
				env[name] = value
			}
		}
	}
	for k, v := range m.config.CustomVars {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

var secretKeyMarkers = []string{
	"TOKEN", "SECRET", "KEY", "PASSWORD", "PASSWD", "CREDENTIAL", "AUTH",
}

// IsSecretKey reports whether an env variable name looks like it carries a
// credential. Used by logging to mask values.
func IsSecretKey(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// MaskValue replaces all but the first three characters of a secret.
func MaskValue(value string) string {
	if len(value) <= 3 {
		return "***"
	}
	return value[:3] + strings.Repeat("*", 5)
}
