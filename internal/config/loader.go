package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional JSON file, MCPB_* environment
// variables and any flags already bound into viper, layered over defaults.
func Load(configPath string) (*Config, error) {
	setupViper()

	cfg := Default()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	} else {
		// Look for mcpbroker.json next to the data dir default.
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.mcpbroker")
		}
		viper.SetConfigName("mcpbroker")
		viper.SetConfigType("json")
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func setupViper() {
	viper.SetEnvPrefix("MCPB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
