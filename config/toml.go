package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// LoadConfig reads the configuration from the root directory, applying
// defaults for anything the file omits. A missing file yields the defaults.
func LoadConfig(root string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(root)
	v.AddConfigPath(filepath.Join(root, "config"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.SetRoot(root)
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}

	return cfg, nil
}
