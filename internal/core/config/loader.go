package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Keys the file omits keep their
// defaults; ${VAR} references are expanded from the environment first.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration. See Load.
func Parse(data []byte) (*AppConfig, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.UnmarshalStrict([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it is set, and returns the defaults otherwise.
func LoadOrDefault(path string) (*AppConfig, error) {
	if path == "" {
		cfg := Default()
		return &cfg, nil
	}
	return Load(path)
}
