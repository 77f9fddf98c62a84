package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings is the engine construction surface owned by the caller. The
// platform embedding this engine hands these over as plain values; nothing
// here is re-read after construction.
type Settings struct {
	ModelPath     string `yaml:"model_path"`
	Threads       int    `yaml:"threads"`
	ContextLength int    `yaml:"context_length"`
	Enabled       bool   `yaml:"enabled"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultSettings returns the settings used when no file or flags override
// them.
func DefaultSettings() Settings {
	return Settings{
		Threads:     0, // 0 means NumCPU
		Enabled:     true,
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}

// LoadSettings reads a YAML settings file over the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, s.Validate()
}

func (s *Settings) Validate() error {
	if s.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be >= 0)", s.Threads)
	}
	if s.ContextLength < 0 {
		return fmt.Errorf("invalid context_length: %d (must be >= 0)", s.ContextLength)
	}
	return nil
}
