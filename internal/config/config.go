// Package config loads run configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the run configuration for the tarsier CLI.
type Config struct {
	// Debug enables verbose shim logging.
	Debug bool `yaml:"debug"`

	// MaxInstructions caps a run; 0 means unlimited.
	MaxInstructions uint64 `yaml:"max_instructions"`

	// InstallFallbacks installs return-0 stubs for unknown imports.
	InstallFallbacks bool `yaml:"install_fallbacks"`

	// NoColor disables ANSI colors in trace output.
	NoColor bool `yaml:"no_color"`

	// Imports maps symbol names to guest addresses to hook, for raw
	// images that carry no import table of their own.
	Imports map[string]uint64 `yaml:"imports"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		InstallFallbacks: true,
	}
}

// Load reads and parses a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Strict decoding: a typoed key is an error, not silence.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
