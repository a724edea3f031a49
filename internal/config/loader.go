package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the yaml config at path, expands ${ENV} references, applies the
// environment overlay and defaults, and validates. A missing path yields the
// default configuration filled from the environment alone.
func Load(path string, env Env) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			parsed, err := parse([]byte(os.ExpandEnv(string(data))))
			if err != nil {
				return nil, err
			}
			cfg = parsed
		}
	}
	cfg.ApplyEnv(env)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}
