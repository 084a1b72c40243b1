package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment variables that carry secrets. They override both defaults
// and the config file so secrets never have to live on disk.
const (
	envDBDSN  = "DEVMESH_DB_DSN"
	envAPIKey = "DEVMESH_API_KEY"
)

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then DEVMESH_* environment variables. The result is
// not yet validated; callers apply flag overrides first and then call
// Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
		if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
			return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays secret-bearing environment variables.
func applyEnv(cfg *Config) {
	if dsn := os.Getenv(envDBDSN); dsn != "" {
		cfg.DB.DSN = dsn
	}
	if key := os.Getenv(envAPIKey); key != "" {
		cfg.Server.APIKey = key
	}
}
