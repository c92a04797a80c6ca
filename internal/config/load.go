package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load parses and validates the file at path. Unknown keys are fatal.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(md.Undecoded()); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault returns the defaults when no file exists at path.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ConfigPath picks the file: CLI flag, then environment, then the default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	switch {
	case cli.ConfigPath != "":
		return cli.ConfigPath
	case env.ConfigPath != "":
		return env.ConfigPath
	default:
		return DefaultConfigPath()
	}
}

// Resolve applies defaults -> file -> environment -> CLI flags and validates
// the merged result.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	path := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, path, err
	}

	env.apply(cfg)

	if cli.LogLevel != nil {
		cfg.LogLevel = *cli.LogLevel
	}

	if cli.Listen != nil {
		cfg.Server.Listen = *cli.Listen
	}

	if err := Validate(cfg); err != nil {
		return nil, path, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, path, nil
}
