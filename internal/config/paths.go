package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	appName        = "cloudbridge"
	configFileName = "config.toml"
	dbFileName     = "cloudbridge.db"
)

// DefaultConfigDir is $XDG_CONFIG_HOME/cloudbridge on Linux and
// ~/Library/Application Support/cloudbridge on macOS.
func DefaultConfigDir() string {
	return platformDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir holds the embedded account database.
func DefaultDataDir() string {
	return platformDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func platformDir(xdgVar, fallback string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if xdg := os.Getenv(xdgVar); xdg != "" && runtime.GOOS == "linux" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath is used when neither CLOUDBRIDGE_CONFIG nor --config is set.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultDBPath is the SQLite file used when storage.dsn is empty.
func DefaultDBPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return dbFileName
	}

	return filepath.Join(dir, dbFileName)
}
