package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvConfig     = "CLOUDBRIDGE_CONFIG"
	EnvVaultKey   = "CLOUDBRIDGE_VAULT_KEY"
	EnvJWTSecret  = "CLOUDBRIDGE_JWT_SECRET"
	EnvStorageDSN = "CLOUDBRIDGE_STORAGE_DSN"
)

// EnvOverrides holds values read from the environment. Secrets usually come
// from here rather than the config file.
type EnvOverrides struct {
	ConfigPath string
	VaultKey   string
	JWTSecret  string
	StorageDSN string
}

// ReadEnvOverrides reads the process environment.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		VaultKey:   os.Getenv(EnvVaultKey),
		JWTSecret:  os.Getenv(EnvJWTSecret),
		StorageDSN: os.Getenv(EnvStorageDSN),
	}
}

// LoadDotEnv loads KEY=value files into the environment without replacing
// variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}

		return fmt.Errorf("loading %s: %w", p, err)
	}

	return nil
}

func (e EnvOverrides) apply(cfg *Config) {
	if e.VaultKey != "" {
		cfg.Vault.EncryptionKey = e.VaultKey
	}

	if e.JWTSecret != "" {
		cfg.Server.JWTSecret = e.JWTSecret
	}

	if e.StorageDSN != "" {
		cfg.Storage.DSN = e.StorageDSN
	}
}
