package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	minExpireMargin = 30 * time.Second
	minJWTSecretLen = 32
	minVaultKeyLen  = 32
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
	validDrivers    = []string{DriverSQLite, DriverPostgres}
)

// Validate checks the file-level values and reports every problem at once.
// Secrets may still be empty here; CheckServe enforces them for "serve".
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, oneOf("log_level", cfg.LogLevel, validLogLevels)...)
	errs = append(errs, oneOf("log_format", cfg.LogFormat, validLogFormats)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, oneOf("storage.driver", cfg.Storage.Driver, validDrivers)...)
	errs = append(errs, validateVault(&cfg.Vault)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateConflict(&cfg.Conflict)...)
	errs = append(errs, positive("notify.publish_timeout", cfg.Notify.PublishTimeout.Duration)...)
	errs = append(errs, validateGraph("vendors.onedrive", cfg.Vendors.OneDrive)...)
	errs = append(errs, validateGraph("vendors.sharepoint", cfg.Vendors.SharePoint)...)

	if p := cfg.Vendors.Dropbox.PrivateFolder; !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("vendors.dropbox.private_folder: must be an absolute path, got %q", p))
	}

	if cfg.Storage.Driver == DriverPostgres && cfg.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn: required for the postgres driver"))
	}

	return errors.Join(errs...)
}

// CheckServe verifies what only the server needs: a signing secret, a vault
// key and at least one vendor.
func CheckServe(cfg *Config) error {
	var errs []error

	if len(cfg.Server.JWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Errorf("server.jwt_secret: must be at least %d bytes (or set %s)", minJWTSecretLen, EnvJWTSecret))
	}

	errs = append(errs, CheckVaultKey(cfg)...)

	if !cfg.Vendors.OneDrive.Enabled() && !cfg.Vendors.SharePoint.Enabled() && !cfg.Vendors.Dropbox.Enabled() {
		errs = append(errs, errors.New("vendors: no vendor has a client_id"))
	}

	return errors.Join(errs...)
}

// CheckVaultKey verifies the encryption keys decode to usable lengths.
func CheckVaultKey(cfg *Config) []error {
	var errs []error

	if cfg.Vault.EncryptionKey == "" {
		return []error{fmt.Errorf("vault.encryption_key: required (or set %s)", EnvVaultKey)}
	}

	check := func(field, v string) {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: not base64: %w", field, err))
			return
		}

		if len(raw) < minVaultKeyLen {
			errs = append(errs, fmt.Errorf("%s: must decode to at least %d bytes, got %d", field, minVaultKeyLen, len(raw)))
		}
	}

	check("vault.encryption_key", cfg.Vault.EncryptionKey)

	for i, k := range cfg.Vault.RetiredKeys {
		check(fmt.Sprintf("vault.retired_keys[%d]", i), k)
	}

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: %w", err))
	}

	if s.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_size: must be > 0, got %d", s.MaxUploadSize))
	}

	if s.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.requests_per_second: must be >= 0, got %g", s.RequestsPerSecond))
	}

	if s.Burst < 0 {
		errs = append(errs, fmt.Errorf("server.burst: must be >= 0, got %d", s.Burst))
	}

	errs = append(errs, positive("server.shutdown_timeout", s.ShutdownTimeout.Duration)...)

	return errs
}

func validateVault(v *VaultConfig) []error {
	if v.ExpireMargin.Duration < minExpireMargin {
		return []error{fmt.Errorf("vault.expire_margin: must be >= %s, got %s", minExpireMargin, v.ExpireMargin)}
	}

	return nil
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxRateLimitedAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_rate_limited_attempts: must be >= 1, got %d", r.MaxRateLimitedAttempts))
	}

	if r.MaxTransientAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_transient_attempts: must be >= 1, got %d", r.MaxTransientAttempts))
	}

	errs = append(errs, positive("retry.default_backoff", r.DefaultBackoff.Duration)...)

	if r.MaxBackoff.Duration < r.DefaultBackoff.Duration {
		errs = append(errs, fmt.Errorf("retry.max_backoff: must be >= default_backoff (%s), got %s", r.DefaultBackoff, r.MaxBackoff))
	}

	if r.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("retry.requests_per_second: must be >= 0, got %g", r.RequestsPerSecond))
	}

	return errs
}

func validateConflict(c *ConflictConfig) []error {
	var errs []error

	if strings.TrimSpace(c.ForkLabel) == "" || strings.ContainsAny(c.ForkLabel, `/\()`) {
		errs = append(errs, fmt.Errorf("conflict.fork_label: must be non-empty without slashes or parentheses, got %q", c.ForkLabel))
	}

	if c.MaxNameAttempts < 1 {
		errs = append(errs, fmt.Errorf("conflict.max_name_attempts: must be >= 1, got %d", c.MaxNameAttempts))
	}

	errs = append(errs, positive("conflict.dedup_ttl", c.DedupTTL.Duration)...)

	return errs
}

func validateGraph(field string, v GraphVendor) []error {
	var errs []error

	if v.Tenant == "" {
		errs = append(errs, fmt.Errorf("%s.tenant: must not be empty", field))
	}

	if u, err := url.Parse(v.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("%s.base_url: must be an absolute URL, got %q", field, v.BaseURL))
	}

	return errs
}

func oneOf(field, value string, allowed []string) []error {
	if !slices.Contains(allowed, value) {
		return []error{fmt.Errorf("%s: must be one of %s; got %q", field, strings.Join(allowed, ", "), value)}
	}

	return nil
}

func positive(field string, d time.Duration) []error {
	if d <= 0 {
		return []error{fmt.Errorf("%s: must be > 0, got %s", field, d)}
	}

	return nil
}
