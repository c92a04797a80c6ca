// Package config loads cloudbridge's TOML configuration through the chain
// defaults -> file -> environment -> CLI flags, rejects unknown keys, and
// validates every section in one pass.
package config

import (
	"fmt"
	"time"
)

// Config is the whole configuration file.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Vault    VaultConfig    `toml:"vault"`
	Retry    RetryConfig    `toml:"retry"`
	Conflict ConflictConfig `toml:"conflict"`
	Notify   NotifyConfig   `toml:"notify"`
	Vendors  VendorsConfig  `toml:"vendors"`
}

// ServerConfig is the HTTP surface of "cloudbridge serve".
type ServerConfig struct {
	Listen        string   `toml:"listen"`
	JWTSecret     string   `toml:"jwt_secret"`
	JWTIssuer     string   `toml:"jwt_issuer"`
	MaxUploadSize Size     `toml:"max_upload_size"`
	SpoolDir      string   `toml:"spool_dir"`
	OriginPattern []string `toml:"origin_patterns"`

	// Per-caller pacing; zero disables it.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`

	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// StorageConfig selects the account store.
type StorageConfig struct {
	Driver string `toml:"driver"` // sqlite or postgres
	DSN    string `toml:"dsn"`
}

// VaultConfig tunes credential handling.
type VaultConfig struct {
	ExpireMargin  Duration `toml:"expire_margin"`
	EncryptionKey string   `toml:"encryption_key"`
	RetiredKeys   []string `toml:"retired_keys"`
}

// RetryConfig bounds retries of vendor calls.
type RetryConfig struct {
	MaxRateLimitedAttempts int      `toml:"max_rate_limited_attempts"`
	MaxTransientAttempts   int      `toml:"max_transient_attempts"`
	DefaultBackoff         Duration `toml:"default_backoff"`
	MaxBackoff             Duration `toml:"max_backoff"`
	RequestsPerSecond      float64  `toml:"requests_per_second"`
}

// ConflictConfig tunes detection and forking.
type ConflictConfig struct {
	NewSessionWorkflow bool     `toml:"new_session_workflow"`
	ForkLabel          string   `toml:"fork_label"`
	MaxNameAttempts    int      `toml:"max_name_attempts"`
	DedupTTL           Duration `toml:"dedup_ttl"`
}

// NotifyConfig tunes outcome notifications.
type NotifyConfig struct {
	PublishTimeout Duration `toml:"publish_timeout"`
}

// VendorsConfig holds one section per supported vendor.
type VendorsConfig struct {
	OneDrive   GraphVendor   `toml:"onedrive"`
	SharePoint GraphVendor   `toml:"sharepoint"`
	Dropbox    DropboxVendor `toml:"dropbox"`
}

// GraphVendor is an Azure AD application talking to Microsoft Graph.
type GraphVendor struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Tenant       string `toml:"tenant"`
	BaseURL      string `toml:"base_url"`
}

// Enabled reports whether the vendor is configured.
func (v GraphVendor) Enabled() bool {
	return v.ClientID != ""
}

// DropboxVendor is a Dropbox app.
type DropboxVendor struct {
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	PrivateFolder string `toml:"private_folder"`
}

// Enabled reports whether the vendor is configured.
func (v DropboxVendor) Enabled() bool {
	return v.ClientID != ""
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}

	d.Duration = v

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Size is a byte count written with an optional SI or IEC suffix ("100MiB").
type Size int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	n, err := ParseSize(string(text))
	if err != nil {
		return err
	}

	*s = Size(n)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(FormatSize(int64(s))), nil
}

// CLIOverrides are flag values; nil pointers were not given.
type CLIOverrides struct {
	ConfigPath string
	LogLevel   *string
	Listen     *string
}
