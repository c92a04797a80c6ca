package config

import "time"

// Defaults for every key. The zero-config first run serves on loopback with
// an embedded SQLite store.
const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultListen          = "127.0.0.1:8080"
	defaultMaxUploadSize   = 100 * mebibyte
	defaultShutdownTimeout = 30 * time.Second
	defaultDriver          = DriverSQLite
	defaultExpireMargin    = 5 * time.Minute
	defaultRateAttempts    = 5
	defaultTransientTries  = 3
	defaultBackoff         = 2 * time.Second
	defaultMaxBackoff      = 60 * time.Second
	defaultForkLabel       = "conflicted copy"
	defaultNameAttempts    = 5
	defaultDedupTTL        = 10 * time.Minute
	defaultPublishTimeout  = 5 * time.Second
	defaultTenant          = "common"
	defaultGraphBaseURL    = "https://graph.microsoft.com/v1.0"
	defaultPrivateFolder   = "/Conflicted Copies"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		Server: ServerConfig{
			Listen:          defaultListen,
			MaxUploadSize:   defaultMaxUploadSize,
			ShutdownTimeout: Duration{defaultShutdownTimeout},
		},
		Storage: StorageConfig{Driver: defaultDriver},
		Vault:   VaultConfig{ExpireMargin: Duration{defaultExpireMargin}},
		Retry: RetryConfig{
			MaxRateLimitedAttempts: defaultRateAttempts,
			MaxTransientAttempts:   defaultTransientTries,
			DefaultBackoff:         Duration{defaultBackoff},
			MaxBackoff:             Duration{defaultMaxBackoff},
		},
		Conflict: ConflictConfig{
			NewSessionWorkflow: true,
			ForkLabel:          defaultForkLabel,
			MaxNameAttempts:    defaultNameAttempts,
			DedupTTL:           Duration{defaultDedupTTL},
		},
		Notify: NotifyConfig{PublishTimeout: Duration{defaultPublishTimeout}},
		Vendors: VendorsConfig{
			OneDrive:   GraphVendor{Tenant: defaultTenant, BaseURL: defaultGraphBaseURL},
			SharePoint: GraphVendor{Tenant: defaultTenant, BaseURL: defaultGraphBaseURL},
			Dropbox:    DropboxVendor{PrivateFolder: defaultPrivateFolder},
		},
	}
}
