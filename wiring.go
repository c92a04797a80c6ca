package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudbridge/internal/account"
	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/config"
	"github.com/tonimelisma/cloudbridge/internal/conflict"
	"github.com/tonimelisma/cloudbridge/internal/dropbox"
	"github.com/tonimelisma/cloudbridge/internal/graph"
	"github.com/tonimelisma/cloudbridge/internal/notify"
	"github.com/tonimelisma/cloudbridge/internal/resolver"
	"github.com/tonimelisma/cloudbridge/internal/retry"
	"github.com/tonimelisma/cloudbridge/internal/secret"
	"github.com/tonimelisma/cloudbridge/internal/upload"
	"github.com/tonimelisma/cloudbridge/internal/vault"
)

// errUnknownVendor is returned for a vendor name with no enabled adapter.
var errUnknownVendor = errors.New("vendor not configured")

// core is the object graph shared by serve, upload and account commands.
type core struct {
	store    *account.SQLStore
	registry *backend.Registry
	policy   *retry.Policy
	vault    *vault.Vault
	resolver *resolver.Resolver
	uploads  *upload.Orchestrator
	logger   *slog.Logger
}

// buildCore opens the store and wires the credential and upload layers.
// publisher receives outcomes; nil discards them.
func buildCore(
	ctx context.Context, cfg *config.Config, httpClient *http.Client,
	publisher upload.Publisher, logger *slog.Logger,
) (*core, error) {
	keys, err := buildKeyring(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	policy := retry.New(retryConfig(cfg), logger)
	registry := buildRegistry(cfg, httpClient, logger)

	namer := conflict.NewNamer(cfg.Conflict.ForkLabel)
	res := resolver.New(policy, namer, resolver.Config{
		NewSessionWorkflow: cfg.Conflict.NewSessionWorkflow,
		MaxNameAttempts:    cfg.Conflict.MaxNameAttempts,
	}, logger)

	v := vault.New(store, keys, registry, policy, vault.Config{
		ExpireMargin: cfg.Vault.ExpireMargin.Duration,
	}, logger)

	if publisher == nil {
		publisher = discardPublisher{}
	}

	orch := upload.New(upload.Deps{
		Credentials: v,
		Adapters:    registry,
		Policy:      policy,
		Detector:    conflict.NewDetector(namer, logger),
		Resolver:    res,
		Publisher:   publisher,
		Versions:    store,
		DedupTTL:    cfg.Conflict.DedupTTL.Duration,
		Logger:      logger,
	})

	return &core{
		store:    store,
		registry: registry,
		policy:   policy,
		vault:    v,
		resolver: res,
		uploads:  orch,
		logger:   logger,
	}, nil
}

// apply pushes reloadable settings into the running components.
func (c *core) apply(cfg *config.Config) {
	c.resolver.SetNewSessionWorkflow(cfg.Conflict.NewSessionWorkflow)
	c.vault.SetExpireMargin(cfg.Vault.ExpireMargin.Duration)
}

// Close drains background writes before closing the store.
func (c *core) Close() error {
	c.uploads.Wait()
	c.vault.Wait()

	return c.store.Close()
}

func buildKeyring(cfg *config.Config) (*secret.Keyring, error) {
	if errs := config.CheckVaultKey(cfg); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	primary, err := secret.ParseKey(cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("vault.encryption_key: %w", err)
	}

	retired := make([][]byte, 0, len(cfg.Vault.RetiredKeys))

	for i, k := range cfg.Vault.RetiredKeys {
		raw, err := secret.ParseKey(k)
		if err != nil {
			return nil, fmt.Errorf("vault.retired_keys[%d]: %w", i, err)
		}

		retired = append(retired, raw)
	}

	return secret.NewKeyring(primary, retired...)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*account.SQLStore, error) {
	dsn := cfg.Storage.DSN

	if cfg.Storage.Driver == config.DriverSQLite {
		if dsn == "" {
			dsn = config.DefaultDBPath()
		}

		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	return account.Open(ctx, cfg.Storage.Driver, dsn, logger)
}

func retryConfig(cfg *config.Config) retry.Config {
	return retry.Config{
		MaxRateLimited:    cfg.Retry.MaxRateLimitedAttempts,
		MaxTransient:      cfg.Retry.MaxTransientAttempts,
		DefaultBackoff:    cfg.Retry.DefaultBackoff.Duration,
		MaxBackoff:        cfg.Retry.MaxBackoff.Duration,
		RequestsPerSecond: cfg.Retry.RequestsPerSecond,
	}
}

// buildRegistry registers an adapter for every vendor with a client_id.
func buildRegistry(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *backend.Registry {
	reg := backend.NewRegistry()

	graphVendors := []struct {
		name string
		v    config.GraphVendor
	}{
		{backend.VendorOneDrive, cfg.Vendors.OneDrive},
		{backend.VendorSharePoint, cfg.Vendors.SharePoint},
	}

	for _, gv := range graphVendors {
		if !gv.v.Enabled() {
			continue
		}

		reg.Register(graph.NewAdapter(gv.name, graph.Config{
			ClientID:     gv.v.ClientID,
			ClientSecret: gv.v.ClientSecret,
			Tenant:       gv.v.Tenant,
			BaseURL:      gv.v.BaseURL,
		}, httpClient, logger))
	}

	if d := cfg.Vendors.Dropbox; d.Enabled() {
		reg.Register(dropbox.NewAdapter(dropbox.Config{
			ClientID:      d.ClientID,
			ClientSecret:  d.ClientSecret,
			PrivateFolder: d.PrivateFolder,
		}, httpClient, logger))
	}

	return reg
}

// linker is what "account link" needs from an adapter beyond backend.Adapter.
type linker interface {
	backend.Adapter
	OAuthConfig() *oauth2.Config
	Identify(ctx context.Context, accessToken string) (string, error)
}

// authCodeOptioner adapters add vendor parameters to the authorization URL.
type authCodeOptioner interface {
	AuthCodeOptions() []oauth2.AuthCodeOption
}

func linkerFor(reg *backend.Registry, vendor string) (linker, error) {
	a, err := reg.Get(vendor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (enabled: %v)", errUnknownVendor, vendor, reg.Vendors())
	}

	l, ok := a.(linker)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot link accounts", errUnknownVendor, vendor)
	}

	return l, nil
}

type discardPublisher struct{}

func (discardPublisher) Publish(string, string, string, *resolver.Outcome) {}

var _ upload.Publisher = (*notify.Notifier)(nil)
