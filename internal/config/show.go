package config

import (
	"io"

	"github.com/BurntSushi/toml"
)

const redacted = "<redacted>"

// RenderEffective writes cfg as TOML with secrets masked. It backs
// "cloudbridge config show".
func RenderEffective(cfg *Config, w io.Writer) error {
	c := *cfg

	c.Server.JWTSecret = mask(c.Server.JWTSecret)
	c.Vault.EncryptionKey = mask(c.Vault.EncryptionKey)
	c.Vault.RetiredKeys = make([]string, len(cfg.Vault.RetiredKeys))

	for i := range c.Vault.RetiredKeys {
		c.Vault.RetiredKeys[i] = redacted
	}

	c.Vendors.OneDrive.ClientSecret = mask(c.Vendors.OneDrive.ClientSecret)
	c.Vendors.SharePoint.ClientSecret = mask(c.Vendors.SharePoint.ClientSecret)
	c.Vendors.Dropbox.ClientSecret = mask(c.Vendors.Dropbox.ClientSecret)

	if c.Storage.DSN != "" && c.Storage.Driver == DriverPostgres {
		c.Storage.DSN = redacted
	}

	return toml.NewEncoder(w).Encode(c)
}

func mask(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}
