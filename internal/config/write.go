package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	configFilePermissions = 0o600 // holds secrets
	configDirPermissions  = 0o755
)

// configTemplate lists every section with its defaults commented out so
// operators can discover options without reading docs.
const configTemplate = `# cloudbridge configuration

# log_level = "info"          # debug, info, warn, error
# log_format = "auto"         # auto, text, json

[server]
# listen = "127.0.0.1:8080"
jwt_secret = "{{jwt_secret}}"
# max_upload_size = "100MiB"
# requests_per_second = 0     # per caller; 0 disables pacing

[storage]
# driver = "sqlite"           # sqlite, postgres
# dsn = ""                    # empty sqlite DSN uses the data directory

[vault]
encryption_key = "{{encryption_key}}"
# retired_keys = []
# expire_margin = "5m"

[retry]
# max_rate_limited_attempts = 5
# max_transient_attempts = 3
# default_backoff = "2s"
# max_backoff = "60s"

[conflict]
# new_session_workflow = true
# fork_label = "conflicted copy"

[notify]
# publish_timeout = "5s"

[vendors.onedrive]
# client_id = ""
# tenant = "common"

[vendors.sharepoint]
# client_id = ""
# tenant = "common"

[vendors.dropbox]
# client_id = ""
# client_secret = ""
# private_folder = "/Conflicted Copies"
`

// CreateConfig writes a starter config file with freshly generated secrets.
// It refuses to overwrite an existing file.
func CreateConfig(path, jwtSecret, encryptionKey string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	content := strings.NewReplacer(
		"{{jwt_secret}}", jwtSecret,
		"{{encryption_key}}", encryptionKey,
	).Replace(configTemplate)

	return atomicWriteFile(path, []byte(content))
}

// atomicWriteFile writes through a temp file in the target directory and
// renames it into place so a crash never leaves a partial config.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Chmod(configFilePermissions); err != nil {
		f.Close()
		os.Remove(tmp)

		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
