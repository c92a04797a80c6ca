package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudbridge/internal/config"
)

// newRootCmd binds flags with StringVar/BoolVar, which resets the globals.
// Tests either set globals after newRootCmd() or let cobra parse args.

// resetGlobals restores CLI state and clears CLOUDBRIDGE_* variables so
// the developer's environment cannot leak into a test.
func resetGlobals(t *testing.T) {
	t.Helper()

	for _, k := range []string{config.EnvConfig, config.EnvVaultKey, config.EnvJWTSecret, config.EnvStorageDSN} {
		t.Setenv(k, "")
	}

	oldCfg, oldPath := resolvedCfg, resolvedPath
	oldVerbose, oldQuiet, oldJSON := flagVerbose, flagQuiet, flagJSON

	t.Cleanup(func() {
		resolvedCfg, resolvedPath = oldCfg, oldPath
		flagVerbose, flagQuiet, flagJSON = oldVerbose, oldQuiet, oldJSON
		flagConfigPath, flagLogLevel = "", ""
	})
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

// --- logger ---

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name     string
		cfgLevel string
		verbose  bool
		quiet    bool
		enabled  slog.Level
		disabled slog.Level
	}{
		{"default info", "", false, false, slog.LevelInfo, slog.LevelDebug},
		{"config warn", "warn", false, false, slog.LevelWarn, slog.LevelInfo},
		{"config error", "error", false, false, slog.LevelError, slog.LevelWarn},
		{"verbose beats config", "error", true, false, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet beats config", "debug", false, true, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetGlobals(t)

			resolvedCfg = config.DefaultConfig()
			if tt.cfgLevel != "" {
				resolvedCfg.LogLevel = tt.cfgLevel
			}

			flagVerbose, flagQuiet = tt.verbose, tt.quiet

			h := newLogger(&bytes.Buffer{}, false).Handler()
			assert.True(t, h.Enabled(context.Background(), tt.enabled))
			assert.False(t, h.Enabled(context.Background(), tt.disabled))
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	tests := []struct {
		format string
		tty    bool
		json   bool
	}{
		{"auto", true, false},
		{"auto", false, true},
		{"json", true, true},
		{"text", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			resetGlobals(t)

			resolvedCfg = config.DefaultConfig()
			resolvedCfg.LogFormat = tt.format

			var buf bytes.Buffer
			newLogger(&buf, tt.tty).Info("hello", slog.String("user_id", "alice"))

			assert.Equal(t, tt.json, strings.HasPrefix(buf.String(), "{"), buf.String())
			assert.Contains(t, buf.String(), "alice")
		})
	}
}

func TestNewLogger_NoConfig(t *testing.T) {
	resetGlobals(t)
	resolvedCfg = nil

	var buf bytes.Buffer
	newLogger(&buf, true).Info("hello")

	assert.Contains(t, buf.String(), "level=INFO")
}

// --- commands ---

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}

	for _, want := range []string{"serve", "upload", "account", "config", "token", "keygen"} {
		assert.Contains(t, names, want)
	}
}

func TestConfigInit_ShowMasksSecrets(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.toml")

	_, err := execute(t, "--quiet", "--config", path, "config", "init")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Server.JWTSecret)
	require.Empty(t, config.CheckVaultKey(cfg))

	out, err := execute(t, "--quiet", "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "<redacted>")
	assert.NotContains(t, out, cfg.Server.JWTSecret)
	assert.NotContains(t, out, cfg.Vault.EncryptionKey)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o600))

	_, err := execute(t, "--quiet", "--config", path, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigCheck_NeedsVendor(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	_, err := execute(t, "--quiet", "--config", path, "config", "init")
	require.NoError(t, err)

	_, err = execute(t, "--quiet", "--config", path, "config", "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no vendor")
}

func TestLoadConfig_UnknownKeyFails(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_levle = \"debug\"\n"), 0o600))

	_, err := execute(t, "--config", path, "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "log_level"`)
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"warn\"\n"), 0o600))

	out, err := execute(t, "--quiet", "--config", path, "--log-level", "debug", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `log_level = "debug"`)
}

func TestTokenCmd_MintsVerifiableToken(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	_, err := execute(t, "--quiet", "--config", path, "config", "init")
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "token", "--user", "alice")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), &claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Server.JWTSecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	resetGlobals(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	_, err := execute(t, "--config", path, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestKeygen(t *testing.T) {
	resetGlobals(t)

	out, err := execute(t, "keygen")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Vault.EncryptionKey = strings.TrimSpace(out)
	assert.Empty(t, config.CheckVaultKey(cfg))
}
