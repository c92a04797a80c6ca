package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudbridge/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagLogLevel   string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg and resolvedPath hold the effective configuration loaded by
// PersistentPreRunE.
var (
	resolvedCfg  *config.Config
	resolvedPath string
)

// httpClientTimeout bounds CLI-side vendor calls. The server passes its own
// client with no overall timeout because large uploads run long.
const httpClientTimeout = 30 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// skipConfigCommands bootstrap the config file themselves.
var skipConfigCommands = map[string]bool{
	"cloudbridge config init": true,
	"cloudbridge keygen":      true,
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudbridge",
		Short:   "Conflict-aware uploads to Dropbox, OneDrive and SharePoint",
		Long:    "Uploads files to linked cloud accounts, forking a copy when someone else's edit landed first.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newAccountCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newKeygenCmd())

	return cmd
}

// loadConfig reads .env, then resolves defaults -> file -> environment ->
// flags into resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
	if err != nil {
		return fmt.Errorf("loading config %s: %w", path, err)
	}

	resolvedCfg, resolvedPath = cfg, path

	return nil
}

// cliOverrides passes only the flags the user actually set.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		level := flagLogLevel
		cli.LogLevel = &level
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		listen := f.Value.String()
		cli.Listen = &listen
	}

	return cli
}

// buildLogger creates the process logger. The config sets the baseline;
// --verbose and --quiet win because CLI flags always win.
func buildLogger() *slog.Logger {
	return newLogger(os.Stderr, isTerminal(os.Stderr))
}

func newLogger(w io.Writer, tty bool) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if resolvedCfg != nil {
		level = parseLevel(resolvedCfg.LogLevel)
		format = resolvedCfg.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !tty) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("Error:"), err)
	os.Exit(1)
}
