package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cloudbridge/internal/config"
	"github.com/tonimelisma/cloudbridge/internal/httpapi"
	"github.com/tonimelisma/cloudbridge/internal/notify"
)

// readHeaderTimeout bounds slow-loris clients; bodies may legitimately be
// slow, so only the header read is capped.
const readHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload and credential HTTP API",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides server.listen)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	if err := config.CheckServe(cfg); err != nil {
		return fmt.Errorf("config %s is not ready to serve: %w", resolvedPath, err)
	}

	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	hub := notify.NewHub(cfg.Server.OriginPattern, httpapi.UserID, logger)
	notifier := notify.New(hub, cfg.Notify.PublishTimeout.Duration, logger)

	// Uploads run as long as the body takes; per-request contexts bound them.
	c, err := buildCore(ctx, cfg, &http.Client{}, notifier, logger)
	if err != nil {
		return err
	}

	defer func() {
		notifier.Wait()

		if cerr := c.Close(); cerr != nil {
			logger.Warn("closing account store", slog.String("error", cerr.Error()))
		}
	}()

	api := httpapi.New(httpapi.Config{
		JWTSecret:         []byte(cfg.Server.JWTSecret),
		Issuer:            cfg.Server.JWTIssuer,
		MaxUploadSize:     int64(cfg.Server.MaxUploadSize),
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		SpoolDir:          cfg.Server.SpoolDir,
	}, c.uploads, hub, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	holder := config.NewHolder(cfg, resolvedPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("serving",
			slog.String("listen", cfg.Server.Listen),
			slog.Any("vendors", c.registry.Vendors()),
			slog.String("version", version),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		logger.Info("shutting down", slog.Duration("timeout", cfg.Server.ShutdownTimeout.Duration))

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return watchConfig(gctx, holder, c, logger)
	})

	return g.Wait()
}

// watchConfig hot-reloads the settings that are safe to change under load.
// A missing watcher is logged and ignored so serve still runs on platforms
// without inotify support.
func watchConfig(ctx context.Context, holder *config.Holder, c *core, logger *slog.Logger) error {
	w, err := config.NewFsWatcher()
	if err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		return nil
	}

	load := func() (*config.Config, error) {
		cfg, _, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: holder.Path()})
		return cfg, err
	}

	err = holder.Watch(ctx, w, load, c.apply, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("config watcher stopped", slog.String("error", err.Error()))
	}

	return nil
}
