package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var errInterrupted = errors.New("interrupted")

// exitFunc ends the process on a repeated signal. Tests override it.
var exitFunc = os.Exit

// shutdownContext is canceled by the first SIGINT or SIGTERM. Uploads and
// token writes already started keep running; serve stops accepting new
// requests. A second signal exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return drainOnSignal(parent, sigCh, func() { signal.Stop(sigCh) }, logger)
}

// drainOnSignal cancels the returned context, with errInterrupted as cause,
// on the first value from sigs and calls exitFunc on the second. stop runs
// once the watcher is done.
func drainOnSignal(parent context.Context, sigs <-chan os.Signal, stop func(), logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		defer stop()

		for received := 0; ; {
			select {
			case <-parent.Done():
				return
			case sig := <-sigs:
				received++

				if received == 1 {
					logger.Info("stopping, interrupt again to exit now", slog.String("signal", sig.String()))
					cancel(fmt.Errorf("%w by %s", errInterrupted, sig))

					continue
				}

				logger.Warn("exiting without draining", slog.String("signal", sig.String()))
				exitFunc(1)

				return
			}
		}
	}()

	return ctx
}
