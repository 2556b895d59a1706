package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. The first signal lets a drain in progress
// return with its current record still pending.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("Received signal, initiating graceful shutdown",
				"signal", sig.String(),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("Received second signal, forcing exit",
				"signal", sig.String(),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// drainOnSIGHUP calls drain for every SIGHUP until ctx is done. Other
// processes on the same database signal a running watch this way after a
// local write or a sync request. The handler is installed before it returns,
// so the caller can publish its PID right after.
func drainOnSIGHUP(ctx context.Context, drain func(), logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				logger.Debug("Received SIGHUP, requesting drain")
				drain()
			case <-ctx.Done():
				return
			}
		}
	}()
}
