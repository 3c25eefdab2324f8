//go:build unix

package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/climulti/lib/httpapi"
)

// handleSignals sets up signal handlers for:
// - SIGTERM, SIGINT, SIGHUP: stop the server
// - SIGUSR1: rescan the PID directory immediately
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, srv *httpapi.Server) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			beginShutdown(sig, logger, cancel)
		case <-ctx.Done():
		}
	}()

	refreshCh := make(chan os.Signal, 1)
	signal.Notify(refreshCh, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(refreshCh)
		for {
			select {
			case <-refreshCh:
				logger.Info("Received SIGUSR1, rescanning PID directory")
				srv.Refresh()
			case <-ctx.Done():
				return
			}
		}
	}()
}
