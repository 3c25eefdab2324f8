//go:build !unix

package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/coder/climulti/lib/httpapi"
)

// handleSignals sets up signal handlers on platforms without POSIX signals.
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, _ *httpapi.Server) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			beginShutdown(sig, logger, cancel)
		case <-ctx.Done():
		}
	}()
}
