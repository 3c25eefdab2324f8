package server

import (
	"context"
	"log/slog"
	"os"
)

// beginShutdown is shared by all platforms. The server loop notices the
// cancelled context, stops the HTTP server and removes the PID file.
func beginShutdown(sig os.Signal, logger *slog.Logger, cancel context.CancelFunc) {
	logger.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)
	cancel()
}
