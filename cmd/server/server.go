package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/coder/climulti/lib/climulti"
	"github.com/coder/climulti/lib/httpapi"
	"github.com/coder/climulti/lib/logctx"
	"github.com/coder/climulti/lib/proctrack"
)

func runServer(ctx context.Context, logger *slog.Logger) error {
	dir := viper.GetString(FlagDir)
	if dir == "" {
		dir = proctrack.DefaultDir()
	}
	snapshotInterval := viper.GetDuration(FlagSnapshotInterval)
	if snapshotInterval <= 0 {
		return xerrors.Errorf("snapshot interval must be positive, got %s", snapshotInterval)
	}

	printOpenAPI := viper.GetBool(FlagPrintOpenAPI)
	pidFile := viper.GetString(FlagPidFile)
	if pidFile != "" && !printOpenAPI {
		unlock, err := writePIDFile(pidFile, logger)
		if err != nil {
			return xerrors.Errorf("failed to write PID file: %w", err)
		}
		defer unlock()
		defer cleanupPIDFile(pidFile, logger)
	}

	port := viper.GetInt(FlagPort)
	srv, err := httpapi.NewServer(ctx, httpapi.ServerConfig{
		Dir:              dir,
		Port:             port,
		AllowedOrigins:   viper.GetStringSlice(FlagAllowedOrigins),
		APIKey:           viper.GetString(FlagAPIKey),
		SnapshotInterval: snapshotInterval,
		ForgetAfter:      viper.GetDuration(FlagForgetAfter),
	})
	if err != nil {
		return xerrors.Errorf("failed to create server: %w", err)
	}
	if printOpenAPI {
		fmt.Println(srv.GetOpenAPI())
		return nil
	}

	if staleAfter := viper.GetDuration(FlagStaleAfter); staleAfter > 0 {
		removed, err := climulti.CleanupStale(afero.NewOsFs(), dir, staleAfter, quartz.NewReal())
		if err != nil {
			logger.Warn("Failed to clean up stale files", "dir", dir, "error", err)
		} else if removed > 0 {
			logger.Info("Removed stale files", "dir", dir, "count", removed)
		}
	}

	// Create a context for graceful shutdown
	gracefulCtx, gracefulCancel := context.WithCancel(ctx)
	defer gracefulCancel()

	// Setup signal handlers (they will call gracefulCancel)
	handleSignals(gracefulCtx, gracefulCancel, logger, srv)

	snapshots := srv.StartSnapshotLoop(gracefulCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		defer close(serverErrCh)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			return xerrors.Errorf("failed to start server: %w", err)
		}
	case <-gracefulCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP server", "error", err)
	}
	if err := snapshots.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Snapshot loop failed", "error", err)
	}
	return nil
}

// writePIDFile writes the current process ID to the specified file. A lock
// next to it keeps a second server from claiming the same PID file; the
// returned func releases it.
func writePIDFile(pidFile string, logger *slog.Logger) (func(), error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(pidFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Errorf("failed to create PID file directory: %w", err)
	}

	fileLock := flock.New(pidFile + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, xerrors.Errorf("failed to lock PID file: %w", err)
	}
	if !locked {
		return nil, xerrors.Errorf("another server holds %s", pidFile)
	}
	unlock := func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Error("Failed to release PID file lock", "pidFile", pidFile, "error", err)
		}
	}

	pid := os.Getpid()
	pidContent := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(pidFile, []byte(pidContent), 0o600); err != nil {
		unlock()
		return nil, xerrors.Errorf("failed to write PID file: %w", err)
	}

	logger.Info("Wrote PID file", "pidFile", pidFile, "pid", pid)
	return unlock, nil
}

// cleanupPIDFile removes the PID file if it exists
func cleanupPIDFile(pidFile string, logger *slog.Logger) {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		logger.Error("Failed to remove PID file", "pidFile", pidFile, "error", err)
	} else if err == nil {
		logger.Info("Removed PID file", "pidFile", pidFile)
	}
}

type flagSpec struct {
	name         string
	shorthand    string
	defaultValue any
	usage        string
	flagType     string
}

const (
	FlagDir              = "dir"
	FlagPort             = "port"
	FlagPrintOpenAPI     = "print-openapi"
	FlagAllowedOrigins   = "allowed-origins"
	FlagAPIKey           = "api-key"
	FlagSnapshotInterval = "snapshot-interval"
	FlagStaleAfter       = "stale-after"
	FlagForgetAfter      = "forget-after"
	FlagExit             = "exit"
	FlagPidFile          = "pid-file"
)

func CreateServerCmd() *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the status of the processes in a PID directory",
		Long:  "Serve an HTTP API and an event stream over the PID files written by climulti workers.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			// The --exit flag is used for testing validation of flags in the test suite
			if viper.GetBool(FlagExit) {
				return
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			if viper.GetBool(FlagPrintOpenAPI) {
				// We don't want log output here.
				logger = slog.New(logctx.DiscardHandler)
			}
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runServer(ctx, logger); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}

	flagSpecs := []flagSpec{
		{FlagDir, "d", "", "Directory holding the PID files (defaults to a climulti directory under the system temp dir)", "string"},
		{FlagPort, "p", 3284, "Port to run the server on", "int"},
		{FlagPrintOpenAPI, "P", false, "Print the OpenAPI schema to stdout and exit", "bool"},
		{FlagAllowedOrigins, "o", []string{"http://localhost:3284", "http://localhost:3000"}, "HTTP allowed origins. Use '*' for all, comma-separated list via flag, space-separated list via CLIMULTI_ALLOWED_ORIGINS env var", "stringSlice"},
		{FlagAPIKey, "k", "", "Require this bearer token on API routes", "string"},
		{FlagSnapshotInterval, "i", 500 * time.Millisecond, "How often the PID directory is rescanned", "duration"},
		{FlagStaleAfter, "", time.Duration(0), "Remove PID and output files older than this on startup (0 keeps them)", "duration"},
		{FlagForgetAfter, "", time.Duration(0), "Stop listing finished processes after this long (0 keeps them)", "duration"},
		{FlagPidFile, "", "", "Path to file where the server process ID will be written for shutdown scripts", "string"},
	}
	registerFlags(serverCmd, flagSpecs)

	serverCmd.Flags().Bool(FlagExit, false, "Exit immediately after parsing arguments")
	if err := serverCmd.Flags().MarkHidden(FlagExit); err != nil {
		panic(fmt.Sprintf("failed to mark flag %s as hidden: %v", FlagExit, err))
	}
	if err := viper.BindPFlag(FlagExit, serverCmd.Flags().Lookup(FlagExit)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", FlagExit, err))
	}

	viper.SetEnvPrefix("CLIMULTI")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	return serverCmd
}

func registerFlags(cmd *cobra.Command, flagSpecs []flagSpec) {
	for _, spec := range flagSpecs {
		switch spec.flagType {
		case "string":
			cmd.Flags().StringP(spec.name, spec.shorthand, spec.defaultValue.(string), spec.usage)
		case "int":
			cmd.Flags().IntP(spec.name, spec.shorthand, spec.defaultValue.(int), spec.usage)
		case "bool":
			cmd.Flags().BoolP(spec.name, spec.shorthand, spec.defaultValue.(bool), spec.usage)
		case "duration":
			cmd.Flags().DurationP(spec.name, spec.shorthand, spec.defaultValue.(time.Duration), spec.usage)
		case "stringSlice":
			cmd.Flags().StringSliceP(spec.name, spec.shorthand, spec.defaultValue.([]string), spec.usage)
		default:
			panic(fmt.Sprintf("unknown flag type: %s", spec.flagType))
		}
		if err := viper.BindPFlag(spec.name, cmd.Flags().Lookup(spec.name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", spec.name, err))
		}
	}
}
