package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/coder/climulti/lib/climulti"
	"github.com/coder/climulti/lib/logctx"
)

var (
	identifierArg string
	dirArg        string
)

var WorkerCmd = &cobra.Command{
	Use:    "worker --id <identifier> [--dir <dir>] -- <command> [args...]",
	Short:  "Run a command on behalf of climulti run",
	Long:   `Run a command with its output captured in <dir>/<identifier>.output while reporting progress through <dir>/<identifier>.pid. Started by climulti run, not meant to be called directly.`,
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// Nobody reads the worker's stderr unless it is started by hand.
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		// An interrupt from the runner stops the wrapped command but still
		// removes the PID file.
		ctx, stop := signal.NotifyContext(logctx.WithLogger(context.Background(), logger), os.Interrupt)
		defer stop()
		err := climulti.RunWorker(ctx, climulti.WorkerConfig{
			Identifier: identifierArg,
			Dir:        dirArg,
			Command:    args[0],
			Args:       args[1:],
		})
		var exitErr *climulti.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			stop()
			os.Exit(exitErr.Code)
		default:
			stop()
			fmt.Fprintf(os.Stderr, "%+v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	WorkerCmd.Flags().StringVar(&identifierArg, "id", "", "Identifier of the PID and output files")
	WorkerCmd.Flags().StringVarP(&dirArg, "dir", "d", "", "Directory for the PID and output files")
	if err := WorkerCmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("failed to mark flag id as required: %v", err))
	}
}
