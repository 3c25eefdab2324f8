package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coder/climulti/cmd/run"
	"github.com/coder/climulti/cmd/server"
	"github.com/coder/climulti/cmd/status"
	"github.com/coder/climulti/cmd/watch"
	"github.com/coder/climulti/cmd/worker"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "climulti",
	Short:   "Run commands in parallel and track them through PID files",
	Long:    "Run commands in parallel as independent worker processes and follow each of them through a PID file.",
	Version: version,
}

func main() {
	rootCmd.AddCommand(server.CreateServerCmd())
	rootCmd.AddCommand(run.CreateRunCmd())
	rootCmd.AddCommand(status.CreateStatusCmd())
	rootCmd.AddCommand(watch.WatchCmd)
	rootCmd.AddCommand(worker.WorkerCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
