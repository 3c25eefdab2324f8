package run

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/coder/climulti/lib/climulti"
	"github.com/coder/climulti/lib/logctx"
)

const (
	FlagDir         = "dir"
	FlagConcurrency = "concurrency"
	FlagTimeout     = "timeout"
	FlagStaleAfter  = "stale-after"
	FlagShell       = "shell"
	FlagJSON        = "json"
	FlagVerbose     = "verbose"
)

type resultBody struct {
	Identifier string  `json:"identifier"`
	Command    string  `json:"command"`
	Status     string  `json:"status"`
	TimedOut   bool    `json:"timed_out"`
	Seconds    float64 `json:"seconds"`
	Output     string  `json:"output"`
	Error      string  `json:"error,omitempty"`
}

// parseCommands turns command lines into requests. With a shell every line
// is handed to it as a script, otherwise the line is split shell-style.
func parseCommands(lines []string, shell string) ([]climulti.Request, error) {
	requests := make([]climulti.Request, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if shell != "" {
			requests = append(requests, climulti.Request{Command: shell, Args: []string{"-c", line}})
			continue
		}
		words, err := shellwords.Parse(line)
		if err != nil {
			return nil, xerrors.Errorf("failed to parse command %q: %w", line, err)
		}
		if len(words) == 0 {
			continue
		}
		requests = append(requests, climulti.Request{Command: words[0], Args: words[1:]})
	}
	return requests, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("failed to read commands: %w", err)
	}
	return lines, nil
}

func commandLine(req climulti.Request) string {
	if len(req.Args) == 2 && req.Args[0] == "-c" {
		return req.Args[1]
	}
	return strings.Join(append([]string{req.Command}, req.Args...), " ")
}

// writeResults prints results and reports whether every command succeeded.
func writeResults(w io.Writer, results []climulti.Result, asJSON, stripEscapes bool) (bool, error) {
	ok := true
	bodies := make([]resultBody, 0, len(results))
	for _, res := range results {
		output := res.Output
		if stripEscapes {
			output = stripansi.Strip(output)
		}
		body := resultBody{
			Identifier: res.Identifier,
			Command:    commandLine(res.Request),
			Status:     string(res.Status),
			TimedOut:   res.TimedOut,
			Seconds:    res.Duration.Seconds(),
			Output:     output,
		}
		if res.Err != nil {
			body.Error = res.Err.Error()
		}
		if res.Err != nil || res.TimedOut {
			ok = false
		}
		bodies = append(bodies, body)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(bodies); err != nil {
			return ok, xerrors.Errorf("failed to encode results: %w", err)
		}
		return ok, nil
	}
	for i, body := range bodies {
		state := body.Status
		if body.TimedOut {
			state = "timed out"
		}
		fmt.Fprintf(w, "=== [%d] %s (%s, %.2fs)\n", i+1, body.Command, state, body.Seconds)
		if body.Error != "" {
			fmt.Fprintf(w, "error: %s\n", body.Error)
		}
		fmt.Fprint(w, body.Output)
		if body.Output != "" && !strings.HasSuffix(body.Output, "\n") {
			fmt.Fprintln(w)
		}
	}
	return ok, nil
}

func runCommands(ctx context.Context, v *viper.Viper, args []string) (bool, error) {
	lines := args
	if len(lines) == 0 {
		if isatty.IsTerminal(os.Stdin.Fd()) {
			return false, xerrors.New("no commands given, pass them as arguments or pipe them on stdin")
		}
		var err error
		if lines, err = readLines(os.Stdin); err != nil {
			return false, err
		}
	}
	requests, err := parseCommands(lines, v.GetString(FlagShell))
	if err != nil {
		return false, err
	}
	if len(requests) == 0 {
		return false, xerrors.New("no commands to run")
	}

	runner, err := climulti.NewRunner(climulti.Config{
		Dir:         v.GetString(FlagDir),
		Concurrency: v.GetInt(FlagConcurrency),
		Timeout:     v.GetDuration(FlagTimeout),
		StaleAfter:  v.GetDuration(FlagStaleAfter),
		Launcher:    &climulti.ExecLauncher{},
		Logger:      logctx.From(ctx),
	})
	if err != nil {
		return false, xerrors.Errorf("failed to create runner: %w", err)
	}
	results, err := runner.Run(ctx, requests)
	if err != nil {
		return false, xerrors.Errorf("failed to run commands: %w", err)
	}
	stripEscapes := !isatty.IsTerminal(os.Stdout.Fd())
	return writeResults(os.Stdout, results, v.GetBool(FlagJSON), stripEscapes)
}

type flagSpec struct {
	name         string
	shorthand    string
	defaultValue any
	usage        string
}

func CreateRunCmd() *cobra.Command {
	v := viper.New()
	runCmd := &cobra.Command{
		Use:   "run [command]...",
		Short: "Run commands in parallel and print their output",
		Long: `Run every command in its own worker process, at most --concurrency at a time,
and print the output of each one in order. Commands are read from stdin, one
per line, when none are given as arguments.`,
		Run: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if v.GetBool(FlagVerbose) {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			ctx, stop := signal.NotifyContext(logctx.WithLogger(context.Background(), logger), os.Interrupt)
			defer stop()
			ok, err := runCommands(ctx, v, args)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
			if !ok {
				os.Exit(1)
			}
		},
	}

	flagSpecs := []flagSpec{
		{FlagDir, "d", "", "Directory for PID and output files (defaults to a climulti directory under the system temp dir)"},
		{FlagConcurrency, "c", 3, "Maximum number of commands running at the same time"},
		{FlagTimeout, "t", time.Duration(0), "Abandon a command after this long (0 waits forever)"},
		{FlagStaleAfter, "", time.Duration(0), "Remove leftover PID and output files older than this before running (0 keeps them)"},
		{FlagShell, "s", "sh", "Shell that runs each command line. Empty splits the line into words instead"},
		{FlagJSON, "j", false, "Print results as JSON"},
		{FlagVerbose, "v", false, "Log worker lifecycle events to stderr"},
	}
	for _, spec := range flagSpecs {
		switch def := spec.defaultValue.(type) {
		case string:
			runCmd.Flags().StringP(spec.name, spec.shorthand, def, spec.usage)
		case int:
			runCmd.Flags().IntP(spec.name, spec.shorthand, def, spec.usage)
		case bool:
			runCmd.Flags().BoolP(spec.name, spec.shorthand, def, spec.usage)
		case time.Duration:
			runCmd.Flags().DurationP(spec.name, spec.shorthand, def, spec.usage)
		default:
			panic(fmt.Sprintf("unknown flag type %T for %s", spec.defaultValue, spec.name))
		}
		if err := v.BindPFlag(spec.name, runCmd.Flags().Lookup(spec.name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", spec.name, err))
		}
	}

	v.SetEnvPrefix("CLIMULTI")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	return runCmd
}
