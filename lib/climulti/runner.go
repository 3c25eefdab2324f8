// Package climulti runs many commands in parallel as independent worker
// processes and follows each of them through its PID file.
package climulti

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/coder/climulti/lib/logctx"
	"github.com/coder/climulti/lib/proctrack"
	"github.com/coder/climulti/lib/util"
)

const outputFileSuffix = ".output"

// OutputFilePath returns where the worker for identifier writes its output.
func OutputFilePath(dir, identifier string) string {
	return filepath.Join(dir, identifier+outputFileSuffix)
}

type Request struct {
	Command string
	Args    []string
	// Env is appended to the environment of the worker.
	Env []string
}

type Result struct {
	Identifier string
	Request    Request
	Output     string
	// Status is the tracker status observed when the runner stopped
	// waiting, before it cleaned up.
	Status   proctrack.Status
	TimedOut bool
	Duration time.Duration
	// Err is set when the worker could not be launched or its output could
	// not be collected.
	Err error
}

type Config struct {
	// Dir holds PID and output files. Defaults to proctrack.DefaultDir().
	Dir         string
	Concurrency int
	// Timeout is how long a worker may run before it is abandoned. Zero
	// waits forever.
	Timeout         time.Duration
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
	// StaleAfter removes leftover PID and output files older than this
	// before running. Zero keeps them.
	StaleAfter time.Duration
	Launcher   Launcher
	Fs         afero.Fs
	Clock      quartz.Clock
	Prober     proctrack.Prober
	// Logger receives construction warnings. Run logs through the logger
	// carried by its context.
	Logger *slog.Logger
}

type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Launcher == nil {
		return nil, xerrors.New("a launcher is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = proctrack.DefaultDir()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Timeout < 0 {
		return nil, xerrors.Errorf("timeout must not be negative, got %s", cfg.Timeout)
	}
	if cfg.MinPollInterval == 0 {
		cfg.MinPollInterval = 10 * time.Millisecond
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = 500 * time.Millisecond
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Prober == nil {
		cfg.Prober = proctrack.SystemProber()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if !cfg.Prober.Supported() && cfg.Timeout == 0 {
		// A worker that dies after reporting its pid is never seen as gone.
		cfg.Logger.Warn("Process liveness cannot be probed on this platform and no timeout is set, crashed workers will be waited on forever")
	}
	return &Runner{cfg: cfg}, nil
}

// Run launches one worker per request, at most Concurrency at a time, and
// waits for all of them. Results are in request order. The returned error
// is only set when ctx ends before every worker is done.
func (r *Runner) Run(ctx context.Context, requests []Request) ([]Result, error) {
	logger := logctx.From(ctx)
	if err := r.cfg.Fs.MkdirAll(r.cfg.Dir, 0o700); err != nil {
		return nil, xerrors.Errorf("failed to create directory %s: %w", r.cfg.Dir, err)
	}
	if r.cfg.StaleAfter > 0 {
		removed, err := CleanupStale(r.cfg.Fs, r.cfg.Dir, r.cfg.StaleAfter, r.cfg.Clock)
		if err != nil {
			logger.Warn("Failed to clean up stale files", "dir", r.cfg.Dir, "error", err)
		} else if removed > 0 {
			logger.Info("Removed stale files", "dir", r.cfg.Dir, "count", removed)
		}
	}

	results := make([]Result, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, req := range requests {
		g.Go(func() error {
			res, err := r.runOne(gctx, logger, req)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, logger *slog.Logger, req Request) (Result, error) {
	identifier := uuid.NewString()
	result := Result{Identifier: identifier, Request: req}
	logger = logger.With("identifier", identifier)

	tracker, err := proctrack.New(identifier, proctrack.Config{
		Dir:    r.cfg.Dir,
		Fs:     r.cfg.Fs,
		Clock:  r.cfg.Clock,
		Prober: r.cfg.Prober,
		Logger: logger,
	})
	if err != nil {
		result.Err = err
		return result, nil
	}
	if err := tracker.StartProcess(); err != nil {
		result.Err = err
		return result, nil
	}

	launchCtx, cancelLaunch := context.WithCancel(ctx)
	defer cancelLaunch()
	err = r.cfg.Launcher.Launch(launchCtx, LaunchSpec{
		Identifier: identifier,
		Dir:        r.cfg.Dir,
		OutputFile: OutputFilePath(r.cfg.Dir, identifier),
		Request:    req,
	})
	if err != nil {
		logger.Error("Failed to launch worker", "command", req.Command, "error", err)
		result.Err = xerrors.Errorf("failed to launch worker: %w", err)
		result.Status = proctrack.StatusFinished
		_ = tracker.FinishProcess()
		return result, nil
	}
	logger.Debug("Launched worker", "command", req.Command)

	// The tracker's age is the only clock for the timeout.
	err = util.Poll(ctx, util.Backoff{
		Min:   r.cfg.MinPollInterval,
		Max:   r.cfg.MaxPollInterval,
		Clock: r.cfg.Clock,
	}, func() (bool, error) {
		if tracker.Done() {
			return true, nil
		}
		if r.cfg.Timeout > 0 && tracker.Age() >= r.cfg.Timeout {
			result.TimedOut = true
			return true, nil
		}
		return false, nil
	})

	result.Status = tracker.Status()
	result.Duration = tracker.Age()
	if result.TimedOut {
		logger.Warn("Worker timed out, abandoning it", "timeout", r.cfg.Timeout)
		cancelLaunch()
	}
	if finishErr := tracker.FinishProcess(); finishErr != nil {
		logger.Error("Failed to remove PID file", "error", finishErr)
	}

	output, collectErr := r.collectOutput(identifier)
	result.Output = output
	if err != nil {
		// ctx ended first. The output collected so far is still returned and
		// its file removed.
		return result, err
	}
	if collectErr != nil && !result.TimedOut {
		result.Err = collectErr
	}
	return result, nil
}

func (r *Runner) collectOutput(identifier string) (string, error) {
	path := OutputFilePath(r.cfg.Dir, identifier)
	data, err := afero.ReadFile(r.cfg.Fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", xerrors.Errorf("failed to read output: %w", err)
	}
	if err := r.cfg.Fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return string(data), xerrors.Errorf("failed to remove output file: %w", err)
	}
	return string(data), nil
}
