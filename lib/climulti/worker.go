package climulti

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/coder/climulti/lib/logctx"
	"github.com/coder/climulti/lib/proctrack"
)

type WorkerConfig struct {
	Identifier string
	Dir        string
	Command    string
	Args       []string
	Fs         afero.Fs
}

// ExitError reports that the wrapped command exited with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// RunWorker is the worker side of the PID file protocol: it marks the
// process started, reports its own pid, runs the command with its output
// captured in the output file and removes the PID file once the output is
// complete.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	logger := logctx.From(ctx)
	if cfg.Command == "" {
		return xerrors.New("no command to run")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Dir == "" {
		cfg.Dir = proctrack.DefaultDir()
	}
	tracker, err := proctrack.New(cfg.Identifier, proctrack.Config{
		Dir:    cfg.Dir,
		Fs:     cfg.Fs,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := tracker.StartProcess(); err != nil {
		return err
	}
	defer func() {
		if err := tracker.FinishProcess(); err != nil {
			logger.Error("Failed to remove PID file", "pidFile", tracker.PidFilePath(), "error", err)
		}
	}()
	if err := tracker.ReportPID(os.Getpid()); err != nil {
		return err
	}

	out, err := cfg.Fs.OpenFile(OutputFilePath(cfg.Dir, cfg.Identifier), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return xerrors.Errorf("failed to create output file: %w", err)
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Stdout = out
	cmd.Stderr = out
	runErr := cmd.Run()
	if err := out.Close(); err != nil {
		return xerrors.Errorf("failed to close output file: %w", err)
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return nil
	case errors.As(runErr, &exitErr) && exitErr.ExitCode() > 0:
		return &ExitError{Code: exitErr.ExitCode()}
	default:
		return xerrors.Errorf("failed to run %s: %w", cfg.Command, runErr)
	}
}
