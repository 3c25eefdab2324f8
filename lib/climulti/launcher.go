package climulti

import (
	"context"
	"os"
	"os/exec"
	"time"

	"golang.org/x/xerrors"

	"github.com/coder/climulti/lib/logctx"
)

// LaunchSpec describes one worker to start.
type LaunchSpec struct {
	Identifier string
	Dir        string
	OutputFile string
	Request    Request
}

// Launcher starts a worker without waiting for it. The worker reports
// back only through its PID file and output file.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) error
}

type LauncherFunc func(ctx context.Context, spec LaunchSpec) error

func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) error {
	return f(ctx, spec)
}

// ExecLauncher starts `climulti worker` as a child process wrapping the
// requested command. Cancelling the launch context interrupts the worker
// and kills it if it is still around after GracePeriod.
type ExecLauncher struct {
	// Executable is the climulti binary. Defaults to the running one.
	Executable  string
	GracePeriod time.Duration
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) error {
	logger := logctx.From(ctx)
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return xerrors.Errorf("failed to locate climulti executable: %w", err)
		}
	}

	args := append([]string{"worker", "--id", spec.Identifier, "--dir", spec.Dir, "--", spec.Request.Command}, spec.Request.Args...)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), spec.Request.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	if err := cmd.Start(); err != nil {
		return xerrors.Errorf("failed to start worker: %w", err)
	}
	// A dead child that is never reaped still answers signal 0, so
	// somebody has to wait for it.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("Worker exited", "identifier", spec.Identifier, "error", err)
		}
	}()
	return nil
}
