// Package proctrack tracks the lifecycle of processes that were launched
// out-of-band, using a PID file as the only channel between the
// coordinator and the worker.
package proctrack

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// MaxContentLength is the largest PID file, in bytes, that is still
// trusted. Anything bigger is treated as a corrupted marker.
const MaxContentLength = 500

const pidFileSuffix = ".pid"

// ErrInvalidIdentifier is wrapped by every identifier validation failure.
var ErrInvalidIdentifier = xerrors.New("the given identifier has an invalid format")

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateIdentifier reports whether identifier is safe to interpolate
// into a file path.
func ValidateIdentifier(identifier string) error {
	if !identifierPattern.MatchString(identifier) || strings.Contains(identifier, "..") {
		return xerrors.Errorf("%q: %w", identifier, ErrInvalidIdentifier)
	}
	return nil
}

// DefaultDir is where PID files live when Config.Dir is empty.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "climulti")
}

// PidFilePath returns the PID file path for identifier inside dir.
func PidFilePath(dir, identifier string) string {
	return filepath.Join(dir, identifier+pidFileSuffix)
}

// Config carries the dependencies of a Tracker. Zero fields get defaults.
type Config struct {
	// Dir holds the PID files. Defaults to DefaultDir().
	Dir    string
	Fs     afero.Fs
	Clock  quartz.Clock
	Prober Prober
	Logger *slog.Logger
}

// Tracker follows a single process through its PID file.
//
// A Tracker is not safe for concurrent use.
type Tracker struct {
	identifier string
	pidFile    string
	created    time.Time

	fs     afero.Fs
	clock  quartz.Clock
	prober Prober
	logger *slog.Logger

	started  bool
	finished bool
}

// New validates identifier and returns a Tracker for its PID file. It
// does not touch the filesystem.
func New(identifier string, cfg Config) (*Tracker, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Prober == nil {
		cfg.Prober = SystemProber()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		identifier: identifier,
		pidFile:    PidFilePath(cfg.Dir, identifier),
		created:    cfg.Clock.Now(),
		fs:         cfg.Fs,
		clock:      cfg.Clock,
		prober:     cfg.Prober,
		logger:     cfg.Logger.With("identifier", identifier),
	}, nil
}

// Identifier returns the identifier the tracker was created with.
func (t *Tracker) Identifier() string {
	return t.identifier
}

func (t *Tracker) PidFilePath() string {
	return t.pidFile
}

// StartProcess marks the process as started by creating an empty PID
// file. An existing PID file is left as it is, unless it is an oversized
// marker left behind by an earlier run, which is truncated.
func (t *Tracker) StartProcess() error {
	if err := t.fs.MkdirAll(filepath.Dir(t.pidFile), 0o700); err != nil {
		return xerrors.Errorf("failed to create PID file directory: %w", err)
	}
	f, err := t.fs.OpenFile(t.pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		if info, statErr := t.fs.Stat(t.pidFile); statErr == nil && info.Size() > MaxContentLength {
			t.logger.Info("Truncating stale oversized PID file", "pidFile", t.pidFile, "size", info.Size())
			if err := afero.WriteFile(t.fs, t.pidFile, nil, 0o600); err != nil {
				return xerrors.Errorf("failed to truncate PID file: %w", err)
			}
		}
		t.started = true
		return nil
	}
	if err != nil {
		return xerrors.Errorf("failed to create PID file: %w", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("failed to close PID file: %w", err)
	}
	t.started = true
	return nil
}

// WritePidFileContent replaces the PID file content with content. Workers
// use it to report their OS pid.
func (t *Tracker) WritePidFileContent(content string) error {
	if err := t.fs.MkdirAll(filepath.Dir(t.pidFile), 0o700); err != nil {
		return xerrors.Errorf("failed to create PID file directory: %w", err)
	}
	if err := afero.WriteFile(t.fs, t.pidFile, []byte(content), 0o600); err != nil {
		return xerrors.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func (t *Tracker) ReportPID(pid int) error {
	return t.WritePidFileContent(strconv.Itoa(pid))
}

// EvaluateStarted reports whether PID file content means the process has
// started. A nil content stands for a missing file; any existing file
// counts, even an empty one.
func EvaluateStarted(content *string) bool {
	return content != nil
}

// HasStarted reads the PID file. Once it has seen the process started it
// keeps reporting true, even after the file is removed.
func (t *Tracker) HasStarted() bool {
	if t.started {
		return true
	}
	t.started = EvaluateStarted(t.read().contentPtr())
	return t.started
}

// HasStartedWithContent evaluates content the caller already read from
// the PID file instead of reading it again.
func (t *Tracker) HasStartedWithContent(content string) bool {
	if t.started {
		return true
	}
	t.started = EvaluateStarted(&content)
	return t.started
}

// AssumeStarted records that the process is known to have started by
// other means.
func (t *Tracker) AssumeStarted() bool {
	t.started = true
	return true
}

// IsRunning reports whether the tracked process is alive. A started
// process that has not reported its pid yet counts as running.
func (t *Tracker) IsRunning() bool {
	snap := t.read()
	if snap.oversized || !snap.exists {
		return false
	}
	if strings.TrimSpace(snap.content) == "" {
		return true
	}
	pid, ok := parsePID(snap.content)
	if !ok {
		return false
	}
	if !t.prober.Supported() {
		return true
	}
	return t.prober.Alive(pid)
}

// HasFinished reports whether the process is done: it was finished
// explicitly, its marker got corrupted, or its PID file disappeared after
// it had started.
func (t *Tracker) HasFinished() bool {
	if t.finished {
		return true
	}
	snap := t.read()
	if !snap.exists && t.started {
		t.finished = true
	}
	return t.finished
}

// FinishProcess removes the PID file and marks the process as started and
// finished, whatever state it was in.
func (t *Tracker) FinishProcess() error {
	t.started = true
	t.finished = true
	if err := t.fs.Remove(t.pidFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// PID returns the pid reported by the worker, if any.
func (t *Tracker) PID() (int, bool) {
	snap := t.read()
	if !snap.exists || snap.oversized {
		return 0, false
	}
	return parsePID(snap.content)
}

// Age is the time elapsed since New, never negative.
func (t *Tracker) Age() time.Duration {
	age := t.clock.Since(t.created)
	if age < 0 {
		return 0
	}
	return age
}

// SecondsSinceCreation returns the whole seconds elapsed since New.
func (t *Tracker) SecondsSinceCreation() int64 {
	return int64(t.Age() / time.Second)
}

type snapshot struct {
	exists    bool
	oversized bool
	content   string
}

// read takes a snapshot of the PID file. Read errors count as a missing
// file. An oversized file latches the tracker as finished.
func (t *Tracker) read() snapshot {
	info, err := t.fs.Stat(t.pidFile)
	if err != nil {
		return snapshot{}
	}
	if info.Size() > MaxContentLength {
		t.markCorrupted(info.Size())
		return snapshot{exists: true, oversized: true}
	}
	data, err := afero.ReadFile(t.fs, t.pidFile)
	if err != nil {
		return snapshot{}
	}
	// The file may have grown between Stat and ReadFile.
	if len(data) > MaxContentLength {
		t.markCorrupted(int64(len(data)))
		return snapshot{exists: true, oversized: true}
	}
	return snapshot{exists: true, content: string(data)}
}

func (s snapshot) contentPtr() *string {
	if !s.exists {
		return nil
	}
	return &s.content
}

func (t *Tracker) markCorrupted(size int64) {
	if !t.finished {
		t.logger.Warn("PID file exceeds size limit, treating process as finished",
			"pidFile", t.pidFile, "size", size, "limit", MaxContentLength)
	}
	t.started = true
	t.finished = true
}

func parsePID(content string) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
