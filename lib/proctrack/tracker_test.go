package proctrack_test

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/climulti/lib/proctrack"
)

const testDir = "/run/climulti"

type fakeProber struct {
	unsupported bool
	alive       map[int]bool
}

func (f *fakeProber) Supported() bool {
	return !f.unsupported
}

func (f *fakeProber) Alive(pid int) bool {
	return f.alive[pid]
}

func newTestTracker(t *testing.T, identifier string) (*proctrack.Tracker, afero.Fs, *fakeProber) {
	t.Helper()
	fs := afero.NewMemMapFs()
	prober := &fakeProber{alive: map[int]bool{}}
	tracker, err := proctrack.New(identifier, proctrack.Config{
		Dir:    testDir,
		Fs:     fs,
		Clock:  quartz.NewMock(t),
		Prober: prober,
	})
	require.NoError(t, err)
	return tracker, fs, prober
}

func TestNew_InvalidIdentifier(t *testing.T) {
	t.Parallel()
	for _, identifier := range []string{
		"../../htaccess",
		"..",
		"a/b",
		"/etc/passwd",
		"a..b",
		".hidden",
		"with space",
		"back\\slash",
		"",
		"nul\x00byte",
	} {
		t.Run(strconv.Quote(identifier), func(t *testing.T) {
			t.Parallel()
			tracker, err := proctrack.New(identifier, proctrack.Config{Fs: afero.NewMemMapFs()})
			require.ErrorIs(t, err, proctrack.ErrInvalidIdentifier)
			assert.Contains(t, err.Error(), "the given identifier has an invalid format")
			assert.Nil(t, tracker)
		})
	}
}

func TestNew_ValidIdentifier(t *testing.T) {
	t.Parallel()
	for _, identifier := range []string{
		"testPid",
		"6341",
		"request_1.run-2",
		"0b5e1c7a-3f0e-4c39-9b8e-1d2f3a4b5c6d",
	} {
		t.Run(identifier, func(t *testing.T) {
			t.Parallel()
			tracker, _, _ := newTestTracker(t, identifier)
			assert.Equal(t, identifier, tracker.Identifier())
			assert.Equal(t, testDir+"/"+identifier+".pid", tracker.PidFilePath())
		})
	}
}

func TestNew_NoIO(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	_, err := proctrack.New("testPid", proctrack.Config{Dir: testDir, Fs: fs})
	require.NoError(t, err)
	exists, err := afero.DirExists(fs, testDir)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTracker_JustCreated(t *testing.T) {
	t.Parallel()
	tracker, _, _ := newTestTracker(t, "testPid")
	assert.False(t, tracker.HasStarted())
	assert.False(t, tracker.IsRunning())
	assert.False(t, tracker.HasFinished())
	assert.Equal(t, proctrack.StatusNotStarted, tracker.Status())
}

func TestTracker_StartFinish(t *testing.T) {
	t.Parallel()
	tracker, fs, _ := newTestTracker(t, "testPid")

	require.NoError(t, tracker.StartProcess())
	assert.True(t, tracker.IsRunning())
	assert.True(t, tracker.HasStarted())
	assert.True(t, tracker.IsRunning())
	assert.True(t, tracker.HasStarted())
	assert.False(t, tracker.HasFinished())
	assert.Equal(t, proctrack.StatusStarting, tracker.Status())

	content, err := afero.ReadFile(fs, tracker.PidFilePath())
	require.NoError(t, err)
	assert.Empty(t, content)

	require.NoError(t, tracker.StartProcess())
	assert.True(t, tracker.IsRunning())
	assert.True(t, tracker.HasStarted())
	assert.False(t, tracker.HasFinished())

	require.NoError(t, tracker.FinishProcess())
	assert.False(t, tracker.IsRunning())
	assert.True(t, tracker.HasStarted())
	assert.True(t, tracker.HasFinished())
	assert.Equal(t, proctrack.StatusFinished, tracker.Status())

	exists, err := afero.Exists(fs, tracker.PidFilePath())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTracker_StartProcessKeepsReportedPID(t *testing.T) {
	t.Parallel()
	tracker, fs, prober := newTestTracker(t, "testPid")
	prober.alive[6341] = true

	require.NoError(t, tracker.StartProcess())
	require.NoError(t, tracker.ReportPID(6341))
	require.NoError(t, tracker.StartProcess())

	content, err := afero.ReadFile(fs, tracker.PidFilePath())
	require.NoError(t, err)
	assert.Equal(t, "6341", string(content))
	pid, ok := tracker.PID()
	require.True(t, ok)
	assert.Equal(t, 6341, pid)
}

func TestTracker_StartProcessTruncatesOversizedMarker(t *testing.T) {
	t.Parallel()
	tracker, fs, _ := newTestTracker(t, "testPid")
	require.NoError(t, fs.MkdirAll(testDir, 0o700))
	require.NoError(t, afero.WriteFile(fs, tracker.PidFilePath(), []byte(strings.Repeat("1", 505)), 0o600))

	require.NoError(t, tracker.StartProcess())
	assert.True(t, tracker.HasStarted())
	assert.True(t, tracker.IsRunning())
	assert.False(t, tracker.HasFinished())

	content, err := afero.ReadFile(fs, tracker.PidFilePath())
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestTracker_IsRunning_PIDFileTooBig(t *testing.T) {
	t.Parallel()
	tracker, _, _ := newTestTracker(t, "testPid")

	require.NoError(t, tracker.StartProcess())
	assert.True(t, tracker.IsRunning())
	assert.False(t, tracker.HasFinished())

	require.NoError(t, tracker.WritePidFileContent(strings.Repeat("1", 505)))

	assert.False(t, tracker.IsRunning())
	assert.True(t, tracker.HasFinished())

	// The corrupted marker stays in place but the tracker stays finished.
	require.NoError(t, tracker.WritePidFileContent(""))
	assert.True(t, tracker.HasFinished())
}

func TestTracker_HasFinished_PIDFileTooBig(t *testing.T) {
	t.Parallel()
	tracker, _, _ := newTestTracker(t, "testPid")
	require.NoError(t, tracker.StartProcess())
	require.NoError(t, tracker.WritePidFileContent(strings.Repeat("x", proctrack.MaxContentLength+1)))

	assert.True(t, tracker.HasFinished())
	assert.False(t, tracker.IsRunning())
	assert.Equal(t, proctrack.StatusFinished, tracker.Status())
	_, ok := tracker.PID()
	assert.False(t, ok)
}

func TestTracker_ContentAtLimitIsTrusted(t *testing.T) {
	t.Parallel()
	tracker, _, _ := newTestTracker(t, "testPid")
	require.NoError(t, tracker.WritePidFileContent(strings.Repeat(" ", proctrack.MaxContentLength)))

	assert.True(t, tracker.IsRunning())
	assert.False(t, tracker.HasFinished())
}

func TestTracker_FinishProcess_NotStarted(t *testing.T) {
	t.Parallel()
	tracker, _, _ := newTestTracker(t, "testPid")

	require.NoError(t, tracker.FinishProcess())

	assert.False(t, tracker.IsRunning())
	assert.True(t, tracker.HasStarted())
	assert.True(t, tracker.HasFinished())

	require.NoError(t, tracker.FinishProcess())
	assert.True(t, tracker.HasFinished())
}

func TestTracker_HasFinished_WorkerRemovedPIDFile(t *testing.T) {
	t.Parallel()
	tracker, fs, _ := newTestTracker(t, "testPid")
	require.NoError(t, tracker.StartProcess())
	assert.False(t, tracker.HasFinished())

	require.NoError(t, fs.Remove(tracker.PidFilePath()))

	assert.True(t, tracker.HasStarted())
	assert.False(t, tracker.IsRunning())
	assert.True(t, tracker.HasFinished())

	// A worker reusing the identifier does not revive a finished tracker.
	require.NoError(t, tracker.WritePidFileContent(""))
	assert.True(t, tracker.HasFinished())
}

func TestTracker_IsRunning_ProbesReportedPID(t *testing.T) {
	t.Parallel()
	tracker, _, prober := newTestTracker(t, "testPid")
	require.NoError(t, tracker.StartProcess())

	require.NoError(t, tracker.ReportPID(4242))
	assert.False(t, tracker.IsRunning())
	assert.False(t, tracker.HasFinished())
	assert.Equal(t, proctrack.StatusExited, tracker.Status())
	assert.True(t, tracker.Done())

	prober.alive[4242] = true
	assert.True(t, tracker.IsRunning())
	assert.Equal(t, proctrack.StatusRunning, tracker.Status())
	assert.False(t, tracker.Done())

	require.NoError(t, tracker.WritePidFileContent(" 4242\n"))
	assert.True(t, tracker.IsRunning())
}

func TestTracker_IsRunning_GarbageContent(t *testing.T) {
	t.Parallel()
	tracker, _, _ := newTestTracker(t, "testPid")
	require.NoError(t, tracker.WritePidFileContent("not a pid"))

	assert.True(t, tracker.HasStarted())
	assert.False(t, tracker.IsRunning())
	assert.False(t, tracker.HasFinished())
}

func TestTracker_IsRunning_UnsupportedProbeAssumesAlive(t *testing.T) {
	t.Parallel()
	tracker, _, prober := newTestTracker(t, "testPid")
	prober.unsupported = true
	require.NoError(t, tracker.ReportPID(4242))

	assert.True(t, tracker.IsRunning())
}

func TestTracker_AssumeStarted(t *testing.T) {
	t.Parallel()
	tracker, _, _ := newTestTracker(t, "testPid")
	assert.True(t, tracker.AssumeStarted())
	assert.True(t, tracker.HasStarted())
	assert.False(t, tracker.IsRunning())
}

func TestTracker_HasStartedWithContent(t *testing.T) {
	t.Parallel()

	t.Run("pid given", func(t *testing.T) {
		t.Parallel()
		tracker, _, _ := newTestTracker(t, "testPid")
		assert.True(t, tracker.HasStartedWithContent("6341"))
		// remembers the process was started at some point
		assert.True(t, tracker.HasStartedWithContent(""))
		assert.True(t, tracker.HasStarted())
	})

	t.Run("empty content", func(t *testing.T) {
		t.Parallel()
		tracker, fs, _ := newTestTracker(t, "testPid")
		assert.True(t, tracker.HasStartedWithContent(""))
		exists, err := afero.Exists(fs, tracker.PidFilePath())
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("no file", func(t *testing.T) {
		t.Parallel()
		tracker, _, _ := newTestTracker(t, "testPid")
		assert.False(t, tracker.HasStarted())
	})
}

func TestEvaluateStarted(t *testing.T) {
	t.Parallel()
	empty, pid := "", "6341"
	assert.False(t, proctrack.EvaluateStarted(nil))
	assert.True(t, proctrack.EvaluateStarted(&empty))
	assert.True(t, proctrack.EvaluateStarted(&pid))
}

func TestTracker_SecondsSinceCreation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mClock := quartz.NewMock(t)
	tracker, err := proctrack.New("testPid", proctrack.Config{
		Fs:     afero.NewMemMapFs(),
		Clock:  mClock,
		Prober: &fakeProber{},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), tracker.SecondsSinceCreation())

	mClock.Advance(2 * time.Second).MustWait(ctx)
	assert.Equal(t, int64(2), tracker.SecondsSinceCreation())

	mClock.Advance(999 * time.Millisecond).MustWait(ctx)
	assert.Equal(t, int64(2), tracker.SecondsSinceCreation())
	assert.Equal(t, 2999*time.Millisecond, tracker.Age())
}

func TestTracker_SystemProber(t *testing.T) {
	if !proctrack.Supported() {
		t.Skip("process liveness probing is not supported here")
	}
	t.Parallel()
	tracker, err := proctrack.New("testPid", proctrack.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.FinishProcess() })

	assert.False(t, tracker.IsRunning())
	require.NoError(t, tracker.StartProcess())
	require.NoError(t, tracker.ReportPID(os.Getpid()))
	assert.True(t, tracker.IsRunning())
	assert.Equal(t, proctrack.StatusRunning, tracker.Status())
}
