package watch

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/climulti/lib/httpapi"
	"github.com/coder/climulti/lib/proctrack"
	"github.com/coder/climulti/lib/types"
)

const testDir = "/run/climulti"

type fakeProber struct{}

func (fakeProber) Supported() bool    { return true }
func (fakeProber) Alive(pid int) bool { return pid == 6341 }

func status(id string, s types.ProcessStatus) statusMsg {
	return statusMsg{status: types.StatusChangeBody{Identifier: id, Status: s}}
}

func TestModel(t *testing.T) {
	t.Parallel()

	t.Run("TracksStatuses", func(t *testing.T) {
		t.Parallel()
		var m tea.Model = newModel("http://localhost:3284", false)
		m, cmd := m.Update(status("b", types.ProcessStatusRunning))
		assert.Nil(t, cmd)
		m, _ = m.Update(status("a", types.ProcessStatusStarting))
		m, _ = m.Update(serverErrorMsg{message: "failed to scan PID directory"})

		view := m.View()
		assert.Contains(t, view, "http://localhost:3284")
		assert.Less(t, bytes.Index([]byte(view), []byte("a ")), bytes.Index([]byte(view), []byte("b ")))
		assert.Contains(t, view, "failed to scan PID directory")
	})

	t.Run("ExitWhenDone", func(t *testing.T) {
		t.Parallel()
		var m tea.Model = newModel("u", true)
		m, cmd := m.Update(status("a", types.ProcessStatusExited))
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())

		m = newModel("u", true)
		m, _ = m.Update(status("a", types.ProcessStatusFinished))
		m, cmd = m.Update(status("b", types.ProcessStatusRunning))
		assert.Nil(t, cmd)
		_, cmd = m.Update(status("b", types.ProcessStatusFinished))
		require.NotNil(t, cmd)
	})

	t.Run("Quit", func(t *testing.T) {
		t.Parallel()
		var m tea.Model = newModel("u", false)
		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
		require.NotNil(t, cmd)
		_, cmd = m.Update(finishMsg{})
		require.NotNil(t, cmd)
	})
}

func newTestServer(t *testing.T) (*httptest.Server, afero.Fs, *httpapi.Server) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, proctrack.PidFilePath(testDir, "alive"), []byte("6341"), 0o600))
	srv, err := httpapi.NewServer(context.Background(), httpapi.ServerConfig{
		Dir:    testDir,
		APIKey: "secret",
		Fs:     fs,
		Clock:  quartz.NewMock(t),
		Prober: fakeProber{},
	})
	require.NoError(t, err)
	srv.Refresh()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, fs, srv
}

func TestGetHealth(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := GetHealth(ctx, ts.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.ProbeSupported)
}

func TestReadEventsOverHTTP(t *testing.T) {
	t.Parallel()
	ts, fs, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.Error(t, ReadEventsOverHTTP(ctx, ts.URL, "wrong", make(chan tea.Msg, 1)))

	ch := make(chan tea.Msg, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- ReadEventsOverHTTP(ctx, ts.URL, "secret", ch)
	}()

	msg := <-ch
	require.IsType(t, statusMsg{}, msg)
	assert.Equal(t, "alive", msg.(statusMsg).status.Identifier)
	assert.Equal(t, types.ProcessStatusRunning, msg.(statusMsg).status.Status)
	assert.Equal(t, 6341, msg.(statusMsg).status.PID)

	require.NoError(t, fs.Remove(proctrack.PidFilePath(testDir, "alive")))
	srv.Refresh()
	msg = <-ch
	assert.Equal(t, types.ProcessStatusFinished, msg.(statusMsg).status.Status)

	// Cancelling ends the stream.
	cancel()
	<-errCh
}

func TestPrintEvents(t *testing.T) {
	t.Parallel()
	ch := make(chan tea.Msg, 4)
	ch <- statusMsg{status: types.StatusChangeBody{Identifier: "a", Status: types.ProcessStatusRunning, PID: 7, Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}}
	ch <- serverErrorMsg{message: "boom"}
	ch <- statusMsg{status: types.StatusChangeBody{Identifier: "a", Status: types.ProcessStatusFinished, Time: time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC)}}

	var buf bytes.Buffer
	err := printEvents(context.Background(), &buf, newModel("u", true), ch, make(chan error))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T03:04:05Z a running pid=7\nerror: boom\n2024-01-02T03:04:06Z a finished pid=0\n", buf.String())
}
