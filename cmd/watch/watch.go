package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	sse "github.com/tmaxmax/go-sse"
	"golang.org/x/term"
	"golang.org/x/xerrors"

	"github.com/coder/climulti/lib/httpapi"
	"github.com/coder/climulti/lib/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).MarginBottom(1)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	statusStyles = map[types.ProcessStatus]lipgloss.Style{
		types.ProcessStatusNotStarted: mutedStyle,
		types.ProcessStatusStarting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		types.ProcessStatusRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		types.ProcessStatusExited:     errorStyle,
		types.ProcessStatusFinished:   lipgloss.NewStyle().Foreground(lipgloss.Color("76")),
	}
)

type model struct {
	url          string
	processes    map[string]types.StatusChangeBody
	lastError    string
	exitWhenDone bool
}

func newModel(url string, exitWhenDone bool) model {
	return model{
		url:          url,
		processes:    make(map[string]types.StatusChangeBody),
		exitWhenDone: exitWhenDone,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

type statusMsg struct {
	status types.StatusChangeBody
}

type serverErrorMsg struct {
	message string
}

type finishMsg struct{}

func done(status types.ProcessStatus) bool {
	return status == types.ProcessStatusFinished || status == types.ProcessStatusExited
}

func (m model) allDone() bool {
	if len(m.processes) == 0 {
		return false
	}
	for _, p := range m.processes {
		if !done(p.Status) {
			return false
		}
	}
	return true
}

//lint:ignore U1000 The Update function is used by the Bubble Tea framework
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statusMsg:
		m.processes[msg.status.Identifier] = msg.status
		if m.exitWhenDone && m.allDone() {
			return m, tea.Quit
		}
	case serverErrorMsg:
		m.lastError = msg.message
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case finishMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("climulti: " + m.url))
	b.WriteString("\n")
	if len(m.processes) == 0 {
		b.WriteString(mutedStyle.Render("No processes yet."))
		b.WriteString("\n")
	}
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := m.processes[id]
		line := fmt.Sprintf("%-40s %s", id, statusStyles[p.Status].Render(fmt.Sprintf("%-12s", p.Status)))
		if p.PID != 0 {
			line += mutedStyle.Render(fmt.Sprintf(" pid %d", p.PID))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.lastError))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("Press q or Ctrl+C to exit."))
	b.WriteString("\n")
	return b.String()
}

func newRequest(ctx context.Context, method, url, apiKey string) *http.Request {
	req, _ := http.NewRequestWithContext(ctx, method, url, nil)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req
}

// HealthBody matches the /health response structure
type HealthBody struct {
	Status         string `json:"status"`
	ProbeSupported bool   `json:"probe_supported"`
}

func GetHealth(ctx context.Context, url, apiKey string) (HealthBody, error) {
	res, err := http.DefaultClient.Do(newRequest(ctx, http.MethodGet, url+"/health", apiKey))
	if err != nil {
		return HealthBody{}, xerrors.Errorf("failed to get health: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return HealthBody{}, xerrors.Errorf("failed to get health: %w", errors.New(res.Status))
	}

	var health HealthBody
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return HealthBody{}, xerrors.Errorf("failed to decode health: %w", err)
	}
	return health, nil
}

// ReadEventsOverHTTP reads the /events SSE stream and forwards every event
// as a tea message until the stream ends.
func ReadEventsOverHTTP(ctx context.Context, url, apiKey string, ch chan<- tea.Msg) error {
	req := newRequest(ctx, http.MethodGet, url+"/events", apiKey)
	req.Header.Set("Accept", "text/event-stream")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to connect to events stream: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return xerrors.Errorf("failed to connect to events stream: %w", errors.New(res.Status))
	}

	for ev, err := range sse.Read(res.Body, &sse.ReadConfig{
		MaxEventSize: 64 * 1024,
	}) {
		if err != nil {
			return xerrors.Errorf("failed to read sse: %w", err)
		}
		switch ev.Type {
		case string(httpapi.EventTypeStatusChange):
			var status types.StatusChangeBody
			if err := json.Unmarshal([]byte(ev.Data), &status); err != nil {
				return xerrors.Errorf("failed to unmarshal status change: %w", err)
			}
			ch <- statusMsg{status: status}
		case string(httpapi.EventTypeError):
			var body types.ErrorBody
			if err := json.Unmarshal([]byte(ev.Data), &body); err != nil {
				continue
			}
			ch <- serverErrorMsg{message: body.Message}
		}
	}
	return nil
}

// printEvents is the fallback when stdout is not a terminal: one line per
// status change.
func printEvents(ctx context.Context, w io.Writer, m model, msgCh <-chan tea.Msg, errCh <-chan error) error {
	for {
		select {
		case msg := <-msgCh:
			switch msg := msg.(type) {
			case statusMsg:
				s := msg.status
				fmt.Fprintf(w, "%s %s %s pid=%d\n", s.Time.Format(time.RFC3339), s.Identifier, s.Status, s.PID)
				m.processes[s.Identifier] = s
				if m.exitWhenDone && m.allDone() {
					return nil
				}
			case serverErrorMsg:
				fmt.Fprintf(w, "error: %s\n", msg.message)
			}
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func runWatch(remoteUrl, apiKey string, exitWhenDone bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgCh := make(chan tea.Msg, 64)
	readEventsErrCh := make(chan error, 1)
	go func() {
		defer close(readEventsErrCh)
		if err := ReadEventsOverHTTP(ctx, remoteUrl, apiKey, msgCh); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			readEventsErrCh <- err
		}
	}()

	m := newModel(remoteUrl, exitWhenDone)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return printEvents(ctx, os.Stdout, m, msgCh, readEventsErrCh)
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgCh:
				p.Send(msg)
			}
		}
	}()
	pErrCh := make(chan error, 1)
	go func() {
		_, err := p.Run()
		pErrCh <- err
		close(pErrCh)
	}()

	var err error
	select {
	case err = <-readEventsErrCh:
	case err = <-pErrCh:
		return err
	}

	p.Send(finishMsg{})
	select {
	case <-pErrCh:
	case <-time.After(1 * time.Second):
	}
	return err
}

var (
	remoteUrlArg    string
	apiKeyArg       string
	exitWhenDoneArg bool
)

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow process status changes from a climulti server",
	Long:  `Follow process status changes from a climulti server`,
	Run: func(cmd *cobra.Command, args []string) {
		remoteUrl := remoteUrlArg
		if remoteUrl == "" {
			fmt.Fprintln(os.Stderr, "URL is required")
			os.Exit(1)
		}
		if !strings.HasPrefix(remoteUrl, "http") {
			remoteUrl = "http://" + remoteUrl
		}
		remoteUrl = strings.TrimRight(remoteUrl, "/")
		apiKey := apiKeyArg
		if apiKey == "" {
			apiKey = os.Getenv("CLIMULTI_API_KEY")
		}

		if _, err := GetHealth(context.Background(), remoteUrl, apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to reach server: %+v\n", err)
			os.Exit(1)
		}
		if err := runWatch(remoteUrl, apiKey, exitWhenDoneArg); err != nil {
			fmt.Fprintf(os.Stderr, "Watch failed: %+v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	WatchCmd.Flags().StringVarP(&remoteUrlArg, "url", "u", "localhost:3284", "URL of the climulti server to watch. May optionally include a protocol.")
	WatchCmd.Flags().StringVarP(&apiKeyArg, "api-key", "k", "", "Bearer token for the server (defaults to CLIMULTI_API_KEY)")
	WatchCmd.Flags().BoolVar(&exitWhenDoneArg, "exit-when-done", false, "Exit once every known process is finished or exited")
}
