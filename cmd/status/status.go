package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/coder/climulti/lib/proctrack"
)

const (
	FlagDir  = "dir"
	FlagJSON = "json"
)

type processStatus struct {
	Identifier string           `json:"identifier"`
	Status     proctrack.Status `json:"status"`
	PID        int              `json:"pid,omitempty"`
	Modified   time.Time        `json:"modified,omitzero"`
}

var statusColors = map[proctrack.Status]lipgloss.Color{
	proctrack.StatusNotStarted: lipgloss.Color("242"),
	proctrack.StatusStarting:   lipgloss.Color("214"),
	proctrack.StatusRunning:    lipgloss.Color("39"),
	proctrack.StatusExited:     lipgloss.Color("196"),
	proctrack.StatusFinished:   lipgloss.Color("76"),
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func collect(fs afero.Fs, dir string, identifiers []string) ([]processStatus, error) {
	if len(identifiers) == 0 {
		var err error
		if identifiers, err = proctrack.ListIdentifiers(fs, dir); err != nil {
			return nil, err
		}
	}
	statuses := make([]processStatus, 0, len(identifiers))
	for _, identifier := range identifiers {
		tracker, err := proctrack.New(identifier, proctrack.Config{Dir: dir, Fs: fs})
		if err != nil {
			return nil, err
		}
		st := processStatus{Identifier: identifier, Status: tracker.Status()}
		st.PID, _ = tracker.PID()
		if info, err := fs.Stat(tracker.PidFilePath()); err == nil {
			st.Modified = info.ModTime()
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func render(w io.Writer, statuses []processStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(statuses); err != nil {
			return xerrors.Errorf("failed to encode statuses: %w", err)
		}
		return nil
	}
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "No processes.")
		return err
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("IDENTIFIER", "STATUS", "PID", "MODIFIED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			style := lipgloss.NewStyle().Padding(0, 1)
			if col == 1 && row >= 0 && row < len(statuses) {
				return style.Foreground(statusColors[statuses[row].Status])
			}
			return style
		})
	for _, st := range statuses {
		pid := ""
		if st.PID != 0 {
			pid = strconv.Itoa(st.PID)
		}
		modified := ""
		if !st.Modified.IsZero() {
			modified = st.Modified.Format(time.DateTime)
		}
		t.Row(st.Identifier, string(st.Status), pid, modified)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func CreateStatusCmd() *cobra.Command {
	v := viper.New()
	statusCmd := &cobra.Command{
		Use:   "status [identifier]...",
		Short: "Show the status of tracked processes",
		Long:  "Show the lifecycle status of the given identifiers, or of every PID file in the directory when none are given.",
		Run: func(cmd *cobra.Command, args []string) {
			dir := v.GetString(FlagDir)
			if dir == "" {
				dir = proctrack.DefaultDir()
			}
			statuses, err := collect(afero.NewOsFs(), dir, args)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
			asJSON := v.GetBool(FlagJSON) || !isatty.IsTerminal(os.Stdout.Fd())
			if err := render(os.Stdout, statuses, asJSON); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP(FlagDir, "d", "", "Directory holding the PID files (defaults to a climulti directory under the system temp dir)")
	statusCmd.Flags().BoolP(FlagJSON, "j", false, "Print JSON even when stdout is a terminal")
	for _, name := range []string{FlagDir, FlagJSON} {
		if err := v.BindPFlag(name, statusCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
	v.SetEnvPrefix("CLIMULTI")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return statusCmd
}
