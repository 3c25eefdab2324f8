package proctrack

import "strings"

type Status string

const (
	StatusNotStarted Status = "not_started"
	// StatusStarting: the PID file exists but the worker has not reported
	// its pid yet.
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	// StatusExited: the worker reported a pid that is no longer alive and
	// left its PID file behind.
	StatusExited   Status = "exited"
	StatusFinished Status = "finished"
)

// Status folds the lifecycle predicates into a single value.
func (t *Tracker) Status() Status {
	if t.HasFinished() {
		return StatusFinished
	}
	snap := t.read()
	switch {
	case snap.oversized:
		return StatusFinished
	case !snap.exists:
		return StatusNotStarted
	}
	t.started = true
	if strings.TrimSpace(snap.content) == "" {
		return StatusStarting
	}
	if t.IsRunning() {
		return StatusRunning
	}
	return StatusExited
}

// Done reports whether there is nothing left to wait for: the process
// finished, or it started and is no longer alive.
func (t *Tracker) Done() bool {
	switch t.Status() {
	case StatusFinished, StatusExited:
		return true
	default:
		return false
	}
}
