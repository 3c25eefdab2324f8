//go:build !unix

package proctrack

// isProcessRunning checks if a process with the given PID is running.
// Without Signal(0) there is no portable probe, so this always returns false.
func isProcessRunning(_ int) bool {
	return false
}

func probeSupported(_ int) bool {
	return false
}
