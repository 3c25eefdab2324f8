//go:build unix

package proctrack

import (
	"errors"
	"os"
	"syscall"
)

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// probeSupported signals our own process. Sandboxes that forbid kill(2)
// make this fail.
func probeSupported(self int) bool {
	process, err := os.FindProcess(self)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
