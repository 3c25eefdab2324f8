package proctrack

import (
	"os"
	"sync"
)

// Prober answers whether an OS process is alive.
type Prober interface {
	// Supported reports whether Alive gives meaningful answers on this
	// platform.
	Supported() bool
	Alive(pid int) bool
}

type systemProber struct{}

var supported = sync.OnceValue(func() bool {
	return probeSupported(os.Getpid())
})

func (systemProber) Supported() bool {
	return supported()
}

func (systemProber) Alive(pid int) bool {
	return isProcessRunning(pid)
}

// SystemProber returns the Prober backed by the operating system.
func SystemProber() Prober {
	return systemProber{}
}

// Supported reports whether the current environment can tell if a process
// is alive. The result is computed once per process.
func Supported() bool {
	return supported()
}
