//go:build windows

package process

import "os"

// Windows has no SIGTERM or SIGCONT for child processes; everything but an
// interrupt ends the process.
func localSignal(sig Signal) os.Signal {
	if sig == SignalInterrupt {
		return os.Interrupt
	}
	return os.Kill
}
