//go:build !windows

package process

import (
	"os"
	"syscall"
)

func localSignal(sig Signal) os.Signal {
	switch sig {
	case SignalKill:
		return syscall.SIGKILL
	case SignalInterrupt:
		return syscall.SIGINT
	case SignalKickOff:
		return syscall.SIGCONT
	default:
		return syscall.SIGTERM
	}
}
