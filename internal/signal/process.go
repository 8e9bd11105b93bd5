package signal

import (
	"errors"
	"syscall"
)

// ProcessAlive reports whether pid names a live process on this host. A
// process owned by another user still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
