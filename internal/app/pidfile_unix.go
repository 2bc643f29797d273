//go:build !windows

package app

import (
	"errors"
	"syscall"
)

// processAlive probes pid with signal 0. EPERM still means the process
// exists under another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := syscall.Kill(pid, 0); {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}
