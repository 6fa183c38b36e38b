package locking

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessChecker answers whether a holder process is still alive. The real
// check is an OS-level primitive; tests substitute their own implementation.
type ProcessChecker interface {
	Alive(pid int) bool
}

// OSProcessChecker probes liveness with signal 0.
type OSProcessChecker struct{}

// Alive returns true if a process with the given pid exists. EPERM still
// means the process exists, we just cannot signal it.
func (OSProcessChecker) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
