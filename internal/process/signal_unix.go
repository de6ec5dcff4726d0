//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup delivers sig to the worker's process group, falling back to
// the leader alone if the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}

func isProcessGone(err error) bool { return errors.Is(err, syscall.ESRCH) }
