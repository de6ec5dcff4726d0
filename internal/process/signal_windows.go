//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// signalGroup approximates Unix group signalling: signal 0 is an existence
// check and any other signal terminates the process.
func signalGroup(pid int, sig syscall.Signal) error {
	if sig == 0 {
		ok, err := gopsproc.PidExists(int32(pid))
		if err != nil {
			return err
		}
		if !ok {
			return os.ErrProcessDone
		}
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

func isProcessGone(err error) bool { return errors.Is(err, os.ErrProcessDone) }
