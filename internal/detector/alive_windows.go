//go:build windows

package detector

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether pid names a live process. Windows has no signal-0
// probe, so this scans the process table.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
