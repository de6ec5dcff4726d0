//go:build !windows

package detector

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// StartTime returns the process start time as Unix seconds, or 0 when it
// cannot be determined. Linux reads /proc directly; other platforms go
// through gopsutil.
func StartTime(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat"); err == nil {
			if ticks, ok := statStartTicks(string(b)); ok {
				return ticksToUnix(ticks)
			}
		}
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// statStartTicks extracts starttime (field 22) from a /proc/<pid>/stat line.
// The command name may contain spaces and parentheses, so fields are counted
// from the last ')'.
func statStartTicks(stat string) (int64, bool) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[i+1:])
	// fields[0] is field 3 (state)
	const startField = 22 - 3
	if len(fields) <= startField {
		return 0, false
	}
	v, err := strconv.ParseInt(fields[startField], 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func ticksToUnix(ticks int64) int64 {
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return 0
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return int64(boot) + ticks/hz
}
