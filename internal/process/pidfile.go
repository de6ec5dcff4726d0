package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/loykin/agentvisor/internal/detector"
	"github.com/loykin/agentvisor/internal/fsutil"
)

// WriteMarker records pid and meta at path as "<pid>\n<meta json>\n". The
// start time is filled from the process table when meta leaves it zero, so
// a later reader can tell a live worker from a reused pid.
func WriteMarker(path string, pid int, meta detector.Meta) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if meta.StartUnix == 0 {
		meta.StartUnix = detector.StartTime(pid)
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(mb) + "\n"
	return fsutil.WriteFileAtomic(path, []byte(data), 0o600)
}

// ReadMarker reads a marker written by WriteMarker.
func ReadMarker(path string) (int, detector.Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, detector.Meta{}, err
	}
	return detector.ParsePIDFile(b)
}

// RemoveMarker deletes the marker. A missing file is not an error.
func RemoveMarker(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
