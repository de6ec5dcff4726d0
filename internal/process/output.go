package process

import (
	"sync"

	"github.com/armon/circbuf"
)

// ringBuffer keeps the most recent bytes written to it. circbuf is not
// safe for concurrent use, and readers race the exec copy goroutine.
type ringBuffer struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func newRingBuffer(size int64) *ringBuffer {
	if size <= 0 {
		size = DefaultOutputBufferSize
	}
	b, _ := circbuf.NewBuffer(size) // only fails for size <= 0
	return &ringBuffer{buf: b}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// TotalWritten counts every byte ever written, including overwritten ones.
func (r *ringBuffer) TotalWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.TotalWritten()
}

// Output is a replay of the tail of the worker's stdout and stderr.
type Output struct {
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	Truncated   bool   `json:"truncated"`
	StdoutTotal int64  `json:"stdout_total"`
	StderrTotal int64  `json:"stderr_total"`
}
