//go:build !windows

package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatStartTicks(t *testing.T) {
	// 52 fields; starttime (field 22) is 8812345
	fields := make([]string, 0, 50)
	for i := 3; i <= 52; i++ {
		v := "0"
		switch i {
		case 3:
			v = "S"
		case 22:
			v = "8812345"
		}
		fields = append(fields, v)
	}
	tail := strings.Join(fields, " ")

	ticks, ok := statStartTicks("1234 (sleep) " + tail)
	assert.True(t, ok)
	assert.EqualValues(t, 8812345, ticks)

	ticks, ok = statStartTicks("1234 (odd) name (x)) " + tail)
	assert.True(t, ok, "command names may contain parentheses")
	assert.EqualValues(t, 8812345, ticks)

	_, ok = statStartTicks("1234 (short) S 1 2")
	assert.False(t, ok)
	_, ok = statStartTicks("garbage")
	assert.False(t, ok)
}
