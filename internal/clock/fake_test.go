package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	short := f.NewTimer(time.Second)
	long := f.NewTimer(time.Minute)
	require.Equal(t, 2, f.Pending())

	f.Advance(2 * time.Second)
	select {
	case fired := <-short.C():
		assert.Equal(t, start.Add(2*time.Second), fired)
	default:
		t.Fatal("short timer should have fired")
	}
	select {
	case <-long.C():
		t.Fatal("long timer fired too early")
	default:
	}
	assert.Equal(t, 1, f.Pending())
	assert.Equal(t, start.Add(2*time.Second), f.Now())
}

func TestFakeStopPreventsFiring(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tm := f.NewTimer(time.Second)
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	f.Advance(time.Hour)
	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	default:
	}
	assert.Equal(t, 0, f.Pending())
}

func TestFakeNonPositiveTimerFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(100, 0))
	tm := f.NewTimer(0)
	select {
	case <-tm.C():
	default:
		t.Fatal("zero timer should fire immediately")
	}
	assert.False(t, tm.Stop())
}

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Unix(0, 0)
	f := NewFake(start)
	tm := f.NewTimer(time.Second)

	f.Sleep(time.Second)
	assert.Equal(t, start.Add(time.Second), f.Now())
	select {
	case <-tm.C():
	default:
		t.Fatal("timer due during sleep should have fired")
	}

	f.Sleep(0)
	assert.Equal(t, start.Add(time.Second), f.Now())
}
