//go:build linux

package refclockdrivers

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/refclock"
)

func TestShmDriverRegistered(t *testing.T) {
	assert.Contains(t, refclock.RegisteredDrivers(), "shm")
}

func TestShmDriverOpenRejectsNonNumericParameter(t *testing.T) {
	d := &shmDriver{}
	assert.Error(t, d.Open("not-a-unit"))
}

func TestShmDriverPollRequiresOpen(t *testing.T) {
	d := &shmDriver{}
	_, ok, err := d.Poll(rawclock.Now())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestShmDriverPollReturnsNotOkWhenInvalid(t *testing.T) {
	d := &shmDriver{}
	require.NoError(t, d.Open("97"))
	defer d.Close()

	_, ok, err := d.Poll(rawclock.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShmDriverPollReadsWrittenSample(t *testing.T) {
	d := &shmDriver{}
	require.NoError(t, d.Open("98"))
	defer d.Close()

	seg := (*shmSegment)(unsafe.Pointer(&d.mem[0]))
	seg.ReceiveSec = 1_700_000_100
	seg.ReceiveUSec = 0
	seg.ClockSec = 1_700_000_100
	seg.ClockUSec = 250_000
	seg.Count = 1
	seg.Valid = 1

	sample, ok, err := d.Poll(rawclock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.25, sample.Offset, 1e-9)

	// a second poll finds the segment marked consumed (Valid cleared).
	_, ok2, err := d.Poll(rawclock.Now())
	require.NoError(t, err)
	assert.False(t, ok2)
}
