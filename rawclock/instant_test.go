package rawclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromTimeRoundTrip(t *testing.T) {
	tm := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	inst := FromTime(tm)
	assert.Equal(t, int64(tm.Unix()), inst.Sec)
	assert.Equal(t, int32(123456), inst.Usec)
	assert.Equal(t, tm, inst.Time())
}

func TestFromSecondsNegativeFraction(t *testing.T) {
	inst := FromSeconds(-1.25)
	assert.Equal(t, int64(-2), inst.Sec)
	assert.InDelta(t, 750000, inst.Usec, 1)
}

func TestSubAndAdd(t *testing.T) {
	a := FromSeconds(100.5)
	b := FromSeconds(99.25)
	assert.InDelta(t, 1.25, a.Sub(b), 1e-9)

	c := a.Add(-0.5)
	assert.InDelta(t, 100.0, c.Seconds(), 1e-9)
}

func TestBeforeAfter(t *testing.T) {
	a := FromSeconds(1)
	b := FromSeconds(2)
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.After(b))
}

func TestSetNowFuncForTesting(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restore := SetNowFuncForTesting(func() time.Time { return fixed })
	defer restore()

	assert.Equal(t, FromTime(fixed), Now())
}
