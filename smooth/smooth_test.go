package smooth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/timewarden/timewardend/rawclock"
)

func TestDisabledWithoutBothBounds(t *testing.T) {
	s := New(Config{MaxFreq: 1})
	assert.False(t, s.Enabled())

	now := rawclock.Now()
	s.Update(now, 1.0, 0.1)
	offset, freq := s.Query(now)
	assert.Equal(t, 0.0, offset)
	assert.Equal(t, 0.0, freq)
}

func TestEnabledRequiresActivation(t *testing.T) {
	s := New(Config{MaxFreq: 100, MaxWander: 1})
	assert.True(t, s.Enabled())

	now := rawclock.Now()
	// skew/max_wander = 50000/1 >> activationRatio: stays locked.
	s.Update(now, 50000, 0)
	offset, _ := s.Query(now)
	assert.Equal(t, 0.0, offset)
}

func TestActivationAndQuery(t *testing.T) {
	s := New(Config{MaxFreq: 100, MaxWander: 1})
	now := rawclock.Now()

	// skew/max_wander = 1/1 < activationRatio: activates.
	s.Update(now, 1.0, 0.0)
	offset, _ := s.Query(now)
	assert.InDelta(t, 1.0, offset, 1e-9)

	later := now.Add(1)
	offsetLater, _ := s.Query(later)
	assert.LessOrEqual(t, offsetLater, offset)
}

func TestResetReLocks(t *testing.T) {
	s := New(Config{MaxFreq: 100, MaxWander: 1})
	now := rawclock.Now()
	s.Update(now, 1.0, 0.0)
	assert.Greater(t, s.ScheduleDuration().Seconds(), 0.0)

	s.Reset()
	offset, freq := s.Query(now)
	assert.Equal(t, 0.0, offset)
	assert.Equal(t, 0.0, freq)
}

func TestNotifyStepKnownShiftsLastUpdate(t *testing.T) {
	s := New(Config{MaxFreq: 100, MaxWander: 1})
	now := rawclock.Now()
	s.Update(now, 1.0, 0.0)

	s.NotifyStep(2, true)
	assert.InDelta(t, now.Seconds()+2, s.lastUpdate.Seconds(), 1e-9)
}

func TestNotifyStepUnknownResets(t *testing.T) {
	s := New(Config{MaxFreq: 100, MaxWander: 1})
	now := rawclock.Now()
	s.Update(now, 1.0, 0.0)

	s.NotifyStep(2, false)
	assert.True(t, s.locked)
}
