package refclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/scheduler"
)

func newTestInstance(t *testing.T, cfg Config) *Instance {
	t.Helper()
	sched := scheduler.New()
	eng, err := discipline.New(discipline.DefaultConfig(), sched)
	require.NoError(t, err)

	rate := cfg.Rate
	if rate < 1 {
		rate = 1
	}
	length := cfg.FilterLength
	if length <= 0 {
		length = 8
	}
	return &Instance{
		cfg:    cfg,
		filter: NewMedianFilter(length, cfg.MaxDispersion),
		eng:    eng,
		rate:   rate,
		log:    zap.NewNop(),
	}
}

func TestResolvePulseOffsetBoundaryWrapsNegative(t *testing.T) {
	inst := newTestInstance(t, Config{})
	require.NoError(t, inst.eng.AccrueOffset(0, 1))

	offset, ok := inst.resolvePulseOffset(rawclock.Instant{Sec: 100, Usec: 500000})
	require.True(t, ok)
	assert.InDelta(t, -0.5, offset, 1e-9)
}

func TestResolvePulseOffsetUsesRateForInterval(t *testing.T) {
	inst := newTestInstance(t, Config{Rate: 2})
	require.NoError(t, inst.eng.AccrueOffset(0, 1))

	// Rate 2 -> period 0.5s, boundary at exactly 0.25 wraps to -0.25.
	offset, ok := inst.resolvePulseOffset(rawclock.Instant{Sec: 100, Usec: 250000})
	require.True(t, ok)
	assert.InDelta(t, -0.25, offset, 1e-9)
}

func TestResolvePulseOffsetWithoutLockRequiresSync(t *testing.T) {
	inst := newTestInstance(t, Config{})

	_, ok := inst.resolvePulseOffset(rawclock.Instant{Sec: 100, Usec: 100000})
	assert.False(t, ok, "an unsynchronized engine must reject the pulse")
}

func TestResolvePulseOffsetWithoutLockAcceptsOnceSynchronized(t *testing.T) {
	inst := newTestInstance(t, Config{})
	require.NoError(t, inst.eng.AccrueOffset(0, 1))

	offset, ok := inst.resolvePulseOffset(rawclock.Instant{Sec: 100, Usec: 100000})
	require.True(t, ok)
	assert.InDelta(t, -0.1, offset, 1e-9)
	assert.Equal(t, LeapNormal, inst.LeapStatus())
}

func TestResolvePulseOffsetRequiresLockReferenceWhenConfigured(t *testing.T) {
	inst := newTestInstance(t, Config{LockAs: "companion"})
	require.NoError(t, inst.eng.AccrueOffset(0, 1))

	_, ok := inst.resolvePulseOffset(rawclock.Instant{Sec: 100, Usec: 0})
	assert.False(t, ok, "a configured lock reference with no sample yet must drop the pulse")
}

func TestResolvePulseOffsetDropsStaleLockReference(t *testing.T) {
	inst := newTestInstance(t, Config{LockAs: "companion"})
	inst.LockReference(0, LeapNormal, rawclock.Instant{Sec: 0})

	_, ok := inst.resolvePulseOffset(rawclock.Instant{Sec: 100, Usec: 0})
	assert.False(t, ok, "a lock reference older than 2/rate must be rejected")
}

func TestResolvePulseOffsetAlignsToLockReferenceAndInheritsLeap(t *testing.T) {
	inst := newTestInstance(t, Config{LockAs: "companion"})
	// The naive reduction puts this pulse at +0.1s, but the companion's
	// estimate (-0.92s) is far closer to the candidate a full cycle
	// away (-0.9s); the lock reference must pick that one instead.
	inst.LockReference(-0.92, LeapInsert, rawclock.Instant{Sec: 100})

	offset, ok := inst.resolvePulseOffset(rawclock.Instant{Sec: 100, Usec: 900000})
	require.True(t, ok)
	assert.InDelta(t, -0.9, offset, 1e-9)
	assert.Equal(t, LeapInsert, inst.LeapStatus())
}
