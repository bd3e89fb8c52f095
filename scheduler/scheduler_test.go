package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewarden/timewardend/rawclock"
)

func TestAddTimeoutAfterFiresInOrder(t *testing.T) {
	s := New()
	s.SetWaitFuncForTesting(func(fds []int, timeout time.Duration) ([]int, error) { return nil, nil })

	var order []int
	s.AddTimeoutAfter(20*time.Millisecond, func(rawclock.Instant, any) { order = append(order, 2) }, nil)
	s.AddTimeoutAfter(5*time.Millisecond, func(rawclock.Instant, any) { order = append(order, 1) }, nil)
	s.AddTimeoutAfter(40*time.Millisecond, func(rawclock.Instant, any) {
		order = append(order, 3)
		s.RequestExit()
	}, nil)

	time.Sleep(50 * time.Millisecond)
	err := s.RunLoop(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCancelTimeout(t *testing.T) {
	s := New()
	s.SetWaitFuncForTesting(func(fds []int, timeout time.Duration) ([]int, error) { return nil, nil })

	fired := false
	id := s.AddTimeoutAfter(10*time.Millisecond, func(rawclock.Instant, any) { fired = true }, nil)
	s.CancelTimeout(id)

	s.AddTimeoutAfter(20*time.Millisecond, func(rawclock.Instant, any) { s.RequestExit() }, nil)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.RunLoop(nil))
	assert.False(t, fired)
}

func TestAddTimeoutInClassSeparatesWithinClass(t *testing.T) {
	s := New()
	s.SetWaitFuncForTesting(func(fds []int, timeout time.Duration) ([]int, error) { return nil, nil })

	const class TimeoutClass = "test-class"
	var fireTimes []rawclock.Instant
	done := 0
	record := func(now rawclock.Instant, _ any) {
		fireTimes = append(fireTimes, now)
		done++
		if done == 2 {
			s.RequestExit()
		}
	}
	id1 := s.AddTimeoutInClass(0, 50*time.Millisecond, 0, class, record, nil)
	id2 := s.AddTimeoutInClass(0, 50*time.Millisecond, 0, class, record, nil)
	s.mu.Lock()
	targetGap := s.byID[id2].target.Sub(s.byID[id1].target)
	s.mu.Unlock()
	assert.GreaterOrEqual(t, targetGap, 0.05-1e-5)

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.RunLoop(nil))
	require.Len(t, fireTimes, 2)
	gap := fireTimes[1].Sub(fireTimes[0])
	assert.GreaterOrEqual(t, gap, 0.0)
}

func TestRegisterReadableFDRejectsDuplicate(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterReadableFD(3, func(int, any) {}, nil))
	err := s.RegisterReadableFD(3, func(int, any) {}, nil)
	assert.Error(t, err)
}

func TestDrainDueInfiniteLoopGuard(t *testing.T) {
	s := New()
	s.SetWaitFuncForTesting(func(fds []int, timeout time.Duration) ([]int, error) { return nil, nil })

	var reschedule func(rawclock.Instant, any)
	reschedule = func(now rawclock.Instant, _ any) {
		s.AddTimeoutAt(now, reschedule, nil)
	}
	s.AddTimeoutAt(rawclock.Now(), reschedule, nil)

	err := s.RunLoop(nil)
	assert.Error(t, err)
}

type recordingObserver struct{ calls int }

func (o *recordingObserver) NotifyStep(stepSeconds float64, known bool) { o.calls++ }

// TestRunLoopIgnoresEarlyFDReadyAgainstLongDeadline guards against
// comparing an early fd-ready return to a long queued timeout's full
// wait duration: only a true timeout expiry (ready empty) is a
// legitimate step signal, per original_source/sched.c's
// check_current_time, which only runs after a real select/poll timeout.
func TestRunLoopIgnoresEarlyFDReadyAgainstLongDeadline(t *testing.T) {
	s := New()
	obs := &recordingObserver{}
	s.Subscribe(obs)

	require.NoError(t, s.RegisterReadableFD(7, func(int, any) { s.RequestExit() }, nil))
	s.AddTimeoutAfter(60*time.Second, func(rawclock.Instant, any) {}, nil)

	s.SetWaitFuncForTesting(func(fds []int, timeout time.Duration) ([]int, error) {
		return []int{7}, nil
	})

	require.NoError(t, s.RunLoop(nil))
	assert.Equal(t, 0, obs.calls)
}

func TestNotifyStepShiftsQueue(t *testing.T) {
	s := New()
	target := rawclock.Now().Add(10)
	id := s.AddTimeoutAt(target, func(rawclock.Instant, any) {}, nil)
	s.NotifyStep(5, true)

	s.mu.Lock()
	e := s.byID[id]
	shifted := e.target
	s.mu.Unlock()

	assert.InDelta(t, target.Seconds()+5, shifted.Seconds(), 1e-9)
}
