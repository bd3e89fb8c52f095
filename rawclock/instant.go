// Package rawclock provides the Instant time representation shared by
// every subsystem, and the platform hook for reading the kernel's raw
// (uncorrected) clock. "Raw" vs "cooked" time is defined in spec.md's
// glossary: raw is what the kernel reports; cooked is raw plus the
// discipline engine's current correction.
package rawclock

import "time"

// Instant is a (seconds, microseconds) timestamp, matching the
// precision chrony's struct timespec-based representation actually
// exercises. Arithmetic goes through float64 seconds, same as the
// original C's timespec-to-double conversions in sys_generic.c.
type Instant struct {
	Sec  int64
	Usec int32
}

// Now returns the current raw instant from the system's realtime
// clock. Tests substitute a fixed clock via SetNowFuncForTesting.
func Now() Instant { return FromTime(nowFunc()) }

var nowFunc = time.Now

// FromTime converts a time.Time to an Instant, truncating to
// microsecond resolution.
func FromTime(t time.Time) Instant {
	return Instant{Sec: t.Unix(), Usec: int32(t.Nanosecond() / 1000)}
}

// Time converts back to a time.Time (UTC).
func (i Instant) Time() time.Time {
	return time.Unix(i.Sec, int64(i.Usec)*1000).UTC()
}

// Seconds returns the instant as a float64 number of seconds since the
// Unix epoch, the representation most of the filtering/discipline math
// is naturally expressed in.
func (i Instant) Seconds() float64 {
	return float64(i.Sec) + float64(i.Usec)/1e6
}

// FromSeconds builds an Instant from a float64 number of seconds.
func FromSeconds(s float64) Instant {
	sec := int64(s)
	frac := s - float64(sec)
	if frac < 0 {
		sec--
		frac += 1
	}
	return Instant{Sec: sec, Usec: int32(frac * 1e6)}
}

// Sub returns i - j in seconds, as a real number (spec.md §3: "Instant
// ... arithmetic by conversion to a real").
func (i Instant) Sub(j Instant) float64 {
	return i.Seconds() - j.Seconds()
}

// Add returns the instant offset by secs seconds (may be negative).
func (i Instant) Add(secs float64) Instant {
	return FromSeconds(i.Seconds() + secs)
}

// Before reports whether i occurs strictly before j.
func (i Instant) Before(j Instant) bool { return i.Seconds() < j.Seconds() }

// After reports whether i occurs strictly after j.
func (i Instant) After(j Instant) bool { return i.Seconds() > j.Seconds() }

// SetNowFuncForTesting overrides the time source used by Now. Tests must
// restore the previous function (the return value) when done.
func SetNowFuncForTesting(f func() time.Time) (restore func()) {
	prev := nowFunc
	nowFunc = f
	return func() { nowFunc = prev }
}
