// Package smooth implements the time smoother of spec.md §4.5: a
// three-segment piecewise-linear frequency shaper that hides large
// offset/frequency corrections from downstream consumers of the clock,
// subject to a maximum frequency and a maximum rate of frequency change
// (wander).
package smooth

import (
	"math"
	"sync"
	"time"

	"github.com/timewarden/timewardend/rawclock"
)

// Config enables and bounds the smoother. Per spec.md §4.5 it is
// disabled unless both bounds are positive.
type Config struct {
	MaxFreq   float64 `json:"max_freq,omitempty"`   // ppm
	MaxWander float64 `json:"max_wander,omitempty"` // ppm/s
}

// segment is one leg of the three-stage schedule: a constant rate of
// frequency change (wander, ppm/s) sustained for length seconds.
type segment struct {
	wander float64
	length float64
}

// Smoother is the three-segment piecewise-polynomial shaper of spec.md
// §4.5.
type Smoother struct {
	mu sync.Mutex

	enabled   bool
	maxFreq   float64
	maxWander float64

	locked bool

	smoothOffset float64
	smoothFreq   float64
	lastUpdate   rawclock.Instant

	seg      [3]segment
	schedLen float64
}

// activationRatio is the skew/max_wander threshold below which the
// smoother activates (spec.md §4.5: "Until activated (skew /
// max_wander < 10000) all update inputs are discarded").
const activationRatio = 10000.0

// New builds a Smoother from cfg. If either bound is non-positive the
// smoother is permanently disabled and every Update is a no-op.
func New(cfg Config) *Smoother {
	s := &Smoother{
		maxFreq:   cfg.MaxFreq,
		maxWander: cfg.MaxWander,
		locked:    true,
	}
	s.enabled = cfg.MaxFreq > 0 && cfg.MaxWander > 0
	return s
}

// Enabled reports whether this smoother was configured with positive
// bounds.
func (s *Smoother) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Update folds in a newly observed (offset, slewFreq) correction from
// the discipline engine. Frequency composes as (f-df)/(1-df), matching
// spec.md §4.5. While locked (skew too large relative to max_wander),
// updates are discarded and the smoother stays un-activated.
func (s *Smoother) Update(now rawclock.Instant, offset, slewFreq float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}

	s.advanceLocked(now)

	skew := math.Abs(offset)
	if s.locked {
		if skew/s.maxWander >= activationRatio {
			return
		}
		s.locked = false
	}

	s.smoothOffset += offset
	df := slewFreq
	s.smoothFreq = (s.smoothFreq - df) / (1 - df)

	s.rebuildSchedule()
	s.lastUpdate = now
}

// advanceLocked folds elapsed time since the last update into the
// current offset/freq state before a new correction is added, so
// successive Update calls compose rather than overwrite.
func (s *Smoother) advanceLocked(now rawclock.Instant) {
	if s.lastUpdate == (rawclock.Instant{}) {
		s.lastUpdate = now
		return
	}
	elapsed := now.Sub(s.lastUpdate)
	if elapsed <= 0 {
		return
	}
	consumed, freqNow := s.integrate(elapsed)
	s.smoothOffset -= consumed
	s.smoothFreq = freqNow
}

// rebuildSchedule solves for the three-segment schedule described in
// spec.md §4.5 step 1-2: a direction d and ramp lengths L1 (ramp from
// the current smoothFreq to a peak), L3 (ramp from the peak to zero),
// with an optional plateau L2 inserted if the unclipped peak would
// exceed maxFreq.
func (s *Smoother) rebuildSchedule() {
	offset, freq, maxFreq, maxWander := s.smoothOffset, s.smoothFreq, s.maxFreq, s.maxWander

	s1 := offset / maxWander
	s2 := (freq * freq) / (2 * maxWander * maxWander)

	var d, l1, l3 float64
	found := false
	for _, dd := range []float64{1, -1} {
		disc := dd*s1 + s2
		if disc < 0 {
			continue
		}
		cand3 := math.Sqrt(disc)
		cand1 := cand3 - dd*freq/maxWander
		if cand3 >= -1e-12 && cand1 >= -1e-12 {
			d, l1, l3 = dd, math.Max(cand1, 0), math.Max(cand3, 0)
			found = true
			break
		}
	}
	if !found {
		d = 1
		if offset < 0 {
			d = -1
		}
		l1, l3 = 0, 0
	}

	peakSigned := freq + d*maxWander*l1
	peakMag := d * peakSigned
	l2 := 0.0
	if peakMag > maxFreq {
		overshoot := peakMag - maxFreq
		lc := overshoot / maxWander
		l1 = math.Max(l1-lc, 0)
		l3 = math.Max(l3-lc, 0)
		l2 = lc * (2 + overshoot/maxFreq)
		peakSigned = d * maxFreq
	}

	s.seg[0] = segment{wander: d * maxWander, length: l1}
	s.seg[1] = segment{wander: 0, length: l2}
	s.seg[2] = segment{wander: -d * maxWander, length: l3}
	s.schedLen = l1 + l2 + l3
	_ = peakSigned
}

// integrate walks the three segments for `elapsed` seconds (clamped to
// the schedule's total length) starting from smoothFreq, returning the
// offset consumed (integral of frequency over that span) and the
// instantaneous frequency reached.
func (s *Smoother) integrate(elapsed float64) (consumedOffset, freqNow float64) {
	if elapsed > s.schedLen {
		elapsed = s.schedLen
	}
	freq := s.smoothFreq
	remaining := elapsed
	for _, seg := range s.seg {
		if remaining <= 0 {
			break
		}
		t := math.Min(remaining, seg.length)
		if t <= 0 {
			continue
		}
		consumedOffset += freq*t + seg.wander*t*t/2
		freq += seg.wander * t
		remaining -= t
	}
	freqNow = freq
	return
}

// Query returns the offset still being hidden and the instantaneous
// frequency contribution at `now`, by integrating the schedule from
// lastUpdate (spec.md §4.5: "At any query, walk segments and return
// (offset, freq) by integrating").
func (s *Smoother) Query(now rawclock.Instant) (offset, freq float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.locked {
		return 0, 0
	}
	elapsed := now.Sub(s.lastUpdate)
	if elapsed < 0 {
		elapsed = 0
	}
	consumed, freqNow := s.integrate(elapsed)
	return s.smoothOffset - consumed, freqNow
}

// NotifyStep shifts last_update by a known step (spec.md §4.5), since
// the schedule is anchored in raw-clock time. An unknown step resets
// the smoother instead.
func (s *Smoother) NotifyStep(stepSeconds float64, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !known {
		s.Reset()
		return
	}
	s.lastUpdate = s.lastUpdate.Add(stepSeconds)
}

// Reset clears accumulators and re-locks the smoother, as if freshly
// constructed.
func (s *Smoother) Reset() {
	s.smoothOffset = 0
	s.smoothFreq = 0
	s.seg = [3]segment{}
	s.schedLen = 0
	s.locked = true
}

// ScheduleDuration returns the total length of the currently active
// three-segment schedule, mostly useful for tests.
func (s *Smoother) ScheduleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.schedLen * float64(time.Second))
}
