package refclock

import (
	"math"
	"sort"

	"github.com/timewarden/timewardend/rawclock"
)

// filterSample is one ring-buffer entry of a MedianFilter (spec.md §3).
type filterSample struct {
	instant    rawclock.Instant
	offset     float64
	dispersion float64
}

// MedianFilter is the per-refclock sample filter of spec.md §4.3: a
// ring buffer of recent samples, reduced to one (offset, dispersion)
// estimate per emission via outlier rejection, regression, and a
// long-term variance comparison.
type MedianFilter struct {
	buf    []filterSample
	length int
	index  int // next insertion slot
	used   int
	last   int // index of most recently inserted sample

	meanVariance float64
	varianceDOF  float64
	maxVariance  float64
}

// maxVarianceDOF caps the effective degrees of freedom behind the
// long-term mean-variance estimator (spec.md §4.3).
const maxVarianceDOF = 50.0

// minFillForStats is the minimum sample count before any statistics are
// computed, unless the filter itself is smaller than this (spec.md
// §4.3).
const minFillForStats = 4

// NewMedianFilter allocates a filter holding up to length samples, which
// will reject any reduced-sample variance above maxVariance.
func NewMedianFilter(length int, maxVariance float64) *MedianFilter {
	if length < 1 {
		length = 1
	}
	return &MedianFilter{
		buf:         make([]filterSample, length),
		length:      length,
		maxVariance: maxVariance,
	}
}

// Add inserts a new sample, overwriting the oldest once the buffer is
// full.
func (f *MedianFilter) Add(instant rawclock.Instant, offset, dispersion float64) {
	f.buf[f.index] = filterSample{instant: instant, offset: offset, dispersion: dispersion}
	f.last = f.index
	f.index = (f.index + 1) % f.length
	if f.used < f.length {
		f.used++
	}
}

// Clear empties the filter, e.g. after an emission or an unknown clock
// step (spec.md §4.3).
func (f *MedianFilter) Clear() {
	f.used = 0
	f.index = 0
	f.last = 0
}

// Used reports how many samples are currently buffered.
func (f *MedianFilter) Used() int { return f.used }

// ApplySlew adjusts every stored sample's instant by the slew and
// subtracts offsetDelta from each offset, per spec.md §4.3 "Change of
// local clock".
func (f *MedianFilter) ApplySlew(slewSeconds, offsetDelta float64) {
	for i := 0; i < f.used; i++ {
		f.buf[i].instant = f.buf[i].instant.Add(slewSeconds)
		f.buf[i].offset -= offsetDelta
	}
}

// FilterResult is the reduced estimate a successful Emit produces.
type FilterResult struct {
	Offset     float64
	Dispersion float64
}

// minimumFill returns the fill threshold below which Emit refuses to
// produce a result: at least 4 samples, or a full (smaller) filter.
func (f *MedianFilter) minimumFill() int {
	if f.length < minFillForStats {
		return f.length
	}
	return minFillForStats
}

// Emit reduces the buffered samples to one (offset, dispersion)
// estimate, following spec.md §4.3 "Median filter output", then clears
// the filter. ok is false if there are too few samples, or the
// candidate's variance exceeds maxVariance.
func (f *MedianFilter) Emit() (result FilterResult, ok bool) {
	defer f.Clear()

	if f.used < f.minimumFill() {
		return FilterResult{}, false
	}

	samples := make([]filterSample, f.used)
	copy(samples, f.buf[:f.used])

	minDispersion := math.Inf(1)
	for _, s := range samples {
		if s.dispersion < minDispersion {
			minDispersion = s.dispersion
		}
	}

	var qualified []filterSample
	threshold := 1.5 * minDispersion
	for _, s := range samples {
		if s.dispersion <= threshold {
			qualified = append(qualified, s)
		}
	}
	if len(qualified) < minFillForStats {
		qualified = samples
	}

	sort.Slice(qualified, func(i, j int) bool { return qualified[i].offset < qualified[j].offset })

	trimmed := trimOuter20Percent(qualified)

	avgDispersion := averageDispersion(samples)

	var offset, variance float64
	var dof float64
	switch {
	case len(trimmed) >= 4:
		offset, _, variance = weightedLinearRegression(trimmed, samples[f.last].instant)
		dof = float64(len(trimmed) - 2)
	case len(trimmed) >= 2:
		offset, variance = meanAndVariance(trimmed)
		dof = float64(len(trimmed) - 1)
	default:
		offset = trimmed[0].offset
		variance = trimmed[0].dispersion * trimmed[0].dispersion
		dof = 1
	}

	if f.maxVariance > 0 && variance > f.maxVariance {
		return FilterResult{}, false
	}

	dispersion := f.reconcileWithLongTermVariance(variance, dof)
	if dispersion < avgDispersion {
		dispersion = avgDispersion
	}

	return FilterResult{Offset: offset, Dispersion: dispersion}, true
}

func trimOuter20Percent(sorted []filterSample) []filterSample {
	n := len(sorted)
	cut := n / 5 // 20%
	if n-2*cut < 1 {
		return sorted
	}
	return sorted[cut : n-cut]
}

func averageDispersion(samples []filterSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.dispersion
	}
	return sum / float64(len(samples))
}

func meanAndVariance(samples []filterSample) (mean, variance float64) {
	for _, s := range samples {
		mean += s.offset
	}
	mean /= float64(len(samples))
	for _, s := range samples {
		d := s.offset - mean
		variance += d * d
	}
	variance /= float64(len(samples) - 1)
	return
}

// weightedLinearRegression fits offset = intercept + slope*(t-refTime),
// weighted by inverse dispersion, returning the intercept evaluated at
// refTime (the reported offset), the slope, and the variance of the
// intercept.
func weightedLinearRegression(samples []filterSample, ref rawclock.Instant) (intercept, slope, interceptVariance float64) {
	n := float64(len(samples))
	var sw, swx, swy, swxx, swxy float64
	for _, s := range samples {
		w := 1.0
		if s.dispersion > 0 {
			w = 1 / (s.dispersion * s.dispersion)
		}
		x := s.instant.Sub(ref)
		y := s.offset
		sw += w
		swx += w * x
		swy += w * y
		swxx += w * x * x
		swxy += w * x * y
	}
	denom := sw*swxx - swx*swx
	if denom == 0 {
		var mean float64
		for _, s := range samples {
			mean += s.offset
		}
		return mean / n, 0, 0
	}
	slope = (sw*swxy - swx*swy) / denom
	intercept = (swy - slope*swx) / sw

	var sse float64
	for _, s := range samples {
		x := s.instant.Sub(ref)
		fit := intercept + slope*x
		res := s.offset - fit
		sse += res * res
	}
	dof := n - 2
	if dof < 1 {
		dof = 1
	}
	interceptVariance = sse / dof / sw
	return
}

// reconcileWithLongTermVariance updates the exponentially-weighted mean
// variance estimator and, if the short-term variance isn't
// significantly above it (a chi-squared comparison at `dof` degrees of
// freedom), scales the result toward the long-term mean, per spec.md
// §4.3.
func (f *MedianFilter) reconcileWithLongTermVariance(variance, dof float64) float64 {
	if f.varianceDOF == 0 {
		f.meanVariance = variance
		f.varianceDOF = dof
		return math.Sqrt(variance)
	}

	ratio := variance / f.meanVariance
	// A rough chi-squared-flavoured significance test: only treat the
	// short-term estimate as distinct once it exceeds the long-term
	// mean by more than twice the relative standard error implied by
	// dof.
	significant := ratio > 1+2/math.Sqrt(dof)

	newDOF := f.varianceDOF + dof
	if newDOF > maxVarianceDOF {
		newDOF = maxVarianceDOF
	}
	weight := dof / newDOF
	f.meanVariance = f.meanVariance*(1-weight) + variance*weight
	f.varianceDOF = newDOF

	if significant {
		return math.Sqrt(variance)
	}
	return math.Sqrt(f.meanVariance)
}
