// Package discipline implements the generic clock-discipline engine of
// spec.md §4.2: it translates an outstanding offset and a suggested
// correction rate into a bounded three-stage slew, and exposes the
// raw-to-cooked time mapping every other subsystem reads through.
package discipline

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/scheduler"
)

const (
	// MaxSlewTimeout is used when the outstanding offset is so small
	// (<1ns) that there is effectively nothing left to correct.
	MaxSlewTimeout = 10000 * time.Second
	// MinSlewTimeout bounds how often the slew is revisited even when
	// the outstanding offset is still large.
	MinSlewTimeout = 1 * time.Second
	// negligibleOffset is the "effectively zero" threshold from spec.md
	// §4.2 step 2.
	negligibleOffset = 1e-9
)

// PlatformBackend is the capability interface a clock-discipline
// back-end implements, per spec.md §4.2 "Platform contract" and the
// REDESIGN FLAGS note turning the original's function-pointer vtable
// into a small closed set of variants (linux, bsd, solaris, sunos,
// generic). The engine owns the slew state machine; the back-end owns
// the kernel syscall surface.
type PlatformBackend interface {
	// ReadFrequency returns the kernel's current frequency offset, ppm.
	ReadFrequency() (ppm float64, err error)
	// SetFrequency installs a new frequency offset and returns the
	// value the kernel actually applied (which may be rounded).
	SetFrequency(ppm float64) (actualPPM float64, err error)
	// MaxFreq is the largest frequency offset this platform allows, ppm.
	MaxFreq() float64
	// MaxFreqChangeDelay bounds how long a frequency change takes to
	// settle; used both to size induced dispersion and to decide when
	// slew_error is still meaningful.
	MaxFreqChangeDelay() time.Duration
}

// StepBackend is optionally implemented by a PlatformBackend that can
// step the clock discontinuously.
type StepBackend interface {
	ApplyStepOffset(seconds float64) error
}

// SyncStatusBackend is optionally implemented to report sync state to
// the kernel (e.g. Linux's STA_UNSYNC).
type SyncStatusBackend interface {
	SetSyncStatus(synchronized bool, estErrorSeconds, maxErrorSeconds float64) error
}

// LeapBackend is optionally implemented to hint an upcoming leap second.
type LeapBackend interface {
	SetLeapStatus(pending int) error
}

// RTCBackend is optionally implemented to persist/restore the
// battery-backed real-time clock across restarts (spec.md §6 names the
// RTC persistence file as an external collaborator's concern; this
// interface is the contract the discipline engine hands that collaborator).
type RTCBackend interface {
	ReadRTC() (rawclock.Instant, error)
	WriteRTC(rawclock.Instant) error
}

// Config configures an Engine.
type Config struct {
	// Backend selects a registered PlatformBackend by name ("linux",
	// "generic").
	Backend string `json:"backend,omitempty"`
	// MaxSlewRate caps the correction frequency the engine will ever
	// request, in ppm.
	MaxSlewRate float64 `json:"max_slew_rate,omitempty"`
	// BaseFreq is the frequency offset (ppm) requested by higher layers
	// independent of any outstanding offset correction.
	BaseFreq float64 `json:"base_freq,omitempty"`
}

// DefaultConfig returns reasonable defaults: the generic in-process
// backend and a 1e6 ppm cap on the correction frequency.
func DefaultConfig() Config {
	return Config{Backend: "generic", MaxSlewRate: 1e6}
}

// Engine is the clock-discipline state machine of spec.md §4.2.
type Engine struct {
	backend PlatformBackend

	maxSlewRate float64

	baseFreq        float64
	slewFreq        float64
	offsetRegister  float64
	slewStart       rawclock.Instant
	correctionRate  float64
	slewError       float64
	slewEndTimeout  scheduler.TimeoutID
	haveSlewTimeout bool
	synced          bool

	sched *scheduler.Scheduler
	log   *zap.Logger

	dispersionSubs []func(seconds float64)
	slewSubs       []func(now rawclock.Instant, offsetSeconds, slewFreq float64)
}

// New builds an Engine with the named backend and wires its first slew
// update to run via sched.
func New(cfg Config, sched *scheduler.Scheduler) (*Engine, error) {
	name := cfg.Backend
	if name == "" {
		name = "generic"
	}
	backend, err := getBackend(name)
	if err != nil {
		return nil, err
	}
	maxRate := cfg.MaxSlewRate
	if maxRate <= 0 {
		maxRate = 1e6
	}
	e := &Engine{
		backend:     backend,
		maxSlewRate: maxRate,
		baseFreq:    cfg.BaseFreq,
		slewStart:   rawclock.Now(),
		sched:       sched,
		log:         zap.NewNop(),
	}
	return e, nil
}

// SetLogger attaches a logger used for slew/step diagnostics.
func (e *Engine) SetLogger(l *zap.Logger) { e.log = l }

// Subscribe registers fn to be called with the dispersion (seconds)
// induced whenever a frequency change is applied (spec.md §4.2 step 6).
func (e *Engine) Subscribe(fn func(inducedDispersionSeconds float64)) {
	e.dispersionSubs = append(e.dispersionSubs, fn)
}

// SubscribeSlew registers fn to be called after every slew update with
// the outstanding offset register and the slew frequency just
// installed — the (offset, slew_freq) pair spec.md §4.5's time
// smoother folds in to build its own hidden correction schedule.
func (e *Engine) SubscribeSlew(fn func(now rawclock.Instant, offsetSeconds, slewFreq float64)) {
	e.slewSubs = append(e.slewSubs, fn)
}

// ReadFrequency returns the base frequency requested by higher layers.
func (e *Engine) ReadFrequency() float64 { return e.baseFreq }

// SetFrequency changes the base frequency request and re-runs the slew
// update, returning the frequency the platform backend actually
// installed.
func (e *Engine) SetFrequency(ppm float64) (float64, error) {
	e.baseFreq = ppm
	return e.updateSlew()
}

// AccrueOffset adds seconds to the outstanding offset register, with a
// suggested correction rate (seconds·seconds, i.e. desired correction
// time times offset, per spec.md §3), and re-runs the slew update.
func (e *Engine) AccrueOffset(seconds, correctionRate float64) error {
	e.offsetRegister += seconds
	e.correctionRate = correctionRate
	e.synced = true
	_, err := e.updateSlew()
	return err
}

// SyncStatus reports whether the engine has ever accrued a correction
// from a source, and the current error bound at raw time now. It is
// this codebase's analog of chrony's REF_GetReferenceParams
// is_synchronised/root-distance pair, used by refclock's
// no-lock-reference PPS pulses (spec.md §4.3) to require a
// synchronized system before trusting an unaided pulse.
func (e *Engine) SyncStatus(now rawclock.Instant) (synchronized bool, distanceSeconds float64) {
	_, errBound := e.OffsetConvert(now)
	return e.synced, errBound
}

// ApplyStepOffset steps the clock via the platform back-end, if it
// supports stepping, and shifts slew_start by the same amount. It does
// not notify the scheduler or any other step observer, so queued
// timeouts are not shifted by it.
func (e *Engine) ApplyStepOffset(seconds float64) error {
	sb, ok := e.backend.(StepBackend)
	if !ok {
		return fmt.Errorf("discipline: backend %T cannot step the clock", e.backend)
	}
	if err := sb.ApplyStepOffset(seconds); err != nil {
		return err
	}
	e.slewStart = e.slewStart.Add(seconds)
	e.synced = true
	return nil
}

// OffsetConvert implements the raw→cooked mapping of spec.md §4.2:
// correction = slew_freq*(raw-slew_start) - offset_register. The
// reported error bound is slew_error while inside the backend's
// settling delay, zero afterward. Its signature matches
// scheduler.CookFunc so it can be passed directly to RunLoop.
func (e *Engine) OffsetConvert(raw rawclock.Instant) (rawclock.Instant, float64) {
	elapsed := raw.Sub(e.slewStart)
	correction := e.slewFreq*elapsed - e.offsetRegister
	cooked := raw.Add(correction)

	errBound := 0.0
	if math.Abs(elapsed) <= e.backend.MaxFreqChangeDelay().Seconds() {
		errBound = e.slewError
	}
	return cooked, errBound
}

// NotifyStep implements scheduler.StepObserver. An unknown step (one the
// engine did not itself request, e.g. an operator's manual `date` call
// or a suspend/resume jump) resets the offset register and re-anchors
// slew_start at now, since the previously-computed slew no longer means
// anything relative to the new raw time. A known step (one the engine
// applied itself) just shifts slew_start by the step, preserving the
// slew in progress.
func (e *Engine) NotifyStep(stepSeconds float64, known bool) {
	if known {
		e.slewStart = e.slewStart.Add(stepSeconds)
		return
	}
	e.offsetRegister = 0
	e.slewStart = rawclock.Now()
	e.log.Warn("unexpected clock step observed, resetting discipline state",
		zap.Float64("step_seconds", stepSeconds))
}

// updateSlew is the heart of the engine, spec.md §4.2 "Slew update".
func (e *Engine) updateSlew() (float64, error) {
	now := rawclock.Now()

	achieved := e.slewFreq * now.Sub(e.slewStart)
	e.offsetRegister -= achieved

	var duration time.Duration
	absOffset := math.Abs(e.offsetRegister)
	if absOffset < negligibleOffset {
		duration = MaxSlewTimeout
	} else {
		d := e.correctionRate / absOffset
		duration = time.Duration(d * float64(time.Second))
		if duration < MinSlewTimeout {
			duration = MinSlewTimeout
		}
	}

	correctionFreq := e.offsetRegister / duration.Seconds()
	correctionFreq = clamp(correctionFreq, -e.maxSlewRate/1e6, e.maxSlewRate/1e6)

	totalFreq := e.baseFreq + correctionFreq*(1e6-e.baseFreq)/1e6
	maxFreq := e.backend.MaxFreq()
	totalFreq = clamp(totalFreq, -maxFreq, maxFreq)

	actual, err := e.backend.SetFrequency(totalFreq)
	if err != nil {
		return 0, fmt.Errorf("discipline: setting kernel frequency: %w", err)
	}

	newSlewFreq := actual / 1e6
	if newSlewFreq != e.slewFreq {
		delta := math.Abs(newSlewFreq - e.slewFreq)
		induced := delta * e.backend.MaxFreqChangeDelay().Seconds()
		e.slewError = induced
		for _, sub := range e.dispersionSubs {
			sub(induced)
		}
	}
	e.slewFreq = newSlewFreq

	if absOffset >= negligibleOffset && e.slewFreq != 0 {
		d := e.offsetRegister / e.slewFreq
		duration = time.Duration(d * float64(time.Second))
		if duration < MinSlewTimeout {
			duration = MinSlewTimeout
		} else if duration > MaxSlewTimeout {
			duration = MaxSlewTimeout
		}
	}

	e.slewStart = now
	for _, sub := range e.slewSubs {
		sub(now, e.offsetRegister, e.slewFreq)
	}
	if e.sched != nil {
		if e.haveSlewTimeout {
			e.sched.CancelTimeout(e.slewEndTimeout)
		}
		target := now.Add(duration.Seconds())
		e.slewEndTimeout = e.sched.AddTimeoutAt(target, func(rawclock.Instant, any) {
			_, _ = e.updateSlew()
		}, nil)
		e.haveSlewTimeout = true
	}

	return actual, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
