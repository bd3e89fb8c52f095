// Package refclock implements the reference-clock pipeline of spec.md
// §4.3: driver-specific sample acquisition (SHM, SOCK, PPS, PHC),
// median filtering, and PPS lock-reference alignment, feeding corrected
// offsets into the clock-discipline engine exactly like a remote
// source would.
package refclock

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/scheduler"
)

// pollClass groups every refclock's poll timeout so AddTimeoutInClass
// can keep separate instances from bunching up, the same jitter
// mechanism the source registry's NTP polls use (spec.md §4.1).
const pollClass scheduler.TimeoutClass = "refclock-poll"

// LeapStatus mirrors the NTP leap indicator encoding
// discipline.LeapBackend.SetLeapStatus expects: 0 is normal, 1 flags
// an inserted leap second, 2 a deleted one.
type LeapStatus int

const (
	LeapNormal LeapStatus = 0
	LeapInsert LeapStatus = 1
	LeapDelete LeapStatus = 2
)

// Config declares one reference clock. It is decoded from JSON; its
// fields carry what a refclock line (spec.md §6) declares, `refclock
// <driver> <parameter> [options]`, but no parser for that line format
// exists here.
type Config struct {
	Driver   string `json:"driver"`
	Parameter string `json:"parameter"`

	PollInterval time.Duration `json:"poll_interval,omitempty"`

	// Offset is a fixed correction applied to every reading (cable
	// delay, timestamping latency).
	Offset float64 `json:"offset,omitempty"`
	// Delay is the assumed one-way delay folded into dispersion.
	Delay float64 `json:"delay,omitempty"`

	FilterLength  int     `json:"filter_length,omitempty"`
	MaxDispersion float64 `json:"max_dispersion,omitempty"`

	Prefer   bool `json:"prefer,omitempty"`
	NoSelect bool `json:"noselect,omitempty"`

	// Rate is the PPS pulse rate in Hz, normalizing offsets into
	// [-1/(2*rate), 1/(2*rate)) instead of a bare second (spec.md
	// §4.3). Values below 1 are clamped to 1, mirroring
	// original_source/refclock.c's RCL_AddRefclock.
	Rate int `json:"rate,omitempty"`

	// LockAs names a companion source this pulse (PPS) driver should accept
	// integer-second disambiguation from (spec.md §4.3 "PPS / lock
	// reference alignment"). Empty disables the lock reference and
	// instead requires the system to already be synchronized before
	// trusting an unaided pulse.
	LockAs string `json:"lock_as,omitempty"`
}

// Instance is one configured, running reference clock.
type Instance struct {
	cfg    Config
	driver Driver
	filter *MedianFilter

	sched *scheduler.Scheduler
	eng   *discipline.Engine
	log   *zap.Logger

	pollTimeout scheduler.TimeoutID

	rate int

	// lockOffset/lockLeap are the most recent companion estimate and
	// leap status used to disambiguate which whole cycle a PPS pulse
	// belongs to; lockAt is when they were supplied, so a stale lock
	// reference can be rejected (spec.md §4.3).
	lockOffset     float64
	lockLeap       LeapStatus
	lockAt         rawclock.Instant
	haveLockOffset bool

	// leapStatus is the leap status most recently inherited from the
	// lock reference (or LeapNormal when pulses are accepted on
	// synchronization alone).
	leapStatus LeapStatus

	subs []func(Sample)
}

// NewInstance opens cfg's driver and wires it into sched, registering
// either a poll timeout (PollDriver) or a readiness handler
// (PulseDriver or PushDriver).
func NewInstance(cfg Config, sched *scheduler.Scheduler, eng *discipline.Engine) (*Instance, error) {
	drv, err := getDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(cfg.Parameter); err != nil {
		return nil, fmt.Errorf("refclock: opening %s %q: %w", cfg.Driver, cfg.Parameter, err)
	}

	length := cfg.FilterLength
	if length <= 0 {
		length = 8
	}
	rate := cfg.Rate
	if rate < 1 {
		rate = 1
	}
	inst := &Instance{
		cfg:    cfg,
		driver: drv,
		filter: NewMedianFilter(length, cfg.MaxDispersion),
		sched:  sched,
		eng:    eng,
		rate:   rate,
		log:    zap.NewNop(),
	}

	switch d := drv.(type) {
	case PollDriver:
		inst.schedulePoll(d)
	case PulseDriver:
		if err := sched.RegisterReadableFD(d.FD(), inst.onPulseReadable, d); err != nil {
			drv.Close()
			return nil, err
		}
	case PushDriver:
		if err := sched.RegisterReadableFD(d.FD(), inst.onPushReadable, d); err != nil {
			drv.Close()
			return nil, err
		}
	default:
		drv.Close()
		return nil, fmt.Errorf("refclock: driver %q implements neither PollDriver, PulseDriver, nor PushDriver", cfg.Driver)
	}

	return inst, nil
}

// SetLogger attaches a logger for sample-rejection diagnostics.
func (inst *Instance) SetLogger(l *zap.Logger) { inst.log = l }

// Subscribe registers fn to receive every accepted, filtered sample.
// The source registry is the intended subscriber, treating a refclock
// exactly like a remote source once filtered (spec.md §4.3).
func (inst *Instance) Subscribe(fn func(Sample)) {
	inst.subs = append(inst.subs, fn)
}

// Close releases the underlying driver resource and cancels any
// outstanding poll timeout.
func (inst *Instance) Close() error {
	if inst.pollTimeout != 0 {
		inst.sched.CancelTimeout(inst.pollTimeout)
	}
	if pd, ok := inst.driver.(PulseDriver); ok {
		inst.sched.UnregisterReadableFD(pd.FD())
	}
	if pd, ok := inst.driver.(PushDriver); ok {
		inst.sched.UnregisterReadableFD(pd.FD())
	}
	return inst.driver.Close()
}

// LockReference supplies a companion source's current offset estimate
// and leap status, sampled at at, used to disambiguate which whole
// cycle a PPS pulse belongs to and to inherit a leap-second warning
// (spec.md §4.3).
func (inst *Instance) LockReference(offsetSeconds float64, leap LeapStatus, at rawclock.Instant) {
	inst.lockOffset = offsetSeconds
	inst.lockLeap = leap
	inst.lockAt = at
	inst.haveLockOffset = true
}

// LeapStatus returns the leap status last inherited from the lock
// reference (spec.md §4.3), or LeapNormal if no pulse has been
// accepted through one yet.
func (inst *Instance) LeapStatus() LeapStatus { return inst.leapStatus }

func (inst *Instance) schedulePoll(d PollDriver) {
	interval := inst.cfg.PollInterval
	if interval <= 0 {
		interval = 16 * time.Second
	}
	inst.pollTimeout = inst.sched.AddTimeoutInClass(interval, interval/4, 0.1, pollClass, func(now rawclock.Instant, _ any) {
		inst.doPoll(d, now)
		inst.schedulePoll(d)
	}, nil)
}

func (inst *Instance) doPoll(d PollDriver, now rawclock.Instant) {
	sample, ok, err := d.Poll(now)
	if err != nil {
		inst.log.Warn("refclock poll failed", zap.String("driver", inst.cfg.Driver), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	inst.intake(sample)
}

func (inst *Instance) onPulseReadable(fd int, arg any) {
	d := arg.(PulseDriver)
	pulse, err := d.ReadPulse()
	if err != nil {
		inst.log.Warn("refclock pulse read failed", zap.String("driver", inst.cfg.Driver), zap.Error(err))
		return
	}
	offset, ok := inst.resolvePulseOffset(pulse)
	if !ok {
		return
	}
	inst.intake(Sample{Instant: pulse, Offset: offset, Dispersion: inst.cfg.Delay})
}

// pulseLockMaxAge is how stale (in units of 1/rate) a lock reference
// may be before a pulse relying on it is dropped, per
// original_source/refclock.c's RCL_AddPulse sample_diff rejection.
const pulseLockMaxAge = 2.0

// pulseSyncMaxDistance is the root-distance ceiling (in units of
// 1/rate) a pulse may be accepted at when there's no lock reference,
// per RCL_AddPulse's no-lock branch.
const pulseSyncMaxDistance = 0.5

// resolvePulseOffset turns a raw pulse instant into a sub-cycle offset
// against the nearest 1/rate boundary, per spec.md §4.3's PPS intake
// algorithm (grounded on original_source/refclock.c's RCL_AddPulse).
// With a configured lock reference, the offset is aligned to whichever
// side of the boundary the companion source's last estimate puts it
// on, and its leap status is inherited. Without one, the pulse is only
// trusted once the system is itself synchronized to within
// 0.5/rate — otherwise the filter is reset and the pulse dropped, the
// same as an unreliable lock reference would be.
func (inst *Instance) resolvePulseOffset(pulse rawclock.Instant) (float64, bool) {
	rate := float64(inst.rate)
	period := 1.0 / rate
	half := period / 2

	fracUsec := float64(pulse.Usec) / 1e6 // in [0,1)
	posInPeriod := math.Mod(fracUsec, period)

	// Half-open interval [-0.5/rate, 0.5/rate): the boundary itself
	// wraps to the negative side rather than the positive one.
	var offset float64
	if posInPeriod <= half {
		offset = -posInPeriod
	} else {
		offset = period - posInPeriod
	}

	if inst.cfg.LockAs != "" {
		if !inst.haveLockOffset {
			inst.log.Debug("discarding PPS pulse with no lock-reference sample yet",
				zap.String("driver", inst.cfg.Driver))
			return 0, false
		}
		age := pulse.Sub(inst.lockAt)
		if age < 0 {
			age = -age
		}
		if age >= pulseLockMaxAge/rate {
			inst.log.Debug("discarding PPS pulse with stale lock reference",
				zap.String("driver", inst.cfg.Driver), zap.Float64("age_seconds", age))
			return 0, false
		}
		// Pick whichever of the two candidate offsets (this one, or the
		// one a full cycle away) is closer to the companion's estimate.
		alt := offset - math.Copysign(period, offset)
		if math.Abs(alt-inst.lockOffset) < math.Abs(offset-inst.lockOffset) {
			offset = alt
		}
		inst.leapStatus = inst.lockLeap
		return offset, true
	}

	synced, distance := inst.eng.SyncStatus(pulse)
	if !synced || distance >= pulseSyncMaxDistance/rate {
		inst.filter.Clear()
		inst.log.Debug("discarding PPS pulse, system not sufficiently synchronized",
			zap.String("driver", inst.cfg.Driver), zap.Bool("synchronized", synced),
			zap.Float64("distance_seconds", distance))
		return 0, false
	}
	inst.leapStatus = LeapNormal
	return offset, true
}

func (inst *Instance) onPushReadable(fd int, arg any) {
	d := arg.(PushDriver)
	sample, err := d.ReadSample()
	if err != nil {
		inst.log.Warn("refclock sample read failed", zap.String("driver", inst.cfg.Driver), zap.Error(err))
		return
	}
	inst.intake(sample)
}

func (inst *Instance) intake(raw Sample) {
	cooked, _ := inst.eng.OffsetConvert(raw.Instant)
	offset := raw.Offset + inst.cfg.Offset
	dispersion := raw.Dispersion + inst.cfg.Delay
	inst.filter.Add(cooked, offset, dispersion)

	if inst.filter.Used() < inst.filter.minimumFill() {
		return
	}
	result, ok := inst.filter.Emit()
	if !ok {
		return
	}
	sample := Sample{Instant: cooked, Offset: result.Offset, Dispersion: result.Dispersion}
	for _, fn := range inst.subs {
		fn(sample)
	}
}
