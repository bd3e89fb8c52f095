package refclock

import (
	"fmt"
	"sort"
	"sync"

	"github.com/timewarden/timewardend/rawclock"
)

// Sample is one raw observation a Driver hands to its Instance: the
// local raw-clock instant closest to the reference event, and the
// driver's own estimate of the reading's dispersion in seconds.
type Sample struct {
	Instant    rawclock.Instant
	Offset     float64
	Dispersion float64
}

// PollDriver is implemented by reference clocks that are sampled on a
// schedule rather than pushing data as it arrives (e.g. SHM, PHC),
// grounded on original_source/refclock_shm.c and refclock_phc.c's
// poll entry points.
type PollDriver interface {
	// Poll takes one reading. ok is false if no new data is available.
	Poll(now rawclock.Instant) (sample Sample, ok bool, err error)
}

// PulseDriver is implemented by reference clocks that deliver
// asynchronous pulses over a readable file descriptor (PPS),
// grounded on original_source/refclock_pps.c.
type PulseDriver interface {
	// FD returns the descriptor to watch for pulse readiness.
	FD() int
	// ReadPulse consumes one pending pulse and returns the raw-clock
	// instant it was observed at, for lock-reference alignment against
	// a companion source (spec.md §4.3 "PPS / lock-reference alignment").
	ReadPulse() (rawclock.Instant, error)
}

// PushDriver is implemented by reference clocks that deliver complete
// samples (not just a pulse edge) over a readable file descriptor,
// e.g. chrony's SOCK protocol, grounded on
// original_source/refclock_sock.c.
type PushDriver interface {
	FD() int
	// ReadSample consumes one pending datagram and returns the fully
	// formed sample it carries.
	ReadSample() (Sample, error)
}

// Driver is the common lifecycle every reference-clock backend
// implements, regardless of whether it's poll-, pulse- or push-based. A
// concrete driver implements Driver plus exactly one of PollDriver,
// PulseDriver or PushDriver.
type Driver interface {
	// Open acquires whatever OS resource (shared memory segment, unix
	// socket, PPS device node) the driver needs, using the raw
	// parameter string from the refclock declaration line (spec.md §6).
	Open(parameter string) error
	Close() error
}

// driverFactory constructs a fresh, unopened Driver instance.
type driverFactory func() Driver

var (
	driversMu sync.RWMutex
	drivers   = map[string]driverFactory{}
)

// RegisterDriver makes a named Driver variant available to NewInstance.
// Call from an init() function in a driver's own file, mirroring
// discipline.RegisterBackend.
func RegisterDriver(name string, factory driverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[name]; ok {
		panic(fmt.Sprintf("refclock: driver already registered: %s", name))
	}
	drivers[name] = factory
}

// RegisteredDrivers lists every driver name registered so far, sorted,
// for introspection by the root package's module registry.
func RegisteredDrivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getDriver(name string) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("refclock: unknown driver %q", name)
	}
	return factory(), nil
}
