//go:build linux

// Package refclockdrivers supplies the concrete refclock.Driver
// variants: SHM (ntpd/chrony shared-memory segments), SOCK (chrony's
// unix-domain-socket refclock protocol), PPS (the Linux kernel PPS
// API), and PHC (PTP hardware clocks via their dynamic POSIX clockid).
// Each registers itself with the refclock package from an init(), the
// same capability-registry pattern discipline.RegisterBackend uses.
package refclockdrivers

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/refclock"
)

func init() {
	refclock.RegisterDriver("shm", func() refclock.Driver { return &shmDriver{} })
}

// shmSegment mirrors ntpd/chrony's struct shmTime layout on a 64-bit
// platform: two 32-bit ints, then 8-byte-aligned time_t fields, per
// original_source/refclock_shm.c.
type shmSegment struct {
	Mode        int32
	Count       int32
	ClockSec    int64
	ClockUSec   int32
	ReceiveSec  int64
	ReceiveUSec int32
	Leap        int32
	Precision   int32
	NSamples    int32
	Valid       int32
	ClockNSec   uint32
	ReceiveNSec uint32
	Dummy       [8]int32
}

// shmDriver implements refclock.PollDriver against a System V shared
// memory segment, grounded on original_source/refclock_shm.c.
type shmDriver struct {
	id  int
	mem []byte
}

// Open attaches to the SHM segment keyed 0x4e545030+unit, where
// parameter is the unit number (chrony's `refclock SHM <unit>` line).
func (d *shmDriver) Open(parameter string) error {
	unit, err := strconv.Atoi(parameter)
	if err != nil {
		return fmt.Errorf("shm: parameter must be a unit number, got %q", parameter)
	}
	key := 0x4e545030 + unit

	id, err := unix.SysvShmGet(key, int(unsafe.Sizeof(shmSegment{})), unix.IPC_CREAT|0o600)
	if err != nil {
		return fmt.Errorf("shm: shmget key %#x: %w", key, err)
	}
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return fmt.Errorf("shm: shmat id %d: %w", id, err)
	}
	d.id = id
	d.mem = mem
	return nil
}

func (d *shmDriver) Close() error {
	if d.mem == nil {
		return nil
	}
	err := unix.SysvShmDetach(d.mem)
	d.mem = nil
	return err
}

// Poll reads the segment using the writer/reader handshake from the
// NTP SHM refclock protocol: the writer bumps Count before and after
// writing; the reader returns no sample while Valid is clear, and
// retries (up to three attempts) if Count changed mid-read.
func (d *shmDriver) Poll(now rawclock.Instant) (refclock.Sample, bool, error) {
	if d.mem == nil {
		return refclock.Sample{}, false, fmt.Errorf("shm: driver not open")
	}
	seg := (*shmSegment)(unsafe.Pointer(&d.mem[0]))

	for attempt := 0; attempt < 3; attempt++ {
		if atomic.LoadInt32(&seg.Valid) == 0 {
			return refclock.Sample{}, false, nil
		}
		c1 := atomic.LoadInt32(&seg.Count)
		clockSec, clockUsec := seg.ClockSec, seg.ClockUSec
		recvSec, recvUsec := seg.ReceiveSec, seg.ReceiveUSec
		c2 := atomic.LoadInt32(&seg.Count)
		if c1 != c2 {
			continue
		}

		atomic.StoreInt32(&seg.Valid, 0)

		clockInstant := rawclock.Instant{Sec: clockSec, Usec: clockUsec}
		receiveInstant := rawclock.Instant{Sec: recvSec, Usec: recvUsec}
		offset := clockInstant.Sub(receiveInstant)

		return refclock.Sample{
			Instant:    receiveInstant,
			Offset:     offset,
			Dispersion: 0,
		}, true, nil
	}
	return refclock.Sample{}, false, fmt.Errorf("shm: segment busy after retries")
}

var _ refclock.PollDriver = (*shmDriver)(nil)
