//go:build linux

package refclockdrivers

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/refclock"
)

func init() {
	refclock.RegisterDriver("pps", func() refclock.Driver { return &ppsDriver{} })
}

// ppsKtime mirrors the kernel's struct pps_ktime (linux/pps.h).
type ppsKtime struct {
	Sec   int64
	Nsec  int32
	Flags uint32
}

// ppsFdata mirrors struct pps_fdata, the PPS_FETCH ioctl's payload.
type ppsFdata struct {
	Clear  ppsKtime
	Assert ppsKtime
}

// ppsFetchIoctl is PPS_FETCH = _IOWR('1', 0xa4, struct pps_fdata),
// computed with the standard asm-generic ioctl encoding (direction,
// size, type, number), per original_source/refclock_pps.c's use of
// the kernel PPS API.
const ppsFetchIoctl = (3 << 30) | (uintptr(unsafe.Sizeof(ppsFdata{})) << 16) | ('1' << 8) | 0xa4

// ppsDriver implements refclock.PulseDriver against a Linux kernel PPS
// source device (/dev/ppsN), fetched via ioctl once the scheduler
// reports the device readable.
type ppsDriver struct {
	f *os.File
}

func (d *ppsDriver) Open(parameter string) error {
	if parameter == "" {
		return fmt.Errorf("pps: parameter must be a /dev/ppsN path")
	}
	f, err := os.OpenFile(parameter, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("pps: opening %s: %w", parameter, err)
	}
	d.f = f
	return nil
}

func (d *ppsDriver) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}

func (d *ppsDriver) FD() int { return int(d.f.Fd()) }

func (d *ppsDriver) ReadPulse() (rawclock.Instant, error) {
	var data ppsFdata
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ppsFetchIoctl, uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return rawclock.Instant{}, fmt.Errorf("pps: PPS_FETCH: %w", errno)
	}
	return rawclock.Instant{Sec: data.Assert.Sec, Usec: data.Assert.Nsec / 1000}, nil
}

var _ refclock.PulseDriver = (*ppsDriver)(nil)
