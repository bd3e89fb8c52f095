//go:build linux

package refclockdrivers

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/refclock"
)

func init() {
	refclock.RegisterDriver("phc", func() refclock.Driver { return &phcDriver{} })
}

// clockidFromFD implements the kernel's FD_TO_CLOCKID(fd) macro, which
// turns an open PTP character device's descriptor into a dynamic POSIX
// clockid_t usable with clock_gettime, per original_source/refclock_phc.c.
func clockidFromFD(fd int) int32 {
	return int32((^fd << 3) | 3)
}

// phcDriver implements refclock.PollDriver by reading a PTP hardware
// clock (/dev/ptpN) through its dynamic clockid, comparing it against
// the system raw clock at the moment of the read.
type phcDriver struct {
	f       *os.File
	clockid int32
}

func (d *phcDriver) Open(parameter string) error {
	if parameter == "" {
		return fmt.Errorf("phc: parameter must be a /dev/ptpN path")
	}
	f, err := os.OpenFile(parameter, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("phc: opening %s: %w", parameter, err)
	}
	d.f = f
	d.clockid = clockidFromFD(int(f.Fd()))
	return nil
}

func (d *phcDriver) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}

func (d *phcDriver) Poll(now rawclock.Instant) (refclock.Sample, bool, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(d.clockid, &ts); err != nil {
		return refclock.Sample{}, false, fmt.Errorf("phc: clock_gettime: %w", err)
	}
	phcInstant := rawclock.Instant{Sec: ts.Sec, Usec: int32(ts.Nsec / 1000)}
	offset := phcInstant.Sub(now)
	return refclock.Sample{Instant: now, Offset: offset}, true, nil
}

var _ refclock.PollDriver = (*phcDriver)(nil)
