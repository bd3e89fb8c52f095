//go:build linux

package discipline

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/timewarden/timewardend/rawclock"
)

// scaledPPM is adjtimex's Timex.Freq unit: 2^-16 ppm per the kernel
// ABI (see adjtimex(2)).
const scaledPPM = 65536.0

func init() {
	RegisterBackend("linux", func() PlatformBackend { return &linuxBackend{} })
}

// linuxBackend disciplines CLOCK_REALTIME via adjtimex(2), the same
// syscall chrony's sys_linux.c uses, reached here through
// golang.org/x/sys/unix rather than cgo.
type linuxBackend struct{}

func (b *linuxBackend) ReadFrequency() (float64, error) {
	var tx unix.Timex
	_, err := unix.Adjtimex(&tx)
	if err != nil {
		return 0, fmt.Errorf("adjtimex(read): %w", err)
	}
	return float64(tx.Freq) / scaledPPM, nil
}

func (b *linuxBackend) SetFrequency(ppm float64) (float64, error) {
	var tx unix.Timex
	tx.Modes = unix.ADJ_FREQUENCY
	tx.Freq = int64(ppm * scaledPPM)
	_, err := unix.Adjtimex(&tx)
	if err != nil {
		return 0, fmt.Errorf("adjtimex(set): %w", err)
	}
	return float64(tx.Freq) / scaledPPM, nil
}

func (b *linuxBackend) MaxFreq() float64 { return 500000.0 }

func (b *linuxBackend) MaxFreqChangeDelay() time.Duration { return 10 * time.Millisecond }

// ApplyStepOffset implements StepBackend by stepping CLOCK_REALTIME
// directly with clock_settime, requiring CAP_SYS_TIME. A kernel call
// failure is returned to the caller as an error.
func (b *linuxBackend) ApplyStepOffset(seconds float64) error {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return fmt.Errorf("clock_gettime: %w", err)
	}
	stepped := rawclock.Instant{Sec: ts.Sec, Usec: int32(ts.Nsec / 1000)}.Add(seconds)
	newTS := unix.Timespec{Sec: stepped.Sec, Nsec: int64(stepped.Usec) * 1000}
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &newTS); err != nil {
		return fmt.Errorf("clock_settime: %w", err)
	}
	return nil
}

// SetSyncStatus implements SyncStatusBackend via adjtimex's STA_UNSYNC
// status bit and its companion error-estimate fields.
func (b *linuxBackend) SetSyncStatus(synchronized bool, estErrorSeconds, maxErrorSeconds float64) error {
	var tx unix.Timex
	tx.Modes = unix.ADJ_STATUS | unix.ADJ_ESTERROR | unix.ADJ_MAXERROR
	if synchronized {
		tx.Status &^= unix.STA_UNSYNC
	} else {
		tx.Status |= unix.STA_UNSYNC
	}
	tx.Esterror = int64(estErrorSeconds * 1e6)
	tx.Maxerror = int64(maxErrorSeconds * 1e6)
	_, err := unix.Adjtimex(&tx)
	if err != nil {
		return fmt.Errorf("adjtimex(status): %w", err)
	}
	return nil
}

var (
	_ PlatformBackend   = (*linuxBackend)(nil)
	_ StepBackend       = (*linuxBackend)(nil)
	_ SyncStatusBackend = (*linuxBackend)(nil)
)
