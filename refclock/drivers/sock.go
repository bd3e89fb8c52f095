package refclockdrivers

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/refclock"
)

func init() {
	refclock.RegisterDriver("sock", func() refclock.Driver { return &sockDriver{} })
}

// sockDatagramLen is the wire size of chrony's SOCK_SAMPLE protocol
// record, grounded on original_source/refclock_sock.c's struct
// sock_sample: two int64 timeval fields, a float64 offset, and four
// trailing int32s (pulse, leap, _pad, magic).
const sockDatagramLen = 8 + 8 + 8 + 4*4

// sockMagic is the protocol's validity marker.
const sockMagic = 0x534f434b // "SOCK"

// sockDriver implements refclock.PushDriver by reading fixed-layout
// datagrams off a unix domain socket, the same transport chrony's SOCK
// refclocks use to accept timestamps from an external process (e.g.
// gpsd), per original_source/refclock_sock.c.
type sockDriver struct {
	path string
	conn *net.UnixConn
}

func (d *sockDriver) Open(parameter string) error {
	if parameter == "" {
		return fmt.Errorf("sock: parameter must be a socket path")
	}
	os.Remove(parameter)
	addr := &net.UnixAddr{Name: parameter, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("sock: listening on %s: %w", parameter, err)
	}
	d.path = parameter
	d.conn = conn
	return nil
}

func (d *sockDriver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	os.Remove(d.path)
	return err
}

func (d *sockDriver) FD() int {
	rc, err := d.conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}

func (d *sockDriver) ReadSample() (refclock.Sample, error) {
	buf := make([]byte, sockDatagramLen)
	n, _, err := d.conn.ReadFromUnix(buf)
	if err != nil {
		return refclock.Sample{}, fmt.Errorf("sock: read: %w", err)
	}
	if n != sockDatagramLen {
		return refclock.Sample{}, fmt.Errorf("sock: short datagram (%d of %d bytes)", n, sockDatagramLen)
	}

	tvSec := int64(binary.LittleEndian.Uint64(buf[0:8]))
	tvUsec := int64(binary.LittleEndian.Uint64(buf[8:16]))
	offsetBits := binary.LittleEndian.Uint64(buf[16:24])
	offset := math.Float64frombits(offsetBits)
	magic := int32(binary.LittleEndian.Uint32(buf[36:40]))

	if magic != sockMagic {
		return refclock.Sample{}, fmt.Errorf("sock: bad magic %#x", magic)
	}

	return refclock.Sample{
		Instant: rawclock.Instant{Sec: tvSec, Usec: int32(tvUsec)},
		Offset:  offset,
	}, nil
}

var _ refclock.PushDriver = (*sockDriver)(nil)
