package refclockdrivers

import (
	"encoding/binary"
	"math"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewarden/timewardend/refclock"
)

func TestSockDriverRegistered(t *testing.T) {
	assert.Contains(t, refclock.RegisteredDrivers(), "sock")
}

func TestSockDriverOpenRejectsEmptyParameter(t *testing.T) {
	d := &sockDriver{}
	assert.Error(t, d.Open(""))
}

func TestSockDriverReadSampleRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "refclock.sock")

	d := &sockDriver{}
	require.NoError(t, d.Open(sockPath))
	defer d.Close()

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	buf := make([]byte, sockDatagramLen)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(1_700_000_000))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(500_000))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(0.000123))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(sockMagic))

	_, err = client.Write(buf)
	require.NoError(t, err)

	sample, err := d.ReadSample()
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), sample.Instant.Sec)
	assert.Equal(t, int32(500_000), sample.Instant.Usec)
	assert.InDelta(t, 0.000123, sample.Offset, 1e-9)
}

func TestSockDriverReadSampleRejectsBadMagic(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "refclock-badmagic.sock")

	d := &sockDriver{}
	require.NoError(t, d.Open(sockPath))
	defer d.Close()

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	buf := make([]byte, sockDatagramLen)
	binary.LittleEndian.PutUint32(buf[36:40], 0xdeadbeef)

	_, err = client.Write(buf)
	require.NoError(t, err)

	_, err = d.ReadSample()
	assert.Error(t, err)
}

func TestSockDriverFDReturnsValidDescriptor(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "refclock-fd.sock")

	d := &sockDriver{}
	require.NoError(t, d.Open(sockPath))
	defer d.Close()

	assert.GreaterOrEqual(t, d.FD(), 0)
}
