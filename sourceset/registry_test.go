package sourceset

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/refclock"
	"github.com/timewarden/timewardend/scheduler"
)

// fakeRefclockDriver is a minimal refclock.PollDriver used only to
// exercise RegisterRefclock without needing a real OS-backed driver.
type fakeRefclockDriver struct{}

func (fakeRefclockDriver) Open(string) error { return nil }
func (fakeRefclockDriver) Close() error      { return nil }
func (fakeRefclockDriver) Poll(now rawclock.Instant) (refclock.Sample, bool, error) {
	return refclock.Sample{}, false, nil
}

func init() {
	refclock.RegisterDriver("fake-registry-driver", func() refclock.Driver { return fakeRefclockDriver{} })
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(scheduler.New())
}

func TestAddUnresolvedLiteralIP(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddUnresolved(UnitConfig{Name: "192.0.2.10"}))

	units := r.Units()
	require.Len(t, units, 1)
	assert.Equal(t, StateTentative, units[0].State())
}

func TestReceivePromotesTentativeToSelectable(t *testing.T) {
	r := newTestRegistry(t)
	ip := net.ParseIP("192.0.2.11")
	require.NoError(t, r.AddUnresolved(UnitConfig{Name: ip.String()}))

	now := rawclock.Now()
	for i := 0; i < tentativeSampleThreshold; i++ {
		r.Receive(ip, refclock.Sample{Instant: now.Add(float64(i)), Offset: 0.01, Dispersion: 0.001})
	}

	units := r.Units()
	require.Len(t, units, 1)
	assert.Equal(t, StateSelectable, units[0].State())
}

func TestReceiveUnknownAddressIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	assert.NotPanics(t, func() {
		r.Receive(net.ParseIP("192.0.2.200"), refclock.Sample{})
	})
}

func TestMarkUnreachable(t *testing.T) {
	r := newTestRegistry(t)
	ip := net.ParseIP("192.0.2.12")
	require.NoError(t, r.AddUnresolved(UnitConfig{Name: ip.String()}))

	r.MarkUnreachable(ip)
	units := r.Units()
	require.Len(t, units, 1)
	assert.Equal(t, StateUnreachable, units[0].State())
}

func TestSubscribeReceivesPromotedSamples(t *testing.T) {
	r := newTestRegistry(t)
	ip := net.ParseIP("192.0.2.13")
	require.NoError(t, r.AddUnresolved(UnitConfig{Name: ip.String()}))

	var gotUnit *Unit
	r.Subscribe(func(u *Unit, s refclock.Sample) { gotUnit = u })

	now := rawclock.Now()
	for i := 0; i < tentativeSampleThreshold; i++ {
		r.Receive(ip, refclock.Sample{Instant: now.Add(float64(i)), Offset: 0.01, Dispersion: 0.001})
	}

	require.NotNil(t, gotUnit)
	assert.Equal(t, ip.String(), gotUnit.Addr.String())
}

func TestRegisterRefclockFeedsRegistry(t *testing.T) {
	r := newTestRegistry(t)
	sched := scheduler.New()
	eng, err := discipline.New(discipline.DefaultConfig(), sched)
	require.NoError(t, err)

	inst, err := refclock.NewInstance(refclock.Config{Driver: "fake-registry-driver", FilterLength: 1}, sched, eng)
	require.NoError(t, err)

	addr := r.RegisterRefclock("fake", 9, inst)
	assert.Equal(t, "127.127.0.9", addr.String())

	units := r.Units()
	require.Len(t, units, 1)
	assert.Equal(t, "fake", units[0].Name)
}
