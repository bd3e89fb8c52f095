package refclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	opened string
	closed bool
}

func (d *fakeDriver) Open(parameter string) error { d.opened = parameter; return nil }
func (d *fakeDriver) Close() error                 { d.closed = true; return nil }

func TestRegisterAndGetDriver(t *testing.T) {
	RegisterDriver("fake-test-driver", func() Driver { return &fakeDriver{} })

	drv, err := getDriver("fake-test-driver")
	require.NoError(t, err)
	require.NoError(t, drv.Open("param"))
	assert.Equal(t, "param", drv.(*fakeDriver).opened)
}

func TestRegisterDriverPanicsOnDuplicate(t *testing.T) {
	RegisterDriver("fake-test-driver-dup", func() Driver { return &fakeDriver{} })
	assert.Panics(t, func() {
		RegisterDriver("fake-test-driver-dup", func() Driver { return &fakeDriver{} })
	})
}

func TestGetDriverUnknown(t *testing.T) {
	_, err := getDriver("does-not-exist")
	assert.Error(t, err)
}

func TestRegisteredDriversSorted(t *testing.T) {
	RegisterDriver("zzz-test-driver", func() Driver { return &fakeDriver{} })
	RegisterDriver("aaa-test-driver", func() Driver { return &fakeDriver{} })

	names := RegisteredDrivers()
	var sawAAA, sawZZZ, aaaBeforeZZZ bool
	aaaIdx, zzzIdx := -1, -1
	for i, n := range names {
		if n == "aaa-test-driver" {
			sawAAA = true
			aaaIdx = i
		}
		if n == "zzz-test-driver" {
			sawZZZ = true
			zzzIdx = i
		}
	}
	aaaBeforeZZZ = aaaIdx < zzzIdx
	assert.True(t, sawAAA)
	assert.True(t, sawZZZ)
	assert.True(t, aaaBeforeZZZ)
}
