package timewarden

import (
	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/refclock"
)

// capabilityModule adapts a plain registered name (a discipline
// backend, a refclock driver) into the Module registry, so the CLI's
// "list-modules" command can enumerate
// every capability variant compiled into this binary through one
// interface, rather than each package exposing its own listing
// command. The underlying backend/driver registries remain the
// authoritative source the engine and refclock instances actually
// construct from; this is read-only introspection over it.
type capabilityModule struct{ id ModuleID }

func (m capabilityModule) TimeModule() ModuleInfo {
	id := m.id
	return ModuleInfo{ID: id, New: func() Module { return capabilityModule{id: id} }}
}

func init() {
	for _, name := range discipline.RegisteredBackends() {
		RegisterModule(capabilityModule{id: ModuleID("discipline.backends." + name)})
	}
	for _, name := range refclock.RegisteredDrivers() {
		RegisterModule(capabilityModule{id: ModuleID("refclock.drivers." + name)})
	}
}
