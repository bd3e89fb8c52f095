package discipline

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// backendFactory constructs a fresh PlatformBackend instance.
type backendFactory func() PlatformBackend

var (
	backendsMu sync.RWMutex
	backends   = map[string]backendFactory{}
)

// RegisterBackend makes a named PlatformBackend variant available to
// New. Call from an init() function, following the Module registration
// convention used at the root package level (timewarden.RegisterModule),
// scaled down since backends don't need the full Module/Provisioner
// lifecycle: they're plain structs with no configuration of their own.
func RegisterBackend(name string, factory backendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, ok := backends[name]; ok {
		panic(fmt.Sprintf("discipline: backend already registered: %s", name))
	}
	backends[name] = factory
}

// RegisteredBackends lists every backend name registered so far, sorted,
// for introspection by the root package's module registry.
func RegisteredBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getBackend(name string) (PlatformBackend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("discipline: unknown backend %q", name)
	}
	return factory(), nil
}

func init() {
	RegisterBackend("generic", func() PlatformBackend { return newGenericBackend() })
}

// genericBackend simulates a kernel frequency register entirely in
// process memory. It backs tests and any platform without a privileged
// clock-adjustment syscall wired in (see backend_linux.go for the real
// one), matching original_source/sys_generic.c's role as the portable,
// non-syscall reference back-end.
type genericBackend struct {
	freq float64 // ppm
}

func newGenericBackend() *genericBackend { return &genericBackend{} }

func (b *genericBackend) ReadFrequency() (float64, error) { return b.freq, nil }

func (b *genericBackend) SetFrequency(ppm float64) (float64, error) {
	b.freq = ppm
	return ppm, nil
}

func (b *genericBackend) MaxFreq() float64 { return 500000.0 }

func (b *genericBackend) MaxFreqChangeDelay() time.Duration { return 10 * time.Millisecond }
