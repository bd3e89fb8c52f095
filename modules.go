package timewarden

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Module is implemented by pluggable capability variants of this daemon:
// refclock drivers, clock-discipline platform back-ends, and (should the
// need arise) diagnostics encoders. Most modules also implement some
// interface expected by their host (e.g. a refclock driver additionally
// implements refclock.Driver); CaddyModule-style registration only
// establishes identity and a constructor.
//
// When a module is loaded: 1) ModuleInfo.New() builds an empty instance;
// 2) its configuration is unmarshaled into that instance; 3) if it is a
// Provisioner, Provision is called; 4) if a Validator, Validate is
// called; 5) the caller type-asserts it to whatever interface it
// actually needs (refclock.Driver, discipline.PlatformBackend, ...);
// 6) on context cancellation, a CleanerUpper's Cleanup runs.
type Module interface {
	// TimeModule returns this module's identity. Must be side-effect free.
	TimeModule() ModuleInfo
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	// ID is the module's fully-namespaced name, e.g. "refclock.drivers.shm"
	// or "discipline.backends.linux".
	ID ModuleID

	// New returns a fresh, empty instance. Must not have side effects;
	// real setup belongs in Provision.
	New func() Module
}

// ModuleID is a dot-separated namespace path; the last label is the
// module's name.
type ModuleID string

// Namespace returns everything but the last label.
func (id ModuleID) Namespace() string {
	lastDot := strings.LastIndex(string(id), ".")
	if lastDot < 0 {
		return ""
	}
	return string(id)[:lastDot]
}

// Name returns the last label of the ID.
func (id ModuleID) Name() string {
	if id == "" {
		return ""
	}
	parts := strings.Split(string(id), ".")
	return parts[len(parts)-1]
}

func (mi ModuleInfo) String() string { return string(mi.ID) }

// ModuleMap holds multiple modules keyed by name, for config fields that
// select a variant by string (e.g. a refclock's driver name).
type ModuleMap map[string]json.RawMessage

// RegisterModule records a module by its empty value. Call this from an
// init() function; it panics on malformed or duplicate registration,
// which is intentional since it only ever runs at process start.
func RegisterModule(instance Module) {
	mod := instance.TimeModule()

	if mod.ID == "" {
		panic("module ID missing")
	}
	if mod.New == nil {
		panic("missing ModuleInfo.New")
	}
	if val := mod.New(); val == nil {
		panic("ModuleInfo.New must return a non-nil module instance")
	}

	modulesMu.Lock()
	defer modulesMu.Unlock()

	if _, ok := modules[string(mod.ID)]; ok {
		panic(fmt.Sprintf("module already registered: %s", mod.ID))
	}
	modules[string(mod.ID)] = mod
}

// GetModule looks up a module by its full ID.
func GetModule(name string) (ModuleInfo, error) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	m, ok := modules[name]
	if !ok {
		return ModuleInfo{}, fmt.Errorf("module not registered: %s", name)
	}
	return m, nil
}

// GetModules returns all modules directly under scope, sorted by ID for
// deterministic iteration (e.g. listing available refclock drivers).
func GetModules(scope string) []ModuleInfo {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	var scopeParts []string
	if scope != "" {
		scopeParts = strings.Split(scope, ".")
	}

	var mods []ModuleInfo
iterateModules:
	for id, m := range modules {
		modParts := strings.Split(id, ".")
		if len(modParts) != len(scopeParts)+1 {
			continue
		}
		for i := range scopeParts {
			if modParts[i] != scopeParts[i] {
				continue iterateModules
			}
		}
		mods = append(mods, m)
	}

	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	return mods
}

// Provisioner is implemented by modules needing setup after being
// loaded and unmarshaled. Provisioning must be fast; anything that
// allocates long-lived resources (goroutines, file descriptors) should
// have a matching CleanerUpper.
type Provisioner interface {
	Provision(Context) error
}

// Validator is implemented by modules that can check their own
// configuration after Provision.
type Validator interface {
	Validate() error
}

// CleanerUpper releases resources acquired during Provision.
type CleanerUpper interface {
	Cleanup() error
}

// StrictUnmarshalJSON behaves like json.Unmarshal but rejects unknown
// fields, used when decoding module configuration blocks so typos in a
// refclock or key config fail loudly instead of being silently ignored.
func StrictUnmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var (
	modules   = make(map[string]ModuleInfo)
	modulesMu sync.RWMutex
)
