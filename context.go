package timewarden

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Context carries the lifetime of modules loaded for one running
// configuration (one Config). It is canceled when that configuration is
// unloaded (on reload or shutdown), at which point every CleanerUpper
// module instantiated from it has Cleanup called.
type Context struct {
	context.Context

	moduleInstances map[string][]Module
	cfg             *Config
	cleanupFuncs    *[]func()
	exitFuncs       []func(context.Context)
}

// NewContext derives a fresh Context from ctx. Call the returned
// CancelFunc to unload everything instantiated from it.
func NewContext(ctx Context) (Context, context.CancelFunc) {
	newCtx := Context{moduleInstances: make(map[string][]Module), cfg: ctx.cfg, cleanupFuncs: new([]func())}
	c, cancel := context.WithCancel(ctx.Context)
	wrappedCancel := func() {
		cancel()
		for _, f := range *newCtx.cleanupFuncs {
			f()
		}
		for modName, instances := range newCtx.moduleInstances {
			for _, inst := range instances {
				if cu, ok := inst.(CleanerUpper); ok {
					if err := cu.Cleanup(); err != nil {
						Log().Error("module cleanup failed", zap.String("module", modName), zap.Error(err))
					}
				}
			}
		}
	}
	newCtx.Context = c
	return newCtx, wrappedCancel
}

// OnCancel registers f to run when ctx is canceled, before module
// cleanup. Used by Logging to flush its logger.
func (ctx *Context) OnCancel(f func()) {
	if ctx.cleanupFuncs == nil {
		ctx.cleanupFuncs = new([]func())
	}
	*ctx.cleanupFuncs = append(*ctx.cleanupFuncs, f)
}

// OnExit registers f to run only if the process is exiting entirely
// (not merely reloading a config), e.g. to flush an RTC write-back.
func (ctx *Context) OnExit(f func(context.Context)) {
	ctx.exitFuncs = append(ctx.exitFuncs, f)
}

// Config returns the configuration this context was derived from.
func (ctx Context) Config() *Config { return ctx.cfg }

// LoadModuleByID instantiates, unmarshals, provisions, and validates the
// module registered under id, feeding it raw (which may be nil/empty for
// modules with no configuration). It is the daemon-scoped equivalent of
// the teacher's reflective LoadModule: our module fields are always a
// single named variant (a refclock's driver, a discipline back-end), so
// a direct lookup by ID replaces the struct-tag-driven field walk.
func (ctx Context) LoadModuleByID(id string, raw json.RawMessage) (any, error) {
	modInfo, err := GetModule(id)
	if err != nil {
		return nil, fmt.Errorf("loading module '%s': %v", id, err)
	}

	inst := modInfo.New()
	if len(raw) > 0 {
		if err := StrictUnmarshalJSON(raw, inst); err != nil {
			return nil, fmt.Errorf("decoding module config for '%s': %v", id, err)
		}
	}

	if pr, ok := inst.(Provisioner); ok {
		if err := pr.Provision(ctx); err != nil {
			return nil, fmt.Errorf("provisioning module '%s': %v", id, err)
		}
	}
	if v, ok := inst.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validating module '%s': %v", id, err)
		}
	}

	ctx.moduleInstances[id] = append(ctx.moduleInstances[id], inst)
	return inst, nil
}
