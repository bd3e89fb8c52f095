package timewarden

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cleanupModule struct {
	id      ModuleID
	cleaned *bool
}

func (m cleanupModule) TimeModule() ModuleInfo {
	return ModuleInfo{ID: m.id, New: func() Module { return m }}
}

func (m cleanupModule) Cleanup() error {
	*m.cleaned = true
	return nil
}

func TestNewContextCancelRunsCleanupFuncs(t *testing.T) {
	base := Context{Context: context.Background(), moduleInstances: make(map[string][]Module)}
	ctx, cancel := NewContext(base)

	ran := false
	ctx.OnCancel(func() { ran = true })

	cancel()
	assert.True(t, ran)
}

func TestContextConfigReturnsOriginal(t *testing.T) {
	cfg := &Config{}
	base := Context{Context: context.Background(), moduleInstances: make(map[string][]Module), cfg: cfg}
	assert.Same(t, cfg, base.Config())
}

func TestLoadModuleByIDProvisionsAndValidates(t *testing.T) {
	RegisterModule(fakeModule{id: "test.context.loadable"})
	base := Context{Context: context.Background(), moduleInstances: make(map[string][]Module)}

	inst, err := base.LoadModuleByID("test.context.loadable", nil)
	require.NoError(t, err)
	assert.NotNil(t, inst)
	assert.Len(t, base.moduleInstances["test.context.loadable"], 1)
}

func TestLoadModuleByIDUnknownModule(t *testing.T) {
	base := Context{Context: context.Background(), moduleInstances: make(map[string][]Module)}
	_, err := base.LoadModuleByID("test.context.missing", nil)
	assert.Error(t, err)
}

func TestLoadModuleByIDRejectsUnknownConfigFields(t *testing.T) {
	RegisterModule(configurableModule{id: "test.context.configurable"})
	base := Context{Context: context.Background(), moduleInstances: make(map[string][]Module)}

	_, err := base.LoadModuleByID("test.context.configurable", []byte(`{"unknown_field": true}`))
	assert.Error(t, err)
}

type configurableModule struct {
	id   ModuleID
	Name string `json:"name"`
}

func (m configurableModule) TimeModule() ModuleInfo {
	return ModuleInfo{ID: m.id, New: func() Module { return &configurableModule{id: m.id} }}
}
