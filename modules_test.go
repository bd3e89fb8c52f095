package timewarden

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModule struct{ id ModuleID }

func (m fakeModule) TimeModule() ModuleInfo {
	return ModuleInfo{ID: m.id, New: func() Module { return fakeModule{id: m.id} }}
}

func TestModuleIDNamespaceAndName(t *testing.T) {
	id := ModuleID("refclock.drivers.shm")
	assert.Equal(t, "refclock.drivers", id.Namespace())
	assert.Equal(t, "shm", id.Name())
}

func TestModuleIDNoDot(t *testing.T) {
	id := ModuleID("standalone")
	assert.Equal(t, "", id.Namespace())
	assert.Equal(t, "standalone", id.Name())
}

func TestRegisterAndGetModule(t *testing.T) {
	RegisterModule(fakeModule{id: "test.fake.one"})
	mi, err := GetModule("test.fake.one")
	require.NoError(t, err)
	assert.Equal(t, ModuleID("test.fake.one"), mi.ID)
}

func TestGetModuleUnknown(t *testing.T) {
	_, err := GetModule("test.fake.unknown")
	assert.Error(t, err)
}

func TestRegisterModulePanicsOnDuplicate(t *testing.T) {
	RegisterModule(fakeModule{id: "test.fake.dup"})
	assert.Panics(t, func() {
		RegisterModule(fakeModule{id: "test.fake.dup"})
	})
}

func TestRegisterModulePanicsOnEmptyID(t *testing.T) {
	assert.Panics(t, func() {
		RegisterModule(fakeModule{id: ""})
	})
}

func TestGetModulesFiltersByScope(t *testing.T) {
	RegisterModule(fakeModule{id: "test.scope.a"})
	RegisterModule(fakeModule{id: "test.scope.b"})
	RegisterModule(fakeModule{id: "test.other.c"})

	mods := GetModules("test.scope")
	require.Len(t, mods, 2)
	assert.Equal(t, ModuleID("test.scope.a"), mods[0].ID)
	assert.Equal(t, ModuleID("test.scope.b"), mods[1].ID)
}

func TestStrictUnmarshalJSONRejectsUnknownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	err := StrictUnmarshalJSON([]byte(`{"name": "a", "extra": 1}`), &v)
	assert.Error(t, err)
}

func TestStrictUnmarshalJSONAcceptsKnownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	err := StrictUnmarshalJSON([]byte(`{"name": "a"}`), &v)
	require.NoError(t, err)
	assert.Equal(t, "a", v.Name)
}
