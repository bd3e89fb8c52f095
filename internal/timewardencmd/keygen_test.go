package timewardencmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewarden/timewardend/keystore"
)

func TestRunKeygenCreatesFileAndAppendsKey(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "timewardend.keys")

	require.NoError(t, runKeygen(keyfile, 7, "sha256", 20))

	store := keystore.New()
	require.NoError(t, store.Load(keyfile))
	_, ok := store.Lookup(7)
	assert.True(t, ok)
}

func TestRunKeygenRejectsBadAlgorithm(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "timewardend.keys")
	assert.NoError(t, os.WriteFile(keyfile, nil, 0o640))

	err := runKeygen(keyfile, 1, "not-an-algorithm", 20)
	assert.Error(t, err)
}

func TestRunKeygenAppendsToExistingFile(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "timewardend.keys")
	require.NoError(t, runKeygen(keyfile, 1, "sha256", 20))
	require.NoError(t, runKeygen(keyfile, 2, "sha256", 20))

	store := keystore.New()
	require.NoError(t, store.Load(keyfile))
	_, ok1 := store.Lookup(1)
	_, ok2 := store.Lookup(2)
	assert.True(t, ok1)
	assert.True(t, ok2)
}
