package timewarden

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/smooth"
)

func TestParseDurationAcceptsDayUnit(t *testing.T) {
	d, err := ParseDuration("2d")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)
}

func TestParseDurationRejectsOverlongInput(t *testing.T) {
	_, err := ParseDuration(string(make([]byte, 1025)))
	assert.Error(t, err)
}

func TestDurationUnmarshalJSONString(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5h"`), &d))
	assert.Equal(t, Duration(90*time.Minute), d)
}

func TestDurationUnmarshalJSONNumber(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, Duration(time.Second), d)
}

func TestDurationUnmarshalJSONEmpty(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalJSON(nil))
}

func TestInstanceIDCreatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "timewardend")

	id1, err := InstanceID(dataDir)
	require.NoError(t, err)

	id2, err := InstanceID(dataDir)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestProvisionDefaultsDisciplineEngine(t *testing.T) {
	cfg := &Config{}
	d, ctx, err := provision(cfg)
	require.NoError(t, err)
	assert.NotNil(t, d.Discipline)
	assert.NotNil(t, d.Sources)
	assert.NotNil(t, ctx.Context)
	assert.Nil(t, d.Admin)
	assert.Nil(t, d.Command)
	assert.Nil(t, d.Smoother)
}

func TestProvisionWiresSmootherToDiscipline(t *testing.T) {
	cfg := &Config{Smooth: &smooth.Config{MaxFreq: 1, MaxWander: 0.01}}
	d, _, err := provision(cfg)
	require.NoError(t, err)
	require.NotNil(t, d.Smoother)
	assert.True(t, d.Smoother.Enabled())

	require.NoError(t, d.Discipline.AccrueOffset(1.0, 1.0))
	offset, _ := d.Smoother.Query(rawclock.Now())
	assert.NotEqual(t, 0.0, offset, "the smoother should have received the accrued offset via SubscribeSlew")
}
