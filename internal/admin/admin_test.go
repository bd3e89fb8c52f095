package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/scheduler"
	"github.com/timewarden/timewardend/sourceset"
)

func TestRequireLoopbackRejectsNonLoopback(t *testing.T) {
	assert.Error(t, requireLoopback("8.8.8.8:323"))
}

func TestRequireLoopbackAcceptsLoopback(t *testing.T) {
	assert.NoError(t, requireLoopback("127.0.0.1:8324"))
	assert.NoError(t, requireLoopback("[::1]:8324"))
}

func TestRequireLoopbackRejectsUnspecifiedHost(t *testing.T) {
	assert.Error(t, requireLoopback(":8324"))
}

func TestNewRejectsNonLoopbackAddr(t *testing.T) {
	_, err := New("0.0.0.0:8324", Deps{}, nil)
	assert.Error(t, err)
}

func TestHandleSourcesEmptyWithoutRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sources", nil)
	handleSources(Deps{})(rec, req)

	var views []sourceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestHandleSourcesReportsUnits(t *testing.T) {
	reg := sourceset.NewRegistry(scheduler.New())
	require.NoError(t, reg.AddUnresolved(sourceset.UnitConfig{Name: "192.0.2.50"}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sources", nil)
	handleSources(Deps{Sources: reg})(rec, req)

	var views []sourceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "192.0.2.50", views[0].Addr)
	assert.Equal(t, "tentative", views[0].State)
}

func TestHandleTrackingReportsFrequency(t *testing.T) {
	sched := scheduler.New()
	eng, err := discipline.New(discipline.DefaultConfig(), sched)
	require.NoError(t, err)
	_, err = eng.SetFrequency(12.5)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tracking", nil)
	handleTracking(Deps{Discipline: eng})(rec, req)

	var tv trackingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tv))
	assert.Equal(t, 12.5, tv.FrequencyPPM)
}

func TestHandleRTCAlwaysUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rtc", nil)
	handleRTC(Deps{})(rec, req)

	var rv rtcView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rv))
	assert.False(t, rv.Available)
}
