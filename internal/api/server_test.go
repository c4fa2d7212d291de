package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsmetrics/internal/config"
	"nsmetrics/internal/diagnostics"
	"nsmetrics/internal/engine"
	"nsmetrics/internal/metrics"
	"nsmetrics/internal/model"
)

var apiNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	eng     *engine.Engine
	history *metrics.Store
	diag    *diagnostics.Store
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Aggregation.RecomputeInterval = 0
	history := metrics.NewStore(10)
	diag := diagnostics.NewStore(10)
	eng := engine.NewEngine(cfg, nil, history, diag, nil)
	eng.SetClock(func() time.Time { return apiNow })
	srv := NewServer(config.NewStaticManager(cfg), history, diag, eng, nil, "test")
	return &fixture{eng: eng, history: history, diag: diag, handler: srv.Router()}
}

func (f *fixture) seed() {
	f.eng.Ingest(model.Batch{Kind: model.KindEntries, Docs: []map[string]any{
		{"_id": "e1", "date": float64(apiNow.Add(-10 * time.Minute).UnixMilli()), "sgv": 110.0, "direction": "Flat"},
		{"_id": "e2", "date": float64(apiNow.Add(-5 * time.Minute).UnixMilli()), "sgv": 118.0, "direction": "FortyFiveUp", "delta": 8.0},
	}})
	f.eng.Ingest(model.Batch{Kind: model.KindDeviceStatus, Docs: []map[string]any{
		{
			"_id":        "s1",
			"device":     "openaps://phone",
			"created_at": apiNow.Add(-2 * time.Minute).Format(time.RFC3339),
			"openaps":    map[string]any{"iob": map[string]any{"iob": 1.5}},
			"pump":       map[string]any{"reservoir": 80.0, "battery": map[string]any{"percent": 70.0}},
		},
	}})
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var payload map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	return rec, payload
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.seed()
	rec, payload := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "test", payload["version"])
	assert.Equal(t, 2.0, payload["entry_count"])
	assert.Equal(t, 1.0, payload["status_count"])
	assert.NotEmpty(t, payload["windows"])
}

func TestGlucoseLatest(t *testing.T) {
	f := newFixture(t)
	rec, payload := f.do(t, http.MethodGet, "/glucose/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no data", payload["age"])

	f.seed()
	rec, payload = f.do(t, http.MethodGet, "/glucose/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	glucose := payload["glucose"].(map[string]any)
	assert.Equal(t, 118.0, glucose["value"])
	assert.Equal(t, "rising-slowly", glucose["slope"])
}

func TestWindowsAndSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed()
	rec, payload := f.do(t, http.MethodGet, "/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	windows := payload["windows"].([]any)
	assert.NotEmpty(t, windows)

	rec, payload = f.do(t, http.MethodGet, "/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.eng.Snapshot().ID, payload["id"])
}

func TestTreatments(t *testing.T) {
	f := newFixture(t)
	rec, payload := f.do(t, http.MethodGet, "/treatments", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no data", payload["age"])

	f.eng.Ingest(model.Batch{Kind: model.KindTreatments, Docs: []map[string]any{
		{"_id": "t1", "eventType": "Meal Bolus", "created_at": apiNow.Add(-time.Hour).Format(time.RFC3339), "insulin": 4.0, "carbs": 50.0},
		{"_id": "t2", "eventType": "Site Change", "created_at": apiNow.Add(-10 * time.Minute).Format(time.RFC3339)},
	}})
	rec, payload = f.do(t, http.MethodGet, "/treatments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t2", payload["last"].(map[string]any)["id"])
	bolus := payload["last_bolus"].(map[string]any)
	assert.Equal(t, "t1", bolus["id"])
	assert.Equal(t, 4.0, bolus["insulin"])
	assert.Equal(t, 2.0, payload["count"])
}

func TestDeviceEndpoints(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/device", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.seed()
	rec, payload := f.do(t, http.MethodGet, "/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "openaps", payload["loop_system"])
	reservoir := payload["reservoir"].(map[string]any)
	assert.Equal(t, 80.0, reservoir["value"])

	rec, payload = f.do(t, http.MethodGet, "/device/openaps://phone", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", payload["record_id"])

	rec, _ = f.do(t, http.MethodGet, "/device/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t)
	f.seed()
	rec, payload := f.do(t, http.MethodGet, "/diagnostics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, payload["findings"])
	assert.NotEmpty(t, payload["overall"])

	rec, payload = f.do(t, http.MethodGet, "/diagnostics/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, payload["count"])

	rec, _ = f.do(t, http.MethodGet, "/diagnostics/history?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.seed()
	rec, payload := f.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(f.history.Len()), payload["count"])

	rec, payload = f.do(t, http.MethodGet, "/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := payload["snapshots"].([]any)
	require.Len(t, snaps, 1)
	assert.Equal(t, f.eng.Snapshot().ID, snaps[0].(map[string]any)["id"])
}

func TestChains(t *testing.T) {
	f := newFixture(t)
	rec, payload := f.do(t, http.MethodGet, "/config/chains", "")
	require.Equal(t, http.StatusOK, rec.Code)
	chains := payload["chains"].(map[string]any)
	assert.Contains(t, chains, "iob")
}

func TestAdminClearAndReset(t *testing.T) {
	f := newFixture(t)
	f.seed()

	rec, _ := f.do(t, http.MethodPost, "/admin/clear", `{"target":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload := f.do(t, http.MethodPost, "/admin/clear", `{"target":"history"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "history", payload["cleared"])
	assert.Equal(t, 0, f.history.Len())
	assert.NotEmpty(t, f.diag.Current())

	rec, _ = f.do(t, http.MethodGet, "/admin/reset", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, payload = f.do(t, http.MethodPost, "/admin/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.eng.Snapshot().ID, payload["snapshot_id"])
	assert.Nil(t, f.eng.Snapshot().Glucose)
	assert.Empty(t, f.diag.Current())
	assert.Equal(t, 0, f.history.Len())
}
