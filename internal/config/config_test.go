package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
aggregation:
  windows: [1h, 168h]
  min_coverage: 0.5
  target_low: 80
  target_high: 160
device:
  freshness_threshold: 20m
  chains:
    iob: [loop.iob.iob]
publish:
  redis:
    enabled: true
    addr: redis:6379
    ttl: 5m
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []time.Duration{time.Hour, 168 * time.Hour}, cfg.Aggregation.Windows)
	assert.Equal(t, 0.5, cfg.Aggregation.MinCoverage)
	assert.Equal(t, 80.0, cfg.Aggregation.TargetLow)
	assert.Equal(t, 20*time.Minute, cfg.Device.FreshnessThreshold)
	assert.Equal(t, []string{"loop.iob.iob"}, cfg.Device.Chains["iob"])
	assert.True(t, cfg.Publish.Redis.Enabled)
	assert.Equal(t, "nightscout:snapshot", cfg.Publish.Redis.Key, "unset keys keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Publish.Redis.TTL)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`  {"log_format":"console","api":{"enabled":true,"addr":":9000"},"history":{"store_limit":10}}`))
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, ":9000", cfg.API.Addr)
	assert.Equal(t, 10, cfg.History.StoreLimit)
	assert.Equal(t, 5*time.Minute, cfg.Aggregation.ExpectedCadence)
}

func TestParseJSONDurations(t *testing.T) {
	cfg, err := Parse([]byte(`{
	"aggregation": {"windows": ["24h", "168h"], "expected_cadence": "5m", "recompute_interval": "30s"},
	"device": {"freshness_threshold": "20m", "status_retention": "12h"},
	"diagnostics": {"data_age_warning": "8m", "data_age_critical": "20m"},
	"publish": {"redis": {"ttl": "10m"}}
}`))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{24 * time.Hour, 168 * time.Hour}, cfg.Aggregation.Windows)
	assert.Equal(t, 30*time.Second, cfg.Aggregation.RecomputeInterval)
	assert.Equal(t, 20*time.Minute, cfg.Device.FreshnessThreshold)
	assert.Equal(t, 12*time.Hour, cfg.Device.StatusRetention)
	assert.Equal(t, 8*time.Minute, cfg.Diagnostics.DataAgeWarning)
	assert.Equal(t, 10*time.Minute, cfg.Publish.Redis.TTL)
}

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("aggregation:\n  windows: []\ningest:\n  channel_buffer: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, defaultWindows, cfg.Aggregation.Windows)
	assert.Equal(t, 256, cfg.Ingest.ChannelBuffer)
	assert.Equal(t, "UTC", cfg.Ingest.Parser.Timezone)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":            "   ",
		"bad yaml":         "aggregation: [",
		"negative window":  "aggregation:\n  windows: [-1h]\n",
		"coverage":         "aggregation:\n  min_coverage: 1.5\n",
		"targets":          "aggregation:\n  target_low: 200\n  target_high: 100\n",
		"age thresholds":   "diagnostics:\n  data_age_warning: 30m\n  data_age_critical: 10m\n",
		"empty chain":      "device:\n  chains:\n    iob: []\n",
		"tail kind":        "ingest:\n  file_tail:\n    enabled: true\n    files:\n      - path: /tmp/x\n        kind: profiles\n",
		"tail files":       "ingest:\n  file_tail:\n    enabled: true\n",
		"kafka":            "ingest:\n  kafka:\n    enabled: true\n    brokers: [k:9092]\n",
		"mqtt":             "publish:\n  mqtt:\n    enabled: true\n",
		"mqtt qos":         "publish:\n  mqtt:\n    qos: 3\n",
		"api without addr": "api:\n  enabled: true\n  addr: \"\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestRetentionOrLongest(t *testing.T) {
	agg := AggregationConfig{Windows: []time.Duration{time.Hour, 30 * 24 * time.Hour, 24 * time.Hour}}
	assert.Equal(t, 30*24*time.Hour, agg.RetentionOrLongest())
	agg.Retention = 90 * 24 * time.Hour
	assert.Equal(t, 90*24*time.Hour, agg.RetentionOrLongest())
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nsmetrics.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "warn", m.Get().LogLevel)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	assert.Empty(t, m.Path())
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Same(t, m.Get(), cfg)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", loaded.LogLevel)
	assert.Equal(t, cfg.Aggregation.Windows, loaded.Aggregation.Windows)
	assert.Equal(t, cfg.Device.FreshnessThreshold, loaded.Device.FreshnessThreshold)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"freshness_threshold": "15m0s"`)
}
