package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsmetrics/internal/model"
)

var deviceNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openAPSRecord() model.DeviceStatusRecord {
	return model.DeviceStatusRecord{
		ID:        "ds-aaps",
		CreatedAt: deviceNow.Add(-2 * time.Minute).UnixMilli(),
		Device:    "openaps://samsung",
		Doc: map[string]any{
			"openaps": map[string]any{
				"suggested": map[string]any{"IOB": 2.456, "COB": 12.0, "sensitivityRatio": 0.9},
				"iob":       map[string]any{"iob": 3.0},
				"enacted":   map[string]any{"IOB": 2.5, "rate": 0.8, "duration": 30.0},
			},
			"pump": map[string]any{
				"reservoir": 87.5,
				"battery":   map[string]any{"percent": 64.0},
				"extended":  map[string]any{"BaseBasalRate": 0.75},
			},
			"uploaderBattery": 41.0,
		},
	}
}

func loopRecord() model.DeviceStatusRecord {
	return model.DeviceStatusRecord{
		ID:        "ds-loop",
		CreatedAt: deviceNow.Add(-40 * time.Minute).UnixMilli(),
		Device:    "loop://iPhone",
		Doc: map[string]any{
			"loop": map[string]any{
				"version": "3.2.3",
				"iob":     map[string]any{"iob": 1.2},
				"cob":     map[string]any{"cob": 20.0},
				"enacted": map[string]any{"rate": 1.1, "duration": 30.0},
			},
			"pump":     map[string]any{"reservoir": 120.0, "battery": map[string]any{"percent": 90.0}},
			"uploader": map[string]any{"battery": 77.0},
		},
	}
}

func TestDeviceResolverOpenAPS(t *testing.T) {
	r := NewDeviceResolver(nil, 15*time.Minute)
	m := r.Resolve(openAPSRecord(), deviceNow)

	assert.Equal(t, LoopSystemOpenAPS, m.LoopSystem)
	assert.False(t, m.Stale)
	require.True(t, m.InsulinOnBoard.Resolved())
	assert.Equal(t, 2.456, *m.InsulinOnBoard.Value)
	assert.Equal(t, "openaps.suggested.IOB", m.InsulinOnBoard.Path)
	assert.Equal(t, deviceNow.Add(-2*time.Minute).UnixMilli(), m.InsulinOnBoard.SourceTime)

	assert.Equal(t, 12.0, *m.CarbsOnBoard.Value)
	assert.Equal(t, 0.9, *m.SensitivityRatio.Value)
	assert.Equal(t, 87.5, *m.Reservoir.Value)
	assert.Equal(t, 64.0, *m.PumpBattery.Value)
	assert.Equal(t, "pump.battery.percent", m.PumpBattery.Path)
	assert.Equal(t, 41.0, *m.UploaderBattery.Value)
	assert.Equal(t, "uploaderBattery", m.UploaderBattery.Path)
	assert.Equal(t, 0.75, *m.BasalRate.Value)
	assert.Equal(t, 0.8, *m.TempBasalRate.Value)
	assert.Equal(t, 30.0, *m.TempBasalDuration.Value)
}

func TestDeviceResolverLoop(t *testing.T) {
	r := NewDeviceResolver(nil, 15*time.Minute)
	m := r.Resolve(loopRecord(), deviceNow)

	assert.Equal(t, LoopSystemLoop, m.LoopSystem)
	assert.Equal(t, "3.2.3", m.LoopVersion)
	assert.Equal(t, 1.2, *m.InsulinOnBoard.Value)
	assert.Equal(t, "loop.iob.iob", m.InsulinOnBoard.Path)
	assert.Equal(t, 20.0, *m.CarbsOnBoard.Value)
	assert.Equal(t, 77.0, *m.UploaderBattery.Value)
	assert.Equal(t, "uploader.battery", m.UploaderBattery.Path)

	// loop does not report a sensitivity ratio
	assert.False(t, m.SensitivityRatio.Resolved())
	assert.Equal(t, model.Unresolved, m.SensitivityRatio.Path)
	assert.False(t, m.BasalRate.Resolved())

	// 40 minutes old: still resolved, flagged stale
	assert.True(t, m.Stale)
	assert.Equal(t, 40*time.Minute, m.Age.Age)
}

func TestDeviceResolverChainOverride(t *testing.T) {
	r := NewDeviceResolver(map[string][]string{
		MetricIOB: {"openaps.iob.iob", "openaps.suggested.IOB"},
	}, 0)
	m := r.Resolve(openAPSRecord(), deviceNow)
	assert.Equal(t, 3.0, *m.InsulinOnBoard.Value)
	assert.Equal(t, "openaps.iob.iob", m.InsulinOnBoard.Path)
	assert.False(t, m.Stale)

	c, ok := r.Chain(MetricCOB)
	require.True(t, ok)
	assert.Len(t, c.Paths, 3)
}

func TestDeviceResolverEmptyDocument(t *testing.T) {
	r := NewDeviceResolver(nil, time.Minute)
	m := r.Resolve(model.DeviceStatusRecord{ID: "x", CreatedAt: deviceNow.UnixMilli()}, deviceNow)
	assert.Equal(t, LoopSystemUnknown, m.LoopSystem)
	for _, v := range []model.ResolvedValue{m.InsulinOnBoard, m.CarbsOnBoard, m.SensitivityRatio, m.Reservoir, m.PumpBattery, m.UploaderBattery} {
		assert.False(t, v.Resolved())
		assert.Equal(t, model.Unresolved, v.Path)
	}
}

func TestBuildChainsCoversEveryMetric(t *testing.T) {
	chains := BuildChains(map[string][]string{"bogus": {"x"}})
	for _, metric := range Metrics {
		c, ok := chains[metric]
		require.True(t, ok, metric)
		assert.NotEmpty(t, c.Paths, metric)
	}
	_, ok := chains["bogus"]
	assert.False(t, ok)
	assert.Equal(t, DefaultPaths()[MetricIOB][0], "openaps.suggested.IOB")
}
