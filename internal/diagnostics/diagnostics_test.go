package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

func value(v float64) model.ResolvedValue {
	return model.ResolvedValue{Value: &v, Path: "test"}
}

func byCheck(findings []Finding) map[string]Finding {
	out := make(map[string]Finding, len(findings))
	for _, f := range findings {
		out[f.Check] = f
	}
	return out
}

func TestEvaluateLevels(t *testing.T) {
	cfg := config.DefaultConfig().Diagnostics
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &model.Snapshot{
		ID:          "snap-1",
		GeneratedAt: now,
		GlucoseAge:  model.DataAge{HasData: true, LatestAt: now.Add(-12 * time.Minute), Age: 12 * time.Minute},
		DeviceAge:   model.DataAge{HasData: true, LatestAt: now.Add(-30 * time.Minute), Age: 30 * time.Minute},
		Device: &model.NormalizedDeviceMetrics{
			PumpBattery: value(14),
			Reservoir:   value(120),
		},
	}
	got := byCheck(Evaluate(snap, cfg))
	require.Len(t, got, 5)
	assert.Equal(t, LevelWarning, got[CheckGlucoseAge].Level)
	assert.Equal(t, 12.0, *got[CheckGlucoseAge].Value)
	assert.Equal(t, LevelCritical, got[CheckDeviceAge].Level)
	assert.Equal(t, LevelCritical, got[CheckPumpBattery].Level)
	assert.Equal(t, LevelUnknown, got[CheckUploaderBattery].Level)
	assert.Equal(t, LevelOK, got[CheckPumpReservoir].Level)
	assert.Equal(t, "snap-1", got[CheckPumpReservoir].SnapshotID)
	assert.Equal(t, now, got[CheckPumpReservoir].Timestamp)
}

func TestEvaluateWithoutData(t *testing.T) {
	got := Evaluate(&model.Snapshot{ID: "empty"}, config.DefaultConfig().Diagnostics)
	for _, f := range got {
		assert.Equal(t, LevelUnknown, f.Level, f.Check)
		assert.Nil(t, f.Value)
	}
	assert.Equal(t, LevelUnknown, Worst(got))
	assert.Nil(t, Evaluate(nil, config.DiagnosticsConfig{}))
}

func TestWorst(t *testing.T) {
	assert.Equal(t, LevelUnknown, Worst(nil))
	assert.Equal(t, LevelWarning, Worst([]Finding{{Level: LevelOK}, {Level: LevelWarning}, {Level: LevelUnknown}}))
	assert.Equal(t, LevelCritical, Worst([]Finding{{Level: LevelCritical}, {Level: LevelWarning}}))
	assert.True(t, LevelWarning.Severe())
	assert.False(t, LevelUnknown.Severe())
}

func TestStoreRecordsOnlyChanges(t *testing.T) {
	s := NewStore(10)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	changed := s.Record([]Finding{
		{Check: CheckGlucoseAge, Level: LevelOK, Timestamp: t0},
		{Check: CheckPumpBattery, Level: LevelOK, Timestamp: t0},
	})
	assert.Len(t, changed, 2)

	changed = s.Record([]Finding{
		{Check: CheckGlucoseAge, Level: LevelOK, Timestamp: t0.Add(time.Minute)},
		{Check: CheckPumpBattery, Level: LevelWarning, Timestamp: t0.Add(time.Minute)},
	})
	require.Len(t, changed, 1)
	assert.Equal(t, CheckPumpBattery, changed[0].Check)
	assert.Equal(t, LevelOK, changed[0].Previous)

	assert.Len(t, s.List(0), 3)
	assert.Len(t, s.List(1), 1)
	assert.Len(t, s.Since(t0.Add(time.Minute)), 1)

	current := s.Current()
	require.Len(t, current, 2)
	assert.Equal(t, CheckGlucoseAge, current[0].Check)
	assert.Equal(t, t0.Add(time.Minute), current[0].Timestamp)
	assert.Equal(t, LevelWarning, current[1].Level)

	s.Clear()
	assert.Empty(t, s.List(0))
	assert.Empty(t, s.Current())
}

func TestStoreRingLimit(t *testing.T) {
	s := NewStore(2)
	levels := []Level{LevelOK, LevelWarning, LevelCritical}
	for _, l := range levels {
		s.Record([]Finding{{Check: CheckPumpReservoir, Level: l}})
	}
	list := s.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, LevelWarning, list[0].Level)
	assert.Equal(t, LevelCritical, list[1].Level)
}
