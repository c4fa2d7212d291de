package normalize

import (
	"time"

	"nsmetrics/internal/model"
)

const (
	LoopSystemOpenAPS = "openaps"
	LoopSystemLoop    = "loop"
	LoopSystemUnknown = "unknown"
)

// DeviceResolver turns one device-status record into canonical metrics using
// a per-metric priority table. It holds no state beyond its configuration.
type DeviceResolver struct {
	chains    map[string]Chain
	freshness time.Duration
}

func NewDeviceResolver(overrides map[string][]string, freshness time.Duration) *DeviceResolver {
	return &DeviceResolver{chains: BuildChains(overrides), freshness: freshness}
}

func (r *DeviceResolver) Chain(metric string) (Chain, bool) {
	c, ok := r.chains[metric]
	return c, ok
}

// Resolve normalizes rec independently of any other record. Old records are
// still resolved; Stale and Age carry the information instead.
func (r *DeviceResolver) Resolve(rec model.DeviceStatusRecord, now time.Time) model.NormalizedDeviceMetrics {
	out := model.NormalizedDeviceMetrics{
		RecordID:   rec.ID,
		Device:     rec.Device,
		Timestamp:  rec.CreatedAt,
		LoopSystem: detectLoopSystem(rec.Doc),
	}
	if v, ok := lookup(rec.Doc, Path{"loop", "version"}); ok {
		if s, ok := v.(string); ok {
			out.LoopVersion = s
		}
	}
	latest := time.UnixMilli(rec.CreatedAt).UTC()
	age := now.Sub(latest)
	if age < 0 {
		age = 0
	}
	out.Age = model.DataAge{HasData: true, LatestAt: latest, Age: age}
	out.Stale = r.freshness > 0 && age > r.freshness

	resolve := func(metric string) model.ResolvedValue {
		v := Resolve(rec.Doc, r.chains[metric])
		v.SourceTime = rec.CreatedAt
		return v
	}
	out.InsulinOnBoard = resolve(MetricIOB)
	out.CarbsOnBoard = resolve(MetricCOB)
	out.SensitivityRatio = resolve(MetricSensitivityRatio)
	out.Reservoir = resolve(MetricReservoir)
	out.PumpBattery = resolve(MetricPumpBattery)
	out.UploaderBattery = resolve(MetricUploaderBattery)
	out.BasalRate = resolve(MetricBasalRate)
	out.TempBasalRate = resolve(MetricTempBasalRate)
	out.TempBasalDuration = resolve(MetricTempBasalDuration)
	return out
}

func detectLoopSystem(doc map[string]any) string {
	if _, ok := doc["openaps"].(map[string]any); ok {
		return LoopSystemOpenAPS
	}
	if _, ok := doc["loop"].(map[string]any); ok {
		return LoopSystemLoop
	}
	return LoopSystemUnknown
}
