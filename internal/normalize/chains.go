package normalize

const (
	MetricIOB               = "iob"
	MetricCOB               = "cob"
	MetricSensitivityRatio  = "sensitivity_ratio"
	MetricReservoir         = "reservoir"
	MetricPumpBattery       = "pump_battery"
	MetricUploaderBattery   = "uploader_battery"
	MetricBasalRate         = "basal_rate"
	MetricTempBasalRate     = "temp_basal_rate"
	MetricTempBasalDuration = "temp_basal_duration"
)

// Metrics lists every metric the device resolver produces, in output order.
var Metrics = []string{
	MetricIOB,
	MetricCOB,
	MetricSensitivityRatio,
	MetricReservoir,
	MetricPumpBattery,
	MetricUploaderBattery,
	MetricBasalRate,
	MetricTempBasalRate,
	MetricTempBasalDuration,
}

var defaultPaths = map[string][]string{
	MetricIOB: {
		"openaps.suggested.IOB",
		"openaps.iob.iob",
		"openaps.enacted.IOB",
		"loop.iob.iob",
		"pump.iob",
		"pump.iob.bolus+basal",
		"pump.iob.bolusiob",
	},
	MetricCOB: {
		"openaps.suggested.COB",
		"openaps.enacted.COB",
		"loop.cob.cob",
	},
	MetricSensitivityRatio: {
		"openaps.suggested.sensitivityRatio",
		"openaps.enacted.sensitivityRatio",
	},
	MetricReservoir:       {"pump.reservoir"},
	MetricPumpBattery:     {"pump.battery.percent", "pump.battery"},
	MetricUploaderBattery: {"uploader.battery", "uploaderBattery"},
	MetricBasalRate:       {"pump.extended.BaseBasalRate"},
	MetricTempBasalRate:   {"openaps.enacted.rate", "loop.enacted.rate"},
	MetricTempBasalDuration: {
		"openaps.enacted.duration",
		"loop.enacted.duration",
	},
}

type bounds struct {
	min, max *float64
}

func floatPtr(v float64) *float64 { return &v }

var metricBounds = map[string]bounds{
	MetricCOB:               {min: floatPtr(0)},
	MetricSensitivityRatio:  {min: floatPtr(0)},
	MetricReservoir:         {min: floatPtr(0)},
	MetricPumpBattery:       {min: floatPtr(0), max: floatPtr(100)},
	MetricUploaderBattery:   {min: floatPtr(0), max: floatPtr(100)},
	MetricBasalRate:         {min: floatPtr(0)},
	MetricTempBasalRate:     {min: floatPtr(0)},
	MetricTempBasalDuration: {min: floatPtr(0)},
}

// DefaultPaths returns a copy of the built-in priority table.
func DefaultPaths() map[string][]string {
	out := make(map[string][]string, len(defaultPaths))
	for k, v := range defaultPaths {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// BuildChains merges configured overrides over the default table. An
// override replaces the whole chain for its metric; unknown metric names are
// ignored.
func BuildChains(overrides map[string][]string) map[string]Chain {
	chains := make(map[string]Chain, len(defaultPaths))
	for _, metric := range Metrics {
		dotted := defaultPaths[metric]
		if o, ok := overrides[metric]; ok && len(o) > 0 {
			dotted = o
		}
		paths := make([]Path, 0, len(dotted))
		for _, d := range dotted {
			if p := ParsePath(d); len(p) > 0 {
				paths = append(paths, p)
			}
		}
		b := metricBounds[metric]
		chains[metric] = Chain{Metric: metric, Paths: paths, Min: b.min, Max: b.max}
	}
	return chains
}
