package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

// EA1c converts a mean glucose in mg/dL to an estimated A1c percentage,
// rounded to one decimal.
func EA1c(mean float64) float64 {
	return round((mean+46.7)/28.7, 1)
}

// GMI is the glucose management indicator for a mean in mg/dL.
func GMI(mean float64) float64 {
	return round(3.31+0.02392*mean, 1)
}

// toMmol converts mg/dL to mmol/L rounded to one decimal.
func toMmol(mgdl float64) float64 {
	return round(mgdl/18, 1)
}

// ComputeWindows evaluates every configured window over entries, which must
// be ordered by timestamp. Windows are returned shortest first.
func ComputeWindows(entries []model.GlucoseEntry, now time.Time, cfg config.AggregationConfig) []model.WindowStat {
	windows := append([]time.Duration(nil), cfg.Windows...)
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	out := make([]model.WindowStat, 0, len(windows))
	for _, w := range windows {
		out = append(out, computeWindow(entries, now, w, cfg))
	}
	return out
}

func computeWindow(entries []model.GlucoseEntry, now time.Time, window time.Duration, cfg config.AggregationConfig) model.WindowStat {
	hi := now.UnixMilli()
	lo := hi - window.Milliseconds()
	// closed interval [lo, hi]
	start := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp >= lo })
	end := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp > hi })
	if end < start {
		end = start
	}
	samples := entries[start:end]

	stat := model.WindowStat{
		Window:    window,
		WindowSec: int64(window / time.Second),
		Label:     windowLabel(window),
		Unit:      config.UnitMgdl,
		Samples:   len(samples),
	}
	// eA1c and GMI always use the mg/dL mean; display values follow Unit.
	display := func(v float64) *float64 { return ptr(round(v, 1)) }
	if cfg.Unit == config.UnitMmol {
		stat.Unit = config.UnitMmol
		display = func(v float64) *float64 { return ptr(toMmol(v)) }
	}
	cadence := cfg.ExpectedCadence
	if cadence <= 0 {
		cadence = 5 * time.Minute
	}
	stat.Expected = int(window / cadence)
	if stat.Expected > 0 {
		stat.CoverageRatio = round(float64(stat.Samples)/float64(stat.Expected), 3)
	}
	required := int(math.Ceil(cfg.MinCoverage * float64(stat.Expected)))

	switch {
	case stat.Samples == 0:
		stat.Status = model.WindowUnresolved
		return stat
	case stat.Samples < required:
		stat.Status = model.WindowInsufficientCoverage
		return stat
	}
	stat.Status = model.WindowOK
	stat.Coverage = true

	values := make([]float64, len(samples))
	for i, e := range samples {
		values[i] = float64(e.Glucose)
	}
	mean := meanOf(values)
	stat.Mean = display(mean)
	stat.EA1c = ptr(EA1c(mean))
	stat.GMI = ptr(GMI(mean))
	stat.Median = display(medianOf(values))
	low, high := cfg.TargetRangeMgdl()
	below, in, above := rangeSplit(values, low, high)
	stat.TimeBelowRange = ptr(below)
	stat.TimeInRange = ptr(in)
	stat.TimeAboveRange = ptr(above)

	if len(values) < 2 {
		return stat
	}
	sd := stdevOf(values, mean)
	stat.StdDev = display(sd)
	if mean != 0 {
		stat.CV = ptr(round(sd/mean*100, 1))
	}
	stat.GVI = ptr(round(gviOf(values), 2))
	stat.PGS = display(mean + sd)
	return stat
}

func windowLabel(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func medianOf(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// stdevOf is the sample standard deviation (n-1).
func stdevOf(values []float64, mean float64) float64 {
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// gviOf sums absolute successive differences in time order and normalizes by
// the sample count.
func gviOf(values []float64) float64 {
	var total float64
	for i := 1; i < len(values); i++ {
		total += math.Abs(values[i] - values[i-1])
	}
	return total / float64(len(values))
}

func rangeSplit(values []float64, low, high float64) (below, in, above float64) {
	var b, i, a int
	for _, v := range values {
		switch {
		case v < low:
			b++
		case v > high:
			a++
		default:
			i++
		}
	}
	n := float64(len(values))
	return round(float64(b)/n*100, 1), round(float64(i)/n*100, 1), round(float64(a)/n*100, 1)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ptr(v float64) *float64 { return &v }
