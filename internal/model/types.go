package model

import (
	"encoding/json"
	"time"
)

type SlopeClass string

const (
	SlopeRisingFast    SlopeClass = "rising-fast"
	SlopeRising        SlopeClass = "rising"
	SlopeRisingSlowly  SlopeClass = "rising-slowly"
	SlopeFlat          SlopeClass = "flat"
	SlopeFallingSlowly SlopeClass = "falling-slowly"
	SlopeFalling       SlopeClass = "falling"
	SlopeFallingFast   SlopeClass = "falling-fast"
	SlopeUnknown       SlopeClass = "unknown"
)

// Unresolved is the provenance recorded for a value no candidate path produced.
const Unresolved = "unresolved"

type GlucoseEntry struct {
	ID        string     `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Glucose   int        `json:"glucose"`
	Delta     *float64   `json:"delta,omitempty"`
	Trend     string     `json:"trend,omitempty"`
	Slope     SlopeClass `json:"slope"`
	Device    string     `json:"device,omitempty"`
}

// DeviceStatusRecord keeps the vendor document as received. Doc is never
// written after decoding.
type DeviceStatusRecord struct {
	ID        string         `json:"id"`
	CreatedAt int64          `json:"created_at"`
	Device    string         `json:"device,omitempty"`
	Doc       map[string]any `json:"-"`
}

// Treatment is a care event: a bolus, carb entry, site change and so on.
// Amounts are nil when the document carries none.
type Treatment struct {
	ID        string   `json:"id"`
	CreatedAt int64    `json:"created_at"`
	EventType string   `json:"event_type,omitempty"`
	Insulin   *float64 `json:"insulin,omitempty"`
	Carbs     *float64 `json:"carbs,omitempty"`
	Notes     string   `json:"notes,omitempty"`
	EnteredBy string   `json:"entered_by,omitempty"`
}

type TreatmentSummary struct {
	Last      *Treatment `json:"last,omitempty"`
	LastBolus *Treatment `json:"last_bolus,omitempty"`
	LastCarbs *Treatment `json:"last_carbs,omitempty"`
	Age       DataAge    `json:"age"`
}

// Holds reports whether id is one of the summarized records.
func (s TreatmentSummary) Holds(id string) bool {
	for _, t := range []*Treatment{s.Last, s.LastBolus, s.LastCarbs} {
		if t != nil && t.ID == id {
			return true
		}
	}
	return false
}

type ResolvedValue struct {
	Value      *float64 `json:"value"`
	Path       string   `json:"path"`
	SourceTime int64    `json:"source_time"`
}

func (v ResolvedValue) Resolved() bool {
	return v.Value != nil
}

// Float returns the value and whether it was resolved.
func (v ResolvedValue) Float() (float64, bool) {
	if v.Value == nil {
		return 0, false
	}
	return *v.Value, true
}

type NormalizedDeviceMetrics struct {
	RecordID          string        `json:"record_id"`
	Device            string        `json:"device,omitempty"`
	Timestamp         int64         `json:"timestamp"`
	Age               DataAge       `json:"age"`
	Stale             bool          `json:"stale"`
	LoopSystem        string        `json:"loop_system"`
	LoopVersion       string        `json:"loop_version,omitempty"`
	InsulinOnBoard    ResolvedValue `json:"iob"`
	CarbsOnBoard      ResolvedValue `json:"cob"`
	SensitivityRatio  ResolvedValue `json:"sensitivity_ratio"`
	Reservoir         ResolvedValue `json:"reservoir"`
	PumpBattery       ResolvedValue `json:"pump_battery"`
	UploaderBattery   ResolvedValue `json:"uploader_battery"`
	BasalRate         ResolvedValue `json:"basal_rate"`
	TempBasalRate     ResolvedValue `json:"temp_basal_rate"`
	TempBasalDuration ResolvedValue `json:"temp_basal_duration"`
}

type WindowStatus string

const (
	WindowOK                   WindowStatus = "ok"
	WindowInsufficientCoverage WindowStatus = "insufficient_coverage"
	WindowUnresolved           WindowStatus = "unresolved"
)

type WindowStat struct {
	Window         time.Duration `json:"-"`
	WindowSec      int64         `json:"window_sec"`
	Label          string        `json:"label"`
	Unit           string        `json:"unit"`
	Samples        int           `json:"samples"`
	Expected       int           `json:"expected"`
	CoverageRatio  float64       `json:"coverage_ratio"`
	Coverage       bool          `json:"coverage"`
	Status         WindowStatus  `json:"status"`
	Mean           *float64      `json:"mean,omitempty"`
	EA1c           *float64      `json:"ea1c,omitempty"`
	GMI            *float64      `json:"gmi,omitempty"`
	Median         *float64      `json:"median,omitempty"`
	StdDev         *float64      `json:"stdev,omitempty"`
	CV             *float64      `json:"cv,omitempty"`
	GVI            *float64      `json:"gvi,omitempty"`
	PGS            *float64      `json:"pgs,omitempty"`
	TimeBelowRange *float64      `json:"time_below_range,omitempty"`
	TimeInRange    *float64      `json:"time_in_range,omitempty"`
	TimeAboveRange *float64      `json:"time_above_range,omitempty"`
}

// DataAge reports how old the newest record of a set is. A set without
// records has HasData false and serializes as "no data".
type DataAge struct {
	HasData  bool
	LatestAt time.Time
	Age      time.Duration
}

func (a DataAge) String() string {
	if !a.HasData {
		return "no data"
	}
	return a.Age.String()
}

func (a DataAge) MarshalJSON() ([]byte, error) {
	if !a.HasData {
		return json.Marshal("no data")
	}
	return json.Marshal(struct {
		LatestAt   time.Time `json:"latest_at"`
		AgeSeconds float64   `json:"age_seconds"`
	}{a.LatestAt.UTC(), a.Age.Seconds()})
}

type GlucoseReading struct {
	ID        string     `json:"id"`
	Value     int        `json:"value"`
	Unit      string     `json:"unit"`
	Display   float64    `json:"display"`
	Slope     SlopeClass `json:"slope"`
	Trend     string     `json:"trend,omitempty"`
	Delta     *float64   `json:"delta,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Device    string     `json:"device,omitempty"`
}

// Snapshot is built fresh on every engine pass and must not be modified
// once published.
type Snapshot struct {
	ID             string                             `json:"id"`
	GeneratedAt    time.Time                          `json:"generated_at"`
	Glucose        *GlucoseReading                    `json:"glucose,omitempty"`
	GlucoseAge     DataAge                            `json:"glucose_age"`
	Windows        []WindowStat                       `json:"windows"`
	Device         *NormalizedDeviceMetrics           `json:"device,omitempty"`
	Devices        map[string]NormalizedDeviceMetrics `json:"devices,omitempty"`
	DeviceAge      DataAge                            `json:"device_age"`
	Treatments     TreatmentSummary                   `json:"treatments"`
	EntryCount     int                                `json:"entry_count"`
	StatusCount    int                                `json:"status_count"`
	TreatmentCount int                                `json:"treatment_count"`
}

type BatchKind string

const (
	KindEntries      BatchKind = "entries"
	KindDeviceStatus BatchKind = "devicestatus"
	KindTreatments   BatchKind = "treatments"
)

// Batch is one delivery of raw documents from a collaborator.
type Batch struct {
	Kind   BatchKind
	Source string
	Docs   []map[string]any
}

type IngestResult struct {
	Kind      BatchKind `json:"kind"`
	Received  int       `json:"received"`
	Dropped   int       `json:"dropped"`
	Inserted  int       `json:"inserted"`
	Replaced  int       `json:"replaced"`
	Discarded int       `json:"discarded"`
}
