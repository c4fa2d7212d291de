// Package diagnostics classifies a published snapshot into per-check health
// levels. It never dispatches anything; findings are only stored and served.
package diagnostics

import (
	"fmt"
	"math"
	"time"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelUnknown  Level = "unknown"
)

const (
	CheckGlucoseAge      = "glucose_data_age"
	CheckDeviceAge       = "device_data_age"
	CheckPumpBattery     = "pump_battery"
	CheckUploaderBattery = "uploader_battery"
	CheckPumpReservoir   = "pump_reservoir"
)

type Finding struct {
	Check      string    `json:"check"`
	Level      Level     `json:"level"`
	Previous   Level     `json:"previous,omitempty"`
	Value      *float64  `json:"value,omitempty"`
	Message    string    `json:"message"`
	SnapshotID string    `json:"snapshot_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Severe reports whether the level needs attention.
func (l Level) Severe() bool {
	return l == LevelWarning || l == LevelCritical
}

var levelRank = map[Level]int{LevelUnknown: 0, LevelOK: 1, LevelWarning: 2, LevelCritical: 3}

// Worst returns the most severe level among findings, or unknown for none.
func Worst(findings []Finding) Level {
	worst := LevelUnknown
	for _, f := range findings {
		if levelRank[f.Level] > levelRank[worst] {
			worst = f.Level
		}
	}
	return worst
}

// Evaluate runs every check against snap.
func Evaluate(snap *model.Snapshot, cfg config.DiagnosticsConfig) []Finding {
	if snap == nil {
		return nil
	}
	out := []Finding{
		ageFinding(CheckGlucoseAge, "glucose reading", snap.GlucoseAge, cfg),
		ageFinding(CheckDeviceAge, "device status", snap.DeviceAge, cfg),
	}
	var pump, uploader, reservoir model.ResolvedValue
	if snap.Device != nil {
		pump = snap.Device.PumpBattery
		uploader = snap.Device.UploaderBattery
		reservoir = snap.Device.Reservoir
	}
	out = append(out,
		floorFinding(CheckPumpBattery, "pump battery", "%", pump, cfg.BatteryWarning, cfg.BatteryCritical),
		floorFinding(CheckUploaderBattery, "uploader battery", "%", uploader, cfg.BatteryWarning, cfg.BatteryCritical),
		floorFinding(CheckPumpReservoir, "pump reservoir", "U", reservoir, cfg.ReservoirWarning, cfg.ReservoirCritical),
	)
	for i := range out {
		out[i].SnapshotID = snap.ID
		out[i].Timestamp = snap.GeneratedAt
	}
	return out
}

func ageFinding(check, subject string, age model.DataAge, cfg config.DiagnosticsConfig) Finding {
	if !age.HasData {
		return Finding{Check: check, Level: LevelUnknown, Message: "no " + subject + " received"}
	}
	minutes := round1(age.Age.Minutes())
	level := LevelOK
	switch {
	case age.Age > cfg.DataAgeCritical:
		level = LevelCritical
	case age.Age > cfg.DataAgeWarning:
		level = LevelWarning
	}
	return Finding{
		Check:   check,
		Level:   level,
		Value:   &minutes,
		Message: fmt.Sprintf("last %s %.1f minutes ago", subject, minutes),
	}
}

// floorFinding grades a value that should stay above its thresholds.
func floorFinding(check, subject, unit string, v model.ResolvedValue, warning, critical float64) Finding {
	val, ok := v.Float()
	if !ok {
		return Finding{Check: check, Level: LevelUnknown, Message: subject + " not reported"}
	}
	level := LevelOK
	switch {
	case val < critical:
		level = LevelCritical
	case val < warning:
		level = LevelWarning
	}
	return Finding{
		Check:   check,
		Level:   level,
		Value:   &val,
		Message: fmt.Sprintf("%s at %g%s", subject, val, unit),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
