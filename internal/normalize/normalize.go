package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

// ErrMalformed marks a document that lacks a field the engine cannot do
// without. Only that document is dropped.
var ErrMalformed = errors.New("malformed document")

const maxGlucose = 600

type Decoder struct {
	defaultDevice string
	loc           *time.Location
}

func NewDecoder(cfg config.ParserConfig) *Decoder {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	return &Decoder{defaultDevice: cfg.DefaultDevice, loc: loc}
}

func (d *Decoder) DecodeEntry(doc map[string]any) (model.GlucoseEntry, error) {
	id := firstString(doc, "_id", "identifier", "id")
	if id == "" {
		return model.GlucoseEntry{}, fmt.Errorf("%w: entry without identity", ErrMalformed)
	}
	ts, err := d.timestamp(doc, []string{"date", "mills"}, []string{"dateString", "sysTime"})
	if err != nil {
		return model.GlucoseEntry{}, fmt.Errorf("%w: entry %s: %v", ErrMalformed, id, err)
	}
	rawSGV, ok := doc["sgv"]
	if !ok || rawSGV == nil {
		return model.GlucoseEntry{}, fmt.Errorf("%w: entry %s has no sgv", ErrMalformed, id)
	}
	sgv, ok := toFloat(rawSGV)
	if !ok || sgv < 0 || sgv > maxGlucose {
		return model.GlucoseEntry{}, fmt.Errorf("%w: entry %s sgv out of domain: %v", ErrMalformed, id, rawSGV)
	}

	entry := model.GlucoseEntry{
		ID:        id,
		Timestamp: ts,
		Glucose:   int(math.Round(sgv)),
		Device:    d.device(doc),
	}
	if raw, ok := doc["delta"]; ok {
		if delta, ok := toFloat(raw); ok {
			entry.Delta = &delta
		}
	}
	entry.Trend = firstString(doc, "direction")
	if entry.Trend == "" {
		if raw, ok := doc["trend"]; ok {
			if code, ok := toFloat(raw); ok {
				entry.Trend = TrendFromCode(int(code))
			}
		}
	}
	entry.Slope = NormalizeTrend(entry.Trend)
	return entry, nil
}

func (d *Decoder) DecodeDeviceStatus(doc map[string]any) (model.DeviceStatusRecord, error) {
	id := firstString(doc, "_id", "identifier", "id")
	if id == "" {
		return model.DeviceStatusRecord{}, fmt.Errorf("%w: devicestatus without identity", ErrMalformed)
	}
	ts, err := d.timestamp(doc, []string{"mills", "date"}, []string{"created_at"})
	if err != nil {
		return model.DeviceStatusRecord{}, fmt.Errorf("%w: devicestatus %s: %v", ErrMalformed, id, err)
	}
	return model.DeviceStatusRecord{
		ID:        id,
		CreatedAt: ts,
		Device:    d.device(doc),
		Doc:       doc,
	}, nil
}

func (d *Decoder) device(doc map[string]any) string {
	if dev := firstString(doc, "device"); dev != "" {
		return dev
	}
	return d.defaultDevice
}

// timestamp prefers numeric epoch fields, then string fields parsed with
// ParseTimestamp. The result is in epoch milliseconds.
func (d *Decoder) timestamp(doc map[string]any, numeric, textual []string) (int64, error) {
	for _, key := range numeric {
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		if s, isString := raw.(string); isString {
			if t, err := ParseTimestamp(s, d.loc); err == nil {
				return t.UnixMilli(), nil
			}
			continue
		}
		if v, ok := toFloat(raw); ok && v > 0 {
			return epochMillis(v), nil
		}
	}
	for _, key := range textual {
		s := firstString(doc, key)
		if s == "" {
			continue
		}
		t, err := ParseTimestamp(s, d.loc)
		if err != nil {
			return 0, err
		}
		return t.UnixMilli(), nil
	}
	return 0, errors.New("missing timestamp")
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case map[string]any:
			// mongo extended json: {"$oid": "..."}
			if s, ok := v["$oid"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	time.RubyDate,
	time.UnixDate,
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	// zone-less layouts are read in loc; explicit offsets win
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// epochMillis reads v as seconds when it has fewer than 13 integer digits,
// the same cut parseUnix applies to digit strings.
func epochMillis(v float64) int64 {
	if v < 1e12 {
		return int64(math.Round(v * 1000))
	}
	return int64(v)
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
