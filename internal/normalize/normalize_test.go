package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

func newTestDecoder() *Decoder {
	return NewDecoder(config.ParserConfig{Timezone: "UTC", DefaultDevice: "unknown"})
}

func TestDecodeEntry(t *testing.T) {
	d := newTestDecoder()
	e, err := d.DecodeEntry(map[string]any{
		"_id":        "65f0c0",
		"date":       1709294400000.0,
		"dateString": "2024-03-01T12:00:00.000Z",
		"sgv":        142.0,
		"delta":      -3.5,
		"direction":  "FortyFiveDown",
		"device":     "xDrip-DexcomG6",
	})
	require.NoError(t, err)
	assert.Equal(t, "65f0c0", e.ID)
	assert.Equal(t, int64(1709294400000), e.Timestamp)
	assert.Equal(t, 142, e.Glucose)
	require.NotNil(t, e.Delta)
	assert.Equal(t, -3.5, *e.Delta)
	assert.Equal(t, model.SlopeFallingSlowly, e.Slope)
	assert.Equal(t, "xDrip-DexcomG6", e.Device)
}

func TestDecodeEntryFallbacks(t *testing.T) {
	d := newTestDecoder()
	e, err := d.DecodeEntry(map[string]any{
		"identifier": "abc",
		"dateString": "2024-03-01T12:00:00Z",
		"sgv":        "99",
		"trend":      2.0,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), e.Timestamp)
	assert.Equal(t, 99, e.Glucose)
	assert.Nil(t, e.Delta)
	assert.Equal(t, "SingleUp", e.Trend)
	assert.Equal(t, model.SlopeRising, e.Slope)
	assert.Equal(t, "unknown", e.Device)
}

func TestDecodeEntryMalformed(t *testing.T) {
	d := newTestDecoder()
	cases := map[string]map[string]any{
		"no id":         {"date": 1709294400000.0, "sgv": 100.0},
		"no timestamp":  {"_id": "a", "sgv": 100.0},
		"bad timestamp": {"_id": "a", "dateString": "yesterday", "sgv": 100.0},
		"no sgv":        {"_id": "a", "date": 1709294400000.0, "type": "mbg"},
		"sgv too high":  {"_id": "a", "date": 1709294400000.0, "sgv": 900.0},
		"sgv text":      {"_id": "a", "date": 1709294400000.0, "sgv": "HIGH"},
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.DecodeEntry(doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestDecodeEntryUnknownTrend(t *testing.T) {
	d := newTestDecoder()
	e, err := d.DecodeEntry(map[string]any{"_id": "a", "date": 1709294400000.0, "sgv": 100.0, "direction": "NOT COMPUTABLE"})
	require.NoError(t, err)
	assert.Equal(t, model.SlopeUnknown, e.Slope)
}

func TestDecodeDeviceStatus(t *testing.T) {
	d := newTestDecoder()
	doc := map[string]any{
		"_id":        map[string]any{"$oid": "ds1"},
		"created_at": "2024-03-01T11:58:00.000Z",
		"device":     "openaps://phone",
		"openaps":    map[string]any{},
	}
	rec, err := d.DecodeDeviceStatus(doc)
	require.NoError(t, err)
	assert.Equal(t, "ds1", rec.ID)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 58, 0, 0, time.UTC).UnixMilli(), rec.CreatedAt)
	assert.Equal(t, "openaps://phone", rec.Device)

	_, err = d.DecodeDeviceStatus(map[string]any{"_id": "x"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("1709294400000", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1709294400000), ts.UnixMilli())

	ts, err = ParseTimestamp("1709294400", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1709294400), ts.Unix())

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	ts, err = ParseTimestamp("2024-03-01 13:00:00", berlin)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), ts.UTC())

	_, err = ParseTimestamp("", time.UTC)
	assert.Error(t, err)
}

func TestDecodeNumericTimestampUnits(t *testing.T) {
	d := newTestDecoder()
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	for name, date := range map[string]any{
		"millis number":  1709294400000.0,
		"seconds number": 1709294400.0,
		"seconds int":    int64(1709294400),
		"seconds string": "1709294400",
	} {
		t.Run(name, func(t *testing.T) {
			e, err := d.DecodeEntry(map[string]any{"_id": "a", "date": date, "sgv": 100.0})
			require.NoError(t, err)
			assert.Equal(t, want, e.Timestamp)
		})
	}
}
