package normalize

import (
	"fmt"
	"math"
	"strings"

	"nsmetrics/internal/model"
)

var (
	insulinChain = Chain{Metric: "insulin", Paths: []Path{{"insulin"}}, Min: floatPtr(0)}
	carbsChain   = Chain{Metric: "carbs", Paths: []Path{{"carbs"}}, Min: floatPtr(0)}
)

func (d *Decoder) DecodeTreatment(doc map[string]any) (model.Treatment, error) {
	id := firstString(doc, "_id", "identifier", "id")
	if id == "" {
		return model.Treatment{}, fmt.Errorf("%w: treatment without identity", ErrMalformed)
	}
	ts, err := d.timestamp(doc, []string{"mills", "date"}, []string{"created_at", "timestamp"})
	if err != nil {
		return model.Treatment{}, fmt.Errorf("%w: treatment %s: %v", ErrMalformed, id, err)
	}
	t := model.Treatment{
		ID:        id,
		CreatedAt: ts,
		EventType: firstString(doc, "eventType"),
		Notes:     firstString(doc, "notes"),
		EnteredBy: firstString(doc, "enteredBy"),
	}
	if v := Resolve(doc, insulinChain); v.Resolved() {
		t.Insulin = v.Value
	}
	if v := Resolve(doc, carbsChain); v.Resolved() {
		t.Carbs = v.Value
	}
	return t, nil
}

// SummarizeTreatments picks the newest treatment, the newest bolus with a
// positive insulin amount and the newest entry with positive carbs. The
// input must be ordered oldest first. Bolus insulin is rounded to 0.01 U and
// carbs to whole grams.
func SummarizeTreatments(treatments []model.Treatment) model.TreatmentSummary {
	var out model.TreatmentSummary
	for i := len(treatments) - 1; i >= 0; i-- {
		t := treatments[i]
		if out.Last == nil {
			c := t
			out.Last = &c
		}
		if out.LastBolus == nil && IsBolus(t) {
			c := t
			c.Insulin = roundedPtr(*t.Insulin, 2)
			out.LastBolus = &c
		}
		if out.LastCarbs == nil && t.Carbs != nil && *t.Carbs > 0 {
			c := t
			c.Carbs = roundedPtr(*t.Carbs, 0)
			out.LastCarbs = &c
		}
		if out.Last != nil && out.LastBolus != nil && out.LastCarbs != nil {
			break
		}
	}
	return out
}

// IsBolus matches every event type naming a bolus ("Meal Bolus",
// "Correction Bolus", "Combo Bolus") that delivered insulin.
func IsBolus(t model.Treatment) bool {
	return strings.Contains(t.EventType, "Bolus") && t.Insulin != nil && *t.Insulin > 0
}

func roundedPtr(v float64, places int) *float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	return &r
}
