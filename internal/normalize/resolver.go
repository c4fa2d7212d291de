package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"nsmetrics/internal/model"
)

// Path is a sequence of keys descended from the document root. A last key
// written as "a+b" sums those sibling keys; an absent sibling counts as zero
// but at least one must be present.
type Path []string

func ParsePath(dotted string) Path {
	parts := strings.Split(strings.TrimSpace(dotted), ".")
	out := make(Path, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Chain is the ordered fallback list for one metric. Min and Max, when set,
// reject implausible values so resolution moves on to the next path.
type Chain struct {
	Metric string
	Paths  []Path
	Min    *float64
	Max    *float64
}

// ResolvePaths returns the value of the first path holding a well-formed
// finite number. The result is unresolved when no path qualifies.
func ResolvePaths(doc map[string]any, paths []Path) model.ResolvedValue {
	return Resolve(doc, Chain{Paths: paths})
}

func Resolve(doc map[string]any, chain Chain) model.ResolvedValue {
	for _, path := range chain.Paths {
		raw, ok := lookup(doc, path)
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if chain.Min != nil && v < *chain.Min {
			continue
		}
		if chain.Max != nil && v > *chain.Max {
			continue
		}
		return model.ResolvedValue{Value: &v, Path: path.String()}
	}
	return model.ResolvedValue{Path: model.Unresolved}
}

func lookup(doc map[string]any, path Path) (any, bool) {
	if len(path) == 0 || doc == nil {
		return nil, false
	}
	var cur any = doc
	for i, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if i == len(path)-1 && strings.Contains(key, "+") {
			return sumKeys(m, strings.Split(key, "+"))
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func sumKeys(m map[string]any, keys []string) (any, bool) {
	var sum float64
	found := false
	for _, k := range keys {
		raw, ok := m[strings.TrimSpace(k)]
		if !ok || raw == nil {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			return nil, false
		}
		sum += v
		found = true
	}
	if !found {
		return nil, false
	}
	return sum, true
}

func toFloat(raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case uint:
		v = float64(n)
	case uint32:
		v = float64(n)
	case uint64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
