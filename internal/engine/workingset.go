package engine

import (
	"sort"
	"time"

	"nsmetrics/internal/model"
)

// MergeStats counts what a merge did with each incoming record.
type MergeStats struct {
	Inserted  int `json:"inserted"`
	Replaced  int `json:"replaced"`
	Discarded int `json:"discarded"`
}

// WorkingSet holds at most one record per identity, ordered by (timestamp,
// identity). It is not safe for concurrent use; the engine serializes access.
type WorkingSet[T any] struct {
	identity  func(T) string
	timestamp func(T) int64
	byID      map[string]T
	sorted    []T
}

func NewWorkingSet[T any](identity func(T) string, timestamp func(T) int64) *WorkingSet[T] {
	return &WorkingSet[T]{
		identity:  identity,
		timestamp: timestamp,
		byID:      make(map[string]T),
	}
}

// Merge applies newer-wins: an unknown identity is inserted, a known one is
// replaced only by a strictly newer timestamp, anything else is dropped.
func (w *WorkingSet[T]) Merge(batch []T) MergeStats {
	var stats MergeStats
	for _, rec := range batch {
		id := w.identity(rec)
		cur, ok := w.byID[id]
		switch {
		case !ok:
			w.byID[id] = rec
			stats.Inserted++
		case w.timestamp(rec) > w.timestamp(cur):
			w.byID[id] = rec
			stats.Replaced++
		default:
			stats.Discarded++
		}
	}
	if stats.Inserted > 0 || stats.Replaced > 0 {
		w.rebuild()
	}
	return stats
}

func (w *WorkingSet[T]) rebuild() {
	out := make([]T, 0, len(w.byID))
	for _, rec := range w.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := w.timestamp(out[i]), w.timestamp(out[j])
		if ti != tj {
			return ti < tj
		}
		return w.identity(out[i]) < w.identity(out[j])
	})
	w.sorted = out
}

// Prune drops records older than cutoff (epoch ms). keep, when set, rescues
// records that must survive regardless of age. It returns the number removed.
func (w *WorkingSet[T]) Prune(cutoff int64, keep func(T) bool) int {
	removed := 0
	for id, rec := range w.byID {
		if w.timestamp(rec) >= cutoff {
			continue
		}
		if keep != nil && keep(rec) {
			continue
		}
		delete(w.byID, id)
		removed++
	}
	if removed > 0 {
		w.rebuild()
	}
	return removed
}

func (w *WorkingSet[T]) Len() int {
	return len(w.sorted)
}

// Sorted returns a copy of the ordered records.
func (w *WorkingSet[T]) Sorted() []T {
	return append([]T(nil), w.sorted...)
}

// View returns the ordered records without copying. Callers must not modify
// or retain the slice past the next Merge or Prune.
func (w *WorkingSet[T]) View() []T {
	return w.sorted
}

func (w *WorkingSet[T]) Latest() (T, bool) {
	if len(w.sorted) == 0 {
		var zero T
		return zero, false
	}
	return w.sorted[len(w.sorted)-1], true
}

// Age reports how old the newest record is at now. Records stamped in the
// future count as age zero.
func (w *WorkingSet[T]) Age(now time.Time) model.DataAge {
	latest, ok := w.Latest()
	if !ok {
		return model.DataAge{}
	}
	at := time.UnixMilli(w.timestamp(latest)).UTC()
	age := now.Sub(at)
	if age < 0 {
		age = 0
	}
	return model.DataAge{HasData: true, LatestAt: at, Age: age}
}

func (w *WorkingSet[T]) Reset() {
	w.byID = make(map[string]T)
	w.sorted = nil
}
