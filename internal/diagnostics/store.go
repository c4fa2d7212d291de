package diagnostics

import (
	"sort"
	"sync"
	"time"
)

// Store keeps the current level of every check plus a bounded ring of the
// findings that changed a level.
type Store struct {
	mu      sync.RWMutex
	buf     []Finding
	limit   int
	current map[string]Finding
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{limit: limit, current: make(map[string]Finding)}
}

// Record updates the current findings and returns those whose level differs
// from the previous evaluation of the same check.
func (s *Store) Record(findings []Finding) []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []Finding
	for _, f := range findings {
		prev, ok := s.current[f.Check]
		s.current[f.Check] = f
		if ok && prev.Level == f.Level {
			continue
		}
		f.Previous = prev.Level
		changed = append(changed, f)
		s.add(f)
	}
	return changed
}

func (s *Store) add(f Finding) {
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, f)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = f
}

func (s *Store) List(limit int) []Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Finding, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Finding, 0)
	for _, f := range s.buf {
		if !f.Timestamp.Before(ts) {
			out = append(out, f)
		}
	}
	return out
}

// Current returns the latest finding of each check, ordered by check name.
func (s *Store) Current() []Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Finding, 0, len(s.current))
	for _, f := range s.current {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Check < out[j].Check })
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.current = make(map[string]Finding)
}
