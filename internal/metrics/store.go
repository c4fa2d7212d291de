package metrics

import (
	"sync"
	"time"

	"nsmetrics/internal/model"
)

// Store keeps the most recent published snapshots, oldest first. Snapshots
// are immutable so the store shares pointers with the engine.
type Store struct {
	mu        sync.RWMutex
	buf       []*model.Snapshot
	updatedAt time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 120
	}
	return &Store{limit: limit}
}

func (s *Store) Update(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, snap)
	} else {
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = snap
	}
	s.updatedAt = time.Now().UTC()
}

func (s *Store) Latest() (*model.Snapshot, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.buf) == 0 {
		return nil, time.Time{}, false
	}
	return s.buf[len(s.buf)-1], s.updatedAt, true
}

// List returns up to limit snapshots, newest last. limit <= 0 returns all.
func (s *Store) List(limit int) []*model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]*model.Snapshot, 0, limit)
	out = append(out, s.buf[len(s.buf)-limit:]...)
	return out
}

func (s *Store) Since(ts time.Time) []*model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Snapshot, 0)
	for _, snap := range s.buf {
		if !snap.GeneratedAt.Before(ts) {
			out = append(out, snap)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.updatedAt = time.Time{}
}
