package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nsmetrics/internal/model"
)

func TestStoreRing(t *testing.T) {
	s := NewStore(3)
	_, _, ok := s.Latest()
	assert.False(t, ok, "empty store reported a latest snapshot")

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Update(&model.Snapshot{ID: string(rune('a' + i)), GeneratedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	s.Update(nil)
	require.Equal(t, 3, s.Len())

	list := s.List(0)
	assert.Equal(t, "c", list[0].ID, "oldest first")
	assert.Equal(t, "e", list[2].ID)

	newest := s.List(2)
	require.Len(t, newest, 2)
	assert.Equal(t, "d", newest[0].ID)

	latest, _, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, "e", latest.ID)
	assert.Len(t, s.Since(base.Add(3*time.Minute)), 2)

	s.Clear()
	assert.Zero(t, s.Len())
}
