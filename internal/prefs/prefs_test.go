package prefs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetLastUsedMetrics(s, []string{"fps", "mem.used"}))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	names, err := LastUsedMetrics(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"fps", "mem.used"}, names)
}

func TestLastUsedMetrics_Empty(t *testing.T) {
	s := NewMemStore()
	names, err := LastUsedMetrics(s)
	require.NoError(t, err)
	assert.Nil(t, names)

	require.NoError(t, SetLastUsedMetrics(s, nil))
	names, err = LastUsedMetrics(s)
	require.NoError(t, err)
	assert.Nil(t, names)
}
