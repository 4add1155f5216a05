package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/citynet/pkg/topology"
)

func sample(epoch uint64) Topology {
	return Topology{
		Epoch:   epoch,
		Cities:  []topology.City{{Name: "A", Lng: 13.4, Lat: 52.5}, {Name: "B", Lng: 2.35, Lat: 48.85}},
		Edges:   []topology.Edge{{A: "A", B: "B", Weight: 878}},
		SavedAt: time.Unix(1700000000+int64(epoch), 0).UTC(),
	}
}

func TestLoadEmptyStore(t *testing.T) {
	s, err := NewStore(StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAndLoadOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(StoreConfig{Path: dir})
	require.NoError(t, err)

	require.NoError(t, s.Save(sample(1)))
	require.NoError(t, s.Save(sample(2)))
	require.NoError(t, s.Close())

	reopened, err := NewStore(StoreConfig{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, sample(2).Epoch, got.Epoch)
	assert.Equal(t, sample(2).Cities, got.Cities)
	assert.Equal(t, sample(2).Edges, got.Edges)
	assert.True(t, sample(2).SavedAt.Equal(got.SavedAt))
}

func TestHistoryIsBounded(t *testing.T) {
	s, err := NewStore(StoreConfig{InMemory: true, HistoryLimit: 2})
	require.NoError(t, err)
	defer s.Close()

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, s.Save(sample(i)))
	}
	hist, err := s.History()
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, uint64(3), hist[0].Epoch)
	assert.Equal(t, uint64(4), hist[1].Epoch)
}

func TestLzmaRoundTrip(t *testing.T) {
	data := []byte(`{"cities":[{"name":"A"},{"name":"A"},{"name":"A"}]}`)
	packed, err := compressWithLzma(data)
	require.NoError(t, err)
	out, err := decompressWithLzma(packed)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCheckConfigCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/db"
	cfg := StoreConfig{Path: dir}
	require.NoError(t, cfg.checkConfig())

	empty := StoreConfig{}
	assert.Error(t, empty.checkConfig())
}
