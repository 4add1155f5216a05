package citynet

import (
	"context"
	"io"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/citynet/internal/registry"
	"github.com/i5heu/citynet/internal/testutil"
	"github.com/i5heu/citynet/pkg/routing"
	"github.com/i5heu/citynet/pkg/topology"
)

var (
	testCities = []topology.City{{Name: "A"}, {Name: "B"}, {Name: "C"}, {Name: "D"}, {Name: "E"}}
	testEdges  = []topology.Edge{
		{A: "A", B: "B", Weight: 1},
		{A: "B", B: "C", Weight: 2},
		{A: "C", B: "D", Weight: 1},
		{A: "D", B: "E", Weight: 3},
		{A: "A", B: "C", Weight: 5},
		{A: "B", B: "E", Weight: 9},
	}
)

func quietLogger() *slog.Logger { // A
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNetwork(t *testing.T, dataPath string) *Network { // A
	t.Helper()
	n, err := New(Config{
		Logger:        quietLogger(),
		DataPath:      dataPath,
		ProbeInterval: -1,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	return n
}

func TestNewRejectsBadProbeWindow(t *testing.T) { // A
	_, err := New(Config{
		Logger:        quietLogger(),
		ProbeInterval: time.Second,
		ProbeTimeout:  time.Second,
	})
	assert.Error(t, err)
}

func TestStartIsIdempotent(t *testing.T) { // A
	n := newTestNetwork(t, "")
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Close(context.Background()))
	require.NoError(t, n.Close(context.Background()))
}

func TestLoadTopologyRoutes(t *testing.T) { // A
	n := newTestNetwork(t, "")
	defer n.Close(context.Background())

	res, err := n.LoadTopology(context.Background(), testCities, testEdges)
	require.NoError(t, err)
	assert.Equal(t, 7.0, res.TotalWeight)

	path, err := n.Router().Path("A", "E")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, path.Route)
}

func TestLoadTopologyIndexed(t *testing.T) { // A
	n := newTestNetwork(t, "")
	defer n.Close(context.Background())

	res, err := n.LoadTopologyIndexed(context.Background(),
		[]topology.City{{Name: "X"}, {Name: "Y"}, {Name: "Z"}},
		[]topology.IndexedEdge{{U: 0, V: 1, W: 1}, {U: 1, V: 2, W: 1}, {U: 0, V: 2, W: 3}},
	)
	require.NoError(t, err)
	assert.Len(t, res.MSTEdges, 2)
	assert.True(t, res.Connected)
}

func TestLoadAfterCloseFails(t *testing.T) { // A
	n := newTestNetwork(t, "")
	require.NoError(t, n.Close(context.Background()))

	_, err := n.LoadTopology(context.Background(), testCities, testEdges)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, n.Start(context.Background()))
}

func TestTopologySurvivesRestart(t *testing.T) { // A
	dir := t.TempDir()

	n := newTestNetwork(t, dir)
	_, err := n.LoadTopology(context.Background(), testCities, testEdges)
	require.NoError(t, err)
	history, err := n.History()
	require.NoError(t, err)
	assert.Len(t, history, 1)
	require.NoError(t, n.Close(context.Background()))

	restarted := newTestNetwork(t, dir)
	defer restarted.Close(context.Background())

	status := restarted.Router().Status()
	require.True(t, status.Loaded)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, status.Cities)

	path, err := restarted.Router().Path("E", "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"E", "D", "C", "B", "A"}, path.Route)
}

func TestConcurrentLoadsPersistTheirOwnTopology(t *testing.T) { // A
	n := newTestNetwork(t, t.TempDir())
	defer n.Close(context.Background())

	const loads = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	leafByEpoch := make(map[uint64]string, loads)
	for i := 0; i < loads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leaf := fmt.Sprintf("leaf-%d", i)
			res, err := n.LoadTopology(context.Background(),
				[]topology.City{{Name: "hub"}, {Name: leaf}},
				[]topology.Edge{{A: "hub", B: leaf, Weight: 1}})
			if err != nil {
				t.Errorf("load %d: %v", i, err)
				return
			}
			mu.Lock()
			leafByEpoch[res.Epoch] = leaf
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	history, err := n.History()
	require.NoError(t, err)
	require.Len(t, history, loads)
	for _, snap := range history {
		leaf, ok := leafByEpoch[snap.Epoch]
		require.True(t, ok, "unknown epoch %d", snap.Epoch)
		require.Len(t, snap.Cities, 2)
		assert.Equal(t, leaf, snap.Cities[1].Name, "epoch %d", snap.Epoch)
	}
}

func TestReloadNotifiesRegistry(t *testing.T) { // A
	n := newTestNetwork(t, "")
	defer n.Close(context.Background())

	events, cancel := n.Registry().Subscribe(8)
	defer cancel()

	_, err := n.LoadTopology(context.Background(), testCities, testEdges)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, registry.EventTopologyUpdated, ev.Kind)
		require.NotNil(t, ev.Topology)
		assert.Equal(t, 5, ev.Topology.Cities)
	case <-time.After(2 * time.Second):
		t.Fatal("no topology event")
	}
}

func TestRelayThroughNetwork(t *testing.T) { // A
	n := newTestNetwork(t, "")
	defer n.Close(context.Background())

	_, err := n.LoadTopology(context.Background(), testCities, testEdges)
	require.NoError(t, err)

	ctx := context.Background()
	ends := map[string]*testutil.PipeEnd{}
	for _, city := range []string{"A", "B", "C", "D", "E"} {
		server, client := testutil.NewPipe(16)
		_, err := n.Registry().Register(ctx, city, server)
		require.NoError(t, err)
		ends[city] = client
	}

	report, err := n.Registry().RelayEncrypted(ctx, "A", "E", "hello E")
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.ElementsMatch(t, []string{"A", "B", "C", "D", "E"}, report.Delivered)

	_, ok := n.Keys().Lookup("A", "E")
	assert.True(t, ok)
}

func TestRouteErrorsSurface(t *testing.T) { // A
	n := newTestNetwork(t, "")
	defer n.Close(context.Background())

	_, err := n.Router().Path("A", "B")
	assert.ErrorIs(t, err, routing.ErrNoTopology)

	_, err = n.LoadTopology(context.Background(), testCities,
		[]topology.Edge{{A: "A", B: "Q", Weight: 1}})
	assert.ErrorIs(t, err, topology.ErrInvalidTopology)
}
