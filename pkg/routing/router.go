package routing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i5heu/citynet/pkg/metrics"
	"github.com/i5heu/citynet/pkg/topology"
)

const (
	logKeyEpoch      = "epoch"
	logKeyCities     = "cities"
	logKeyEdges      = "edges"
	logKeyComponents = "components"
	logKeyError      = "error"
)

// DefaultPathCacheSize bounds the per-epoch path memo.
const DefaultPathCacheSize = 1024

// LoadResult summarizes a successful topology load.
type LoadResult struct { // A
	Epoch       uint64          `json:"epoch"`
	Cities      int             `json:"cities"`
	Edges       int             `json:"edges"`
	MSTEdges    []topology.Edge `json:"mst_edges"`
	TotalWeight float64         `json:"total_weight"`
	Connected   bool            `json:"connected"`
	Components  int             `json:"components"`
	// Topology is the installed topology of this epoch.
	Topology *topology.Topology `json:"-"`
}

// PathResult is one answered route query.
type PathResult struct { // A
	From  string   `json:"from"`
	To    string   `json:"to"`
	Route []string `json:"route"`
	Hops  int      `json:"hops"`
	Epoch uint64   `json:"epoch"`
}

// Status describes the currently installed snapshot.
type Status struct { // A
	Loaded      bool            `json:"loaded"`
	Epoch       uint64          `json:"epoch"`
	Cities      []string        `json:"cities"`
	Edges       int             `json:"edges"`
	MSTEdges    []topology.Edge `json:"mst_edges"`
	TotalWeight float64         `json:"total_weight"`
	Connected   bool            `json:"connected"`
	Components  int             `json:"components"`
	LoadedAt    time.Time       `json:"loaded_at"`
}

type pathKey struct {
	from, to string
}

// snapshot is replaced wholesale on every load; readers never observe a
// topology paired with another epoch's tree or cache.
type snapshot struct {
	epoch    uint64
	topo     *topology.Topology
	tree     *Tree
	paths    *lru.Cache[pathKey, []string]
	loadedAt time.Time
}

// RouterConfig configures a Router.
type RouterConfig struct { // A
	Logger        *slog.Logger
	PathCacheSize int
}

// Router owns the shared topology and MST. Loads are serialized; lookups
// read the current snapshot without locking.
type Router struct { // A
	log       *slog.Logger
	cacheSize int

	loadMu  sync.Mutex
	epoch   uint64
	current atomic.Pointer[snapshot]

	hooksMu sync.RWMutex
	hooks   []func(*LoadResult)

	// notifyMu serializes hook runs; notified is the newest epoch handed
	// to the hooks.
	notifyMu sync.Mutex
	notified uint64
}

// NewRouter returns an empty Router. Path fails with ErrNoTopology until the
// first successful Load.
func NewRouter(cfg RouterConfig) *Router { // A
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PathCacheSize <= 0 {
		cfg.PathCacheSize = DefaultPathCacheSize
	}
	return &Router{log: cfg.Logger, cacheSize: cfg.PathCacheSize}
}

// Load validates the input, computes the MST and installs both atomically.
// On a validation error the previous snapshot stays in place.
func (r *Router) Load(cities []topology.City, edges []topology.Edge) (*LoadResult, error) { // A
	topo, err := topology.Load(cities, edges)
	if err != nil {
		metrics.TopologyLoadsTotal.WithLabelValues("invalid").Inc()
		r.log.Warn("topology rejected", logKeyError, err)
		return nil, err
	}
	return r.Install(topo)
}

// LoadIndexed is Load for index-addressed edges.
func (r *Router) LoadIndexed(cities []topology.City, edges []topology.IndexedEdge) (*LoadResult, error) { // A
	topo, err := topology.LoadIndexed(cities, edges)
	if err != nil {
		metrics.TopologyLoadsTotal.WithLabelValues("invalid").Inc()
		r.log.Warn("topology rejected", logKeyError, err)
		return nil, err
	}
	return r.Install(topo)
}

// Install computes the MST of an already validated topology and swaps it in.
func (r *Router) Install(topo *topology.Topology) (*LoadResult, error) { // A
	tree := ComputeMST(topo)
	paths, err := lru.New[pathKey, []string](r.cacheSize)
	if err != nil {
		return nil, err
	}

	r.loadMu.Lock()
	r.epoch++
	snap := &snapshot{
		epoch:    r.epoch,
		topo:     topo,
		tree:     tree,
		paths:    paths,
		loadedAt: time.Now(),
	}
	r.current.Store(snap)
	r.loadMu.Unlock()

	res := &LoadResult{
		Epoch:       snap.epoch,
		Cities:      topo.Len(),
		Edges:       len(topo.Edges()),
		MSTEdges:    tree.Edges(),
		TotalWeight: tree.TotalWeight(),
		Connected:   tree.Connected(),
		Components:  tree.Components(),
		Topology:    topo,
	}
	metrics.TopologyLoadsTotal.WithLabelValues("ok").Inc()
	r.log.Info("topology loaded",
		logKeyEpoch, res.Epoch,
		logKeyCities, res.Cities,
		logKeyEdges, res.Edges,
		logKeyComponents, res.Components)

	r.runHooks(res)
	return res, nil
}

// runHooks hands res to the reload hooks unless a newer epoch was already
// delivered, so hooks observe epochs in increasing order.
func (r *Router) runHooks(res *LoadResult) { // A
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if res.Epoch <= r.notified {
		r.log.Debug("stale reload notification dropped", logKeyEpoch, res.Epoch)
		return
	}
	r.notified = res.Epoch

	r.hooksMu.RLock()
	hooks := append([]func(*LoadResult){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
}

// OnReload registers fn to run after every successful load. Hooks run one
// load at a time; a load overtaken by a newer one is not reported.
func (r *Router) OnReload(fn func(*LoadResult)) { // A
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Path returns the MST route between two cities of the current snapshot.
func (r *Router) Path(from, to string) (*PathResult, error) { // A
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrNoTopology
	}

	key := pathKey{from: from, to: to}
	route, ok := snap.paths.Get(key)
	if !ok {
		var err error
		route, err = snap.tree.FindPath(from, to)
		if err != nil {
			return nil, err
		}
		snap.paths.Add(key, route)
	}

	out := make([]string, len(route))
	copy(out, route)
	return &PathResult{
		From:  from,
		To:    to,
		Route: out,
		Hops:  len(out) - 1,
		Epoch: snap.epoch,
	}, nil
}

// PathContext is Path with debug logging of the outcome.
func (r *Router) PathContext(ctx context.Context, from, to string) (*PathResult, error) { // A
	res, err := r.Path(from, to)
	if err != nil {
		r.log.DebugContext(ctx, "route lookup failed", "from", from, "to", to, logKeyError, err)
		return nil, err
	}
	r.log.DebugContext(ctx, "route resolved", "from", from, "to", to, "hops", res.Hops)
	return res, nil
}

// HasCity reports whether name is part of the current topology.
func (r *Router) HasCity(name string) bool { // A
	snap := r.current.Load()
	return snap != nil && snap.topo.HasCity(name)
}

// Topology returns the current topology, or nil before the first load.
func (r *Router) Topology() *topology.Topology { // A
	if snap := r.current.Load(); snap != nil {
		return snap.topo
	}
	return nil
}

// Status summarizes the current snapshot.
func (r *Router) Status() Status { // A
	snap := r.current.Load()
	if snap == nil {
		return Status{Cities: []string{}, MSTEdges: []topology.Edge{}}
	}
	return Status{
		Loaded:      true,
		Epoch:       snap.epoch,
		Cities:      snap.topo.Names(),
		Edges:       len(snap.topo.Edges()),
		MSTEdges:    snap.tree.Edges(),
		TotalWeight: snap.tree.TotalWeight(),
		Connected:   snap.tree.Connected(),
		Components:  snap.tree.Components(),
		LoadedAt:    snap.loadedAt,
	}
}
