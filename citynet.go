// Package citynet runs a network of city nodes that exchange encrypted
// messages along the minimum spanning tree of a weighted city topology.
//
// A Network ties together the MST router, the pair key cache, the connection
// registry and the optional snapshot store. Embed it in a server, register
// city channels with Registry().Serve and load topologies with LoadTopology.
package citynet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/citynet/internal/registry"
	"github.com/i5heu/citynet/internal/snapshot"
	"github.com/i5heu/citynet/pkg/keyagreement"
	"github.com/i5heu/citynet/pkg/metrics"
	"github.com/i5heu/citynet/pkg/routing"
	"github.com/i5heu/citynet/pkg/topology"
	workerpool "github.com/i5heu/citynet/pkg/workerPool"
)

// ErrClosed is returned by operations on a closed Network.
var ErrClosed = errors.New("citynet: network closed")

// Network is the service handle. It owns the router, key cache, registry and
// snapshot store and their lifecycle.
type Network struct {
	log    *slog.Logger
	config Config

	router   *routing.Router
	pool     *workerpool.WorkerPool
	keys     *keyagreement.Agreement
	registry *registry.Registry

	storeMu sync.RWMutex
	store   *snapshot.Store

	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// defaultLogger writes text logs to stderr at Info level.
func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New wires the components together. It performs no I/O; call Start to open
// the snapshot store and restore the last topology.
func New(conf Config) (*Network, error) { // A
	conf.applyDefaults()
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.MetricsRegisterer != nil {
		metrics.Register(conf.MetricsRegisterer)
	}

	n := &Network{
		log:    conf.Logger,
		config: conf,
	}
	n.router = routing.NewRouter(routing.RouterConfig{
		Logger:        conf.Logger.With("component", "router"),
		PathCacheSize: conf.PathCacheSize,
	})
	n.pool = workerpool.NewWorkerPool(workerpool.Config{
		WorkerCount:  conf.DerivationWorkers,
		GlobalBuffer: 256,
	})
	n.keys = keyagreement.New(keyagreement.Config{
		Logger:          conf.Logger.With("component", "keys"),
		Pool:            n.pool,
		DerivationDelay: conf.DerivationDelay,
	})
	n.registry = registry.New(registry.Config{
		Router:        n.router,
		Keys:          n.keys,
		Logger:        conf.Logger.With("component", "registry"),
		MonitorID:     conf.MonitorID,
		SendTimeout:   conf.SendTimeout,
		ProbeInterval: conf.ProbeInterval,
		ProbeTimeout:  conf.ProbeTimeout,
		QueueSize:     conf.QueueSize,
	})
	n.router.OnReload(func(res *routing.LoadResult) {
		n.registry.NotifyTopology(context.Background(), res)
	})
	return n, nil
}

// Router returns the MST router.
func (n *Network) Router() *routing.Router { return n.router } // A

// Registry returns the connection registry.
func (n *Network) Registry() *registry.Registry { return n.registry } // A

// Keys returns the pair key cache.
func (n *Network) Keys() *keyagreement.Agreement { return n.keys } // A

// Start opens the snapshot store when DataPath is set and restores the last
// saved topology. Only the first call has an effect.
func (n *Network) Start(ctx context.Context) error { // A
	var startErr error
	n.startOnce.Do(func() {
		if n.closed.Load() {
			startErr = ErrClosed
			return
		}
		if n.config.DataPath != "" {
			storeLog := logrus.New()
			storeLog.SetLevel(logrus.WarnLevel)
			store, err := snapshot.NewStore(snapshot.StoreConfig{
				Path:         n.config.DataPath,
				HistoryLimit: n.config.SnapshotHistory,
				Logger:       storeLog,
			})
			if err != nil {
				startErr = fmt.Errorf("open snapshot store: %w", err)
				return
			}
			n.storeMu.Lock()
			n.store = store
			n.storeMu.Unlock()

			if err := n.restore(ctx, store); err != nil {
				n.log.WarnContext(ctx, "snapshot restore failed", "error", err)
			}
		}

		n.log.InfoContext(ctx, "citynet started",
			"dataPath", n.config.DataPath,
			"monitor", n.config.MonitorID)
	})
	return startErr
}

func (n *Network) restore(ctx context.Context, store *snapshot.Store) error { // A
	snap, err := store.Load()
	if errors.Is(err, snapshot.ErrNotFound) {
		n.log.DebugContext(ctx, "no topology snapshot to restore")
		return nil
	}
	if err != nil {
		return err
	}
	res, err := n.router.Load(snap.Cities, snap.Edges)
	if err != nil {
		return fmt.Errorf("restored snapshot is invalid: %w", err)
	}
	n.log.InfoContext(ctx, "topology restored",
		"savedAt", snap.SavedAt,
		"cities", res.Cities,
		"components", res.Components)
	return nil
}

// Run starts the network, blocks until ctx is canceled and then shuts down
// within ShutdownTimeout.
func (n *Network) Run(ctx context.Context) error { // A
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), n.config.ShutdownTimeout)
	defer cancel()
	return n.Close(shutdownCtx)
}

// LoadTopology validates and installs a new topology, persists it when a
// snapshot store is open and notifies every connection.
func (n *Network) LoadTopology( // A
	ctx context.Context,
	cities []topology.City,
	edges []topology.Edge,
) (*routing.LoadResult, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	res, err := n.router.Load(cities, edges)
	if err != nil {
		return nil, err
	}
	n.persist(ctx, res)
	return res, nil
}

// LoadTopologyIndexed is LoadTopology for index-addressed edges.
func (n *Network) LoadTopologyIndexed( // A
	ctx context.Context,
	cities []topology.City,
	edges []topology.IndexedEdge,
) (*routing.LoadResult, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	res, err := n.router.LoadIndexed(cities, edges)
	if err != nil {
		return nil, err
	}
	n.persist(ctx, res)
	return res, nil
}

// persist saves the topology installed by res. A failed save is logged; the
// loaded topology stays active.
func (n *Network) persist(ctx context.Context, res *routing.LoadResult) { // A
	n.storeMu.RLock()
	store := n.store
	n.storeMu.RUnlock()
	topo := res.Topology
	if store == nil || topo == nil {
		return
	}
	err := store.Save(snapshot.Topology{
		Epoch:   res.Epoch,
		Cities:  topo.Cities(),
		Edges:   topo.Edges(),
		SavedAt: time.Now(),
	})
	if err != nil {
		n.log.WarnContext(ctx, "topology snapshot not saved",
			"epoch", res.Epoch,
			"error", err)
	}
}

// History returns the saved topology snapshots, oldest first.
func (n *Network) History() ([]snapshot.Topology, error) { // A
	n.storeMu.RLock()
	store := n.store
	n.storeMu.RUnlock()
	if store == nil {
		return nil, nil
	}
	return store.History()
}

// Close disconnects every city, stops the worker pool and closes the
// snapshot store. Close is idempotent.
func (n *Network) Close(ctx context.Context) error { // A
	var closeErr error
	n.closeOnce.Do(func() {
		n.closed.Store(true)

		if err := n.registry.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close registry: %w", err))
		}
		n.keys.Close()
		n.pool.Close()

		n.storeMu.Lock()
		store := n.store
		n.store = nil
		n.storeMu.Unlock()
		if store != nil {
			if err := store.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close snapshot store: %w", err))
			}
		}

		n.log.InfoContext(ctx, "citynet closed")
	})
	return closeErr
}
