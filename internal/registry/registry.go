// Package registry tracks the live duplex connection of every city and
// moves frames between them: broadcasts, encrypted relays along MST routes,
// decrypt requests and liveness probing.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/citynet/pkg/keyagreement"
	"github.com/i5heu/citynet/pkg/metrics"
	"github.com/i5heu/citynet/pkg/routing"
	"github.com/i5heu/citynet/pkg/wire"
)

// Log attribute keys.
const (
	logKeyCity      = "city"
	logKeyFrom      = "from"
	logKeyTo        = "to"
	logKeyConnID    = "connId"
	logKeyReason    = "reason"
	logKeyError     = "error"
	logKeyType      = "type"
	logKeyRoute     = "route"
	logKeyDelivered = "delivered"
	logKeyFailed    = "failed"
	logKeyOffline   = "offline"
	logKeyMessageID = "messageId"
)

// Defaults applied by New.
const (
	DefaultMonitorID     = "Monitor_Admin"
	DefaultSendTimeout   = 2 * time.Second
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 45 * time.Second
	DefaultQueueSize     = 64
)

var (
	ErrEmptyCity     = errors.New("registry: empty city name")
	ErrClosed        = errors.New("registry: closed")
	ErrConnClosed    = errors.New("registry: connection closed")
	ErrSendTimeout   = errors.New("registry: send timed out")
	ErrNotConnected  = errors.New("registry: city not connected")
	ErrReceiveFailed = errors.New("registry: receive failed")
)

// Channel is a bidirectional frame stream to one city.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// PathFinder resolves MST routes.
type PathFinder interface {
	Path(from, to string) (*routing.PathResult, error)
}

// KeyStore hands out pair keys.
type KeyStore interface {
	GetOrCreate(ctx context.Context, a, b string) (keyagreement.SharedKey, error)
	Lookup(a, b string) (keyagreement.SharedKey, bool)
	Invalidate(city string) int
}

// Config configures a Registry.
type Config struct { // A
	Router PathFinder
	Keys   KeyStore
	Logger *slog.Logger

	// MonitorID is the observer identity. It receives a copy of every relay
	// and is excluded from joined/left notices and ActiveCities.
	MonitorID string
	// SendTimeout bounds every individual send.
	SendTimeout time.Duration
	// ProbeInterval is the ping period. Zero or negative disables probing.
	ProbeInterval time.Duration
	// ProbeTimeout is the silence after which a connection is dropped.
	ProbeTimeout time.Duration
	// QueueSize is the outbound frame buffer per connection.
	QueueSize int
}

func (c *Config) applyDefaults() { // A
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MonitorID == "" {
		c.MonitorID = DefaultMonitorID
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// ConnInfo describes one registered connection.
type ConnInfo struct { // A
	City         string    `json:"city"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// BroadcastResult collects the outcome of a fan-out.
type BroadcastResult struct { // A
	Delivered []string
	Failed    map[string]error
}

// Registry owns the city -> connection map.
type Registry struct { // A
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	nextConnID atomic.Uint64
	wg         sync.WaitGroup

	obsMu     sync.RWMutex
	observers map[uint64]chan Event
	nextObsID uint64
}

// New creates an empty Registry. Router and Keys are required for relays and
// decrypt requests; plain traffic works without them.
func New(cfg Config) *Registry { // A
	cfg.applyDefaults()
	return &Registry{
		cfg:       cfg,
		log:       cfg.Logger,
		conns:     make(map[string]*Conn),
		observers: make(map[uint64]chan Event),
	}
}

// MonitorID returns the configured observer identity.
func (r *Registry) MonitorID() string { return r.cfg.MonitorID } // A

// Register installs ch as the connection of city. An existing connection of
// the same city is closed first and replaced.
func (r *Registry) Register( // A
	ctx context.Context,
	city string,
	ch Channel,
) (*Conn, error) {
	if city == "" {
		return nil, ErrEmptyCity
	}

	c := newConn(r, r.nextConnID.Add(1), city, ch)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Close()
		return nil, ErrClosed
	}
	old := r.conns[city]
	if old != nil {
		old.close()
	}
	r.conns[city] = c
	count := len(r.conns)
	probing := r.cfg.ProbeInterval > 0
	// Close waits on wg after setting closed, so the Add must happen under mu.
	if probing {
		r.wg.Add(2)
	} else {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))

	go func() {
		defer r.wg.Done()
		c.writeLoop()
	}()
	if probing {
		go func() {
			defer r.wg.Done()
			r.probeLoop(c)
		}()
	}

	if old != nil {
		r.log.InfoContext(ctx, "connection superseded",
			logKeyCity, city,
			logKeyConnID, c.id)
	} else {
		r.log.InfoContext(ctx, "city connected",
			logKeyCity, city,
			logKeyConnID, c.id)
	}

	if city != r.cfg.MonitorID {
		r.emit(Event{Kind: EventJoined, City: city})
		r.broadcastExcept(ctx, wire.System{
			Event:     wire.EventJoined,
			City:      city,
			Message:   city + " joined the network",
			Timestamp: time.Now(),
		}, city)
	}
	return c, nil
}

// Unregister removes the connection of city, closes its channel and drops
// the city's shared keys. It reports whether a connection was removed.
func (r *Registry) Unregister(ctx context.Context, city string) bool { // A
	r.mu.Lock()
	c, ok := r.conns[city]
	if ok {
		delete(r.conns, city)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.finishUnregister(ctx, c, count, "unregistered")
	return true
}

// unregisterConn removes c only if it is still the current connection of
// its city. A superseded connection never removes its successor.
func (r *Registry) unregisterConn(ctx context.Context, c *Conn, reason string) bool { // A
	r.mu.Lock()
	current, ok := r.conns[c.city]
	if !ok || current != c {
		r.mu.Unlock()
		c.close()
		return false
	}
	delete(r.conns, c.city)
	count := len(r.conns)
	r.mu.Unlock()

	r.finishUnregister(ctx, c, count, reason)
	return true
}

func (r *Registry) finishUnregister(ctx context.Context, c *Conn, count int, reason string) { // A
	c.close()
	metrics.ActiveConnections.Set(float64(count))

	dropped := 0
	if r.cfg.Keys != nil {
		dropped = r.cfg.Keys.Invalidate(c.city)
	}
	r.log.InfoContext(ctx, "city disconnected",
		logKeyCity, c.city,
		logKeyConnID, c.id,
		logKeyReason, reason,
		"droppedKeys", dropped)

	if c.city == r.cfg.MonitorID {
		return
	}
	r.emit(Event{Kind: EventLeft, City: c.city, Message: reason})

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}
	r.broadcastExcept(ctx, wire.System{
		Event:     wire.EventLeft,
		City:      c.city,
		Message:   c.city + " left the network",
		Timestamp: time.Now(),
	}, c.city)
}

// IsConnected reports whether city has a live connection.
func (r *Registry) IsConnected(city string) bool { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[city]
	return ok
}

// ActiveCities returns the connected cities without the monitor, sorted.
func (r *Registry) ActiveCities() []string { // A
	r.mu.RLock()
	out := make([]string, 0, len(r.conns))
	for city := range r.conns {
		if city == r.cfg.MonitorID {
			continue
		}
		out = append(out, city)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ConnectionCount returns the number of connections, monitor included.
func (r *Registry) ConnectionCount() int { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connection returns details about the connection of city.
func (r *Registry) Connection(city string) (ConnInfo, bool) { // A
	c := r.lookup(city)
	if c == nil {
		return ConnInfo{}, false
	}
	return c.Info(), true
}

func (r *Registry) lookup(city string) *Conn { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[city]
}

// snapshot returns the current connections, skipping except.
func (r *Registry) snapshot(except string) []*Conn { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for city, c := range r.conns {
		if city == except {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Close closes every connection, stops the per-connection goroutines and
// closes observer channels. It waits for the goroutines until ctx ends.
func (r *Registry) Close(ctx context.Context) error { // A
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		r.finishUnregister(ctx, c, 0, "registry closed")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.obsMu.Lock()
	for id, ch := range r.observers {
		close(ch)
		delete(r.observers, id)
	}
	r.obsMu.Unlock()

	r.log.InfoContext(ctx, "registry closed", "connections", len(conns))
	return err
}
