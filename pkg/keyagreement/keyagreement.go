// Package keyagreement derives and caches one symmetric key per unordered
// pair of cities.
//
// Concurrent first requests for the same pair share a single derivation.
// Derivations run on a bounded worker pool; a caller whose context ends stops
// waiting, but the derivation still completes and fills the cache.
package keyagreement

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/i5heu/citynet/pkg/cipherpipe"
	"github.com/i5heu/citynet/pkg/metrics"
	workerpool "github.com/i5heu/citynet/pkg/workerPool"
)

const (
	logKeyPair       = "pair"
	logKeyGeneration = "generation"
	logKeyDuration   = "duration"
	logKeyCity       = "city"
	logKeyDropped    = "dropped"
	logKeyError      = "error"
)

var (
	// ErrEmptyCity is returned when either side of a pair is empty.
	ErrEmptyCity = errors.New("keyagreement: empty city name")
	// ErrSharedSecretMismatch means the two ECDH computations disagreed.
	ErrSharedSecretMismatch = errors.New("keyagreement: shared secret mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("keyagreement: closed")
)

// generation numbers every derived key across the process.
var generation atomic.Uint64

// Pair is an unordered pair of city names stored with A <= B.
type Pair struct { // A
	A string
	B string
}

// NewPair normalizes (a, b) so that NewPair(a, b) == NewPair(b, a).
func NewPair(a, b string) Pair { // A
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

func (p Pair) String() string { return p.A + "|" + p.B } // A

// Has reports whether city is one side of the pair.
func (p Pair) Has(city string) bool { return p.A == city || p.B == city } // A

// SharedKey is the cached key of one pair.
type SharedKey struct { // A
	Pair       Pair
	Key        cipherpipe.Key
	Created    time.Time
	Generation uint64
}

// Config configures an Agreement.
type Config struct { // A
	Logger *slog.Logger
	// Pool runs derivations. When nil a pool with Workers workers is created
	// and owned by the Agreement.
	Pool    *workerpool.WorkerPool
	Workers int
	// DerivationDelay is added to every derivation to model a slow handshake.
	DerivationDelay time.Duration
}

// Agreement is the pair key cache.
type Agreement struct { // A
	log      *slog.Logger
	pool     *workerpool.WorkerPool
	ownsPool bool
	delay    time.Duration

	mu   sync.RWMutex
	keys map[Pair]SharedKey
	// invalidations counts Invalidate calls per city so a derivation that
	// raced an invalidation is not cached.
	invalidations map[string]uint64
	closed        bool

	group singleflight.Group
}

// New creates an empty Agreement.
func New(cfg Config) *Agreement { // A
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Agreement{
		log:           cfg.Logger,
		pool:          cfg.Pool,
		delay:         cfg.DerivationDelay,
		keys:          make(map[Pair]SharedKey),
		invalidations: make(map[string]uint64),
	}
	if a.pool == nil {
		workers := cfg.Workers
		if workers < 1 {
			workers = 4
		}
		a.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: workers, GlobalBuffer: 256})
		a.ownsPool = true
	}
	return a
}

type derivation struct {
	key SharedKey
	err error
}

// GetOrCreate returns the cached key for (a, b), deriving it on first use.
func (ag *Agreement) GetOrCreate(ctx context.Context, a, b string) (SharedKey, error) { // A
	if a == "" || b == "" {
		return SharedKey{}, ErrEmptyCity
	}
	p := NewPair(a, b)
	if k, ok := ag.lookup(p); ok {
		return k, nil
	}

	ch := ag.group.DoChan(p.String(), func() (any, error) {
		return ag.deriveAndStore(p)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return SharedKey{}, res.Err
		}
		return res.Val.(SharedKey), nil
	case <-ctx.Done():
		ag.log.DebugContext(ctx, "abandoned wait for shared key", logKeyPair, p.String())
		return SharedKey{}, ctx.Err()
	}
}

func (ag *Agreement) deriveAndStore(p Pair) (SharedKey, error) { // A
	ag.mu.RLock()
	if ag.closed {
		ag.mu.RUnlock()
		return SharedKey{}, ErrClosed
	}
	if k, ok := ag.keys[p]; ok {
		ag.mu.RUnlock()
		return k, nil
	}
	invA, invB := ag.invalidations[p.A], ag.invalidations[p.B]
	ag.mu.RUnlock()

	result := make(chan derivation, 1)
	err := ag.pool.Submit(context.Background(), func() {
		start := time.Now()
		if ag.delay > 0 {
			time.Sleep(ag.delay)
		}
		key, err := derive(p)
		elapsed := time.Since(start)
		if err != nil {
			result <- derivation{err: err}
			return
		}
		metrics.KeyDerivationsTotal.Inc()
		metrics.KeyDerivationDuration.Observe(elapsed.Seconds())
		result <- derivation{key: SharedKey{
			Pair:       p,
			Key:        key,
			Created:    time.Now(),
			Generation: generation.Add(1),
		}}
		ag.log.Debug("derived shared key", logKeyPair, p.String(), logKeyDuration, elapsed)
	})
	if err != nil {
		return SharedKey{}, fmt.Errorf("keyagreement: schedule derivation: %w", err)
	}

	d := <-result
	if d.err != nil {
		ag.log.Error("key derivation failed", logKeyPair, p.String(), logKeyError, d.err)
		return SharedKey{}, d.err
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if existing, ok := ag.keys[p]; ok {
		return existing, nil
	}
	if ag.invalidations[p.A] == invA && ag.invalidations[p.B] == invB && !ag.closed {
		ag.keys[p] = d.key
	}
	return d.key, nil
}

// derive runs an ephemeral X25519 exchange between both sides of p and
// expands the shared point with HKDF-SHA256.
func derive(p Pair) (cipherpipe.Key, error) { // A
	privA, pubA, err := ephemeral()
	if err != nil {
		return cipherpipe.Key{}, err
	}
	privB, pubB, err := ephemeral()
	if err != nil {
		return cipherpipe.Key{}, err
	}

	sharedA, err := curve25519.X25519(privA, pubB)
	if err != nil {
		return cipherpipe.Key{}, fmt.Errorf("keyagreement: x25519: %w", err)
	}
	sharedB, err := curve25519.X25519(privB, pubA)
	if err != nil {
		return cipherpipe.Key{}, fmt.Errorf("keyagreement: x25519: %w", err)
	}
	if subtle.ConstantTimeCompare(sharedA, sharedB) != 1 {
		return cipherpipe.Key{}, ErrSharedSecretMismatch
	}

	var key cipherpipe.Key
	r := hkdf.New(sha256.New, sharedA, nil, []byte("citynet pair "+p.String()))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return cipherpipe.Key{}, fmt.Errorf("keyagreement: hkdf: %w", err)
	}
	return key, nil
}

func ephemeral() (priv, pub []byte, err error) { // A
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("keyagreement: scalar: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("keyagreement: public key: %w", err)
	}
	return priv, pub, nil
}

func (ag *Agreement) lookup(p Pair) (SharedKey, bool) { // A
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	k, ok := ag.keys[p]
	return k, ok
}

// Lookup returns the cached key for (a, b) without deriving.
func (ag *Agreement) Lookup(a, b string) (SharedKey, bool) { // A
	return ag.lookup(NewPair(a, b))
}

// Invalidate drops every cached key involving city and returns how many were
// removed. A later GetOrCreate derives a new key with a higher Generation.
func (ag *Agreement) Invalidate(city string) int { // A
	ag.mu.Lock()
	ag.invalidations[city]++
	dropped := 0
	for p := range ag.keys {
		if p.Has(city) {
			delete(ag.keys, p)
			ag.group.Forget(p.String())
			dropped++
		}
	}
	ag.mu.Unlock()

	if dropped > 0 {
		ag.log.Debug("invalidated shared keys", logKeyCity, city, logKeyDropped, dropped)
	}
	return dropped
}

// Len returns the number of cached keys.
func (ag *Agreement) Len() int { // A
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	return len(ag.keys)
}

// Pairs returns the cached pairs with their generations.
func (ag *Agreement) Pairs() map[string]uint64 { // A
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	out := make(map[string]uint64, len(ag.keys))
	for p, k := range ag.keys {
		out[p.String()] = k.Generation
	}
	return out
}

// Close drops every key and stops an owned worker pool.
func (ag *Agreement) Close() { // A
	ag.mu.Lock()
	ag.closed = true
	ag.keys = make(map[Pair]SharedKey)
	ag.mu.Unlock()

	if ag.ownsPool {
		ag.pool.Close()
	}
	ag.log.Debug("key agreement closed", logKeyGeneration, generation.Load())
}
