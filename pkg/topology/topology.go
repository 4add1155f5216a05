// Package topology holds the city graph of one load epoch: cities, weighted
// links between them, and the validation that guards every load.
//
// A Topology is immutable once Load returns it. Reloading produces a new
// value; nothing in this package edits a loaded topology in place.
package topology

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidTopology is matched by every *ValidationError.
var ErrInvalidTopology = errors.New("topology: invalid input")

// ValidationError describes why a topology load was rejected.
type ValidationError struct { // A
	Reason string
}

func (e *ValidationError) Error() string { // A
	return "topology: " + e.Reason
}

// Is lets callers use errors.Is(err, ErrInvalidTopology).
func (e *ValidationError) Is(target error) bool { // A
	return target == ErrInvalidTopology
}

func invalidf(format string, args ...any) error { // A
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// City is a graph node. Coordinates are opaque to routing.
type City struct { // A
	Name string  `json:"name"`
	Lng  float64 `json:"lng"`
	Lat  float64 `json:"lat"`
}

// Edge is an undirected weighted link between two cities.
// Loaded edges are normalized so that A < B.
type Edge struct { // A
	A      string  `json:"a"`
	B      string  `json:"b"`
	Weight float64 `json:"w"`
}

// IndexedEdge addresses its endpoints by position in the city list.
type IndexedEdge struct { // A
	U int     `json:"u"`
	V int     `json:"v"`
	W float64 `json:"w"`
}

// neighbor is one adjacency entry in the index arena.
type neighbor struct {
	to     int
	weight float64
}

// Topology is the validated city graph of one epoch.
type Topology struct { // A
	cities []City
	edges  []Edge
	index  map[string]int
	adj    [][]neighbor
}

// Load validates cities and edges and builds a new Topology.
//
// Duplicate edges between the same unordered pair collapse to the minimum
// weight. The returned edges are sorted by (A, B).
func Load(cities []City, edges []Edge) (*Topology, error) { // A
	if len(cities) == 0 {
		return nil, invalidf("city set is empty")
	}

	t := &Topology{
		cities: make([]City, len(cities)),
		index:  make(map[string]int, len(cities)),
	}
	for i, c := range cities {
		if c.Name == "" {
			return nil, invalidf("city %d has an empty name", i)
		}
		if _, dup := t.index[c.Name]; dup {
			return nil, invalidf("duplicate city %q", c.Name)
		}
		t.index[c.Name] = i
		t.cities[i] = c
	}

	type pairKey struct{ a, b string }
	best := make(map[pairKey]float64, len(edges))
	for i, e := range edges {
		if _, ok := t.index[e.A]; !ok {
			return nil, invalidf("edge %d references unknown city %q", i, e.A)
		}
		if _, ok := t.index[e.B]; !ok {
			return nil, invalidf("edge %d references unknown city %q", i, e.B)
		}
		if e.A == e.B {
			return nil, invalidf("edge %d is a self-edge on %q", i, e.A)
		}
		if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) {
			return nil, invalidf("edge %d has a non-finite weight", i)
		}
		if e.Weight < 0 {
			return nil, invalidf("edge %d has negative weight %v", i, e.Weight)
		}

		k := pairKey{a: e.A, b: e.B}
		if k.b < k.a {
			k.a, k.b = k.b, k.a
		}
		if w, seen := best[k]; !seen || e.Weight < w {
			best[k] = e.Weight
		}
	}

	t.edges = make([]Edge, 0, len(best))
	for k, w := range best {
		t.edges = append(t.edges, Edge{A: k.a, B: k.b, Weight: w})
	}
	sort.Slice(t.edges, func(i, j int) bool {
		if t.edges[i].A != t.edges[j].A {
			return t.edges[i].A < t.edges[j].A
		}
		return t.edges[i].B < t.edges[j].B
	})

	t.adj = make([][]neighbor, len(t.cities))
	for _, e := range t.edges {
		u, v := t.index[e.A], t.index[e.B]
		t.adj[u] = append(t.adj[u], neighbor{to: v, weight: e.Weight})
		t.adj[v] = append(t.adj[v], neighbor{to: u, weight: e.Weight})
	}

	return t, nil
}

// LoadIndexed translates index-addressed edges to names and calls Load.
func LoadIndexed(cities []City, edges []IndexedEdge) (*Topology, error) { // A
	named := make([]Edge, 0, len(edges))
	for i, e := range edges {
		if e.U < 0 || e.U >= len(cities) || e.V < 0 || e.V >= len(cities) {
			return nil, invalidf(
				"edge %d index out of range (u=%d, v=%d, cities=%d)",
				i, e.U, e.V, len(cities),
			)
		}
		named = append(named, Edge{
			A:      cities[e.U].Name,
			B:      cities[e.V].Name,
			Weight: e.W,
		})
	}
	return Load(cities, named)
}

// Len returns the number of cities.
func (t *Topology) Len() int { return len(t.cities) } // A

// Cities returns a copy of the city list in load order.
func (t *Topology) Cities() []City { // A
	out := make([]City, len(t.cities))
	copy(out, t.cities)
	return out
}

// Names returns the city names in load order.
func (t *Topology) Names() []string { // A
	out := make([]string, len(t.cities))
	for i, c := range t.cities {
		out[i] = c.Name
	}
	return out
}

// Edges returns a copy of the normalized, de-duplicated edge list.
func (t *Topology) Edges() []Edge { // A
	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}

// HasCity reports whether name is part of this topology.
func (t *Topology) HasCity(name string) bool { // A
	_, ok := t.index[name]
	return ok
}

// City returns the city named name.
func (t *Topology) City(name string) (City, bool) { // A
	i, ok := t.index[name]
	if !ok {
		return City{}, false
	}
	return t.cities[i], true
}

// Index returns the arena index of name. Indices are only meaningful within
// this Topology value.
func (t *Topology) Index(name string) (int, bool) { // A
	i, ok := t.index[name]
	return i, ok
}

// Name returns the city name stored at arena index i.
func (t *Topology) Name(i int) string { // A
	return t.cities[i].Name
}

// Neighbors calls fn for every neighbor of the city at index i.
func (t *Topology) Neighbors(i int, fn func(j int, weight float64)) { // A
	for _, n := range t.adj[i] {
		fn(n.to, n.weight)
	}
}
