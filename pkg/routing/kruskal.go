// Package routing computes the minimum spanning tree (or forest) of a city
// topology and answers hop-path queries restricted to MST edges.
package routing

import (
	"sort"

	"github.com/i5heu/citynet/pkg/topology"
)

// Tree is the MST (or spanning forest) derived from one Topology. It is
// read-only; recomputation always produces a new Tree.
type Tree struct { // A
	topo        *topology.Topology
	edges       []topology.Edge
	totalWeight float64
	components  int
	// adj is the MST adjacency by topology arena index.
	adj [][]int
	// comp holds a component label per arena index.
	comp []int
}

// ComputeMST runs Kruskal's algorithm over t.
//
// Edges are processed by ascending weight with ties broken by the (A, B)
// endpoint names, so the result is deterministic. The loop stops once
// |V|-1 edges are accepted. A disconnected topology yields a spanning forest
// with Connected() == false.
func ComputeMST(t *topology.Topology) *Tree { // A
	n := t.Len()
	edges := t.Edges()

	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight < edges[j].Weight
		}
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})

	d := newDisjointSet(n)
	tree := &Tree{
		topo:  t,
		edges: make([]topology.Edge, 0, max(n-1, 0)),
		adj:   make([][]int, n),
		comp:  make([]int, n),
	}

	for _, e := range edges {
		if len(tree.edges) == n-1 {
			break
		}
		u, _ := t.Index(e.A)
		v, _ := t.Index(e.B)
		if !d.union(u, v) {
			continue
		}
		tree.edges = append(tree.edges, e)
		tree.totalWeight += e.Weight
		tree.adj[u] = append(tree.adj[u], v)
		tree.adj[v] = append(tree.adj[v], u)
	}

	labels := make(map[int]int, n)
	for i := 0; i < n; i++ {
		root := d.find(i)
		label, ok := labels[root]
		if !ok {
			label = len(labels)
			labels[root] = label
		}
		tree.comp[i] = label
	}
	tree.components = len(labels)

	return tree
}

// Topology returns the topology this tree was computed from.
func (tr *Tree) Topology() *topology.Topology { return tr.topo } // A

// Edges returns the accepted MST edges in acceptance order.
func (tr *Tree) Edges() []topology.Edge { // A
	out := make([]topology.Edge, len(tr.edges))
	copy(out, tr.edges)
	return out
}

// TotalWeight is the sum of the accepted edge weights.
func (tr *Tree) TotalWeight() float64 { return tr.totalWeight } // A

// Components is the number of connected components of the topology.
func (tr *Tree) Components() int { return tr.components } // A

// Connected reports whether the tree spans every city.
func (tr *Tree) Connected() bool { return tr.components <= 1 } // A

// SameComponent reports whether a and b are joined by MST edges. Unknown
// cities are never in the same component.
func (tr *Tree) SameComponent(a, b string) bool { // A
	ai, okA := tr.topo.Index(a)
	bi, okB := tr.topo.Index(b)
	return okA && okB && tr.comp[ai] == tr.comp[bi]
}

// disjointSet is a union-find over arena indices with path compression and
// union by rank.
type disjointSet struct {
	parent []int
	rank   []int
}

func newDisjointSet(n int) *disjointSet { // A
	d := &disjointSet{parent: make([]int, n), rank: make([]int, n)}
	for i := range d.parent {
		d.parent[i] = i
	}
	return d
}

func (d *disjointSet) find(u int) int { // A
	for d.parent[u] != u {
		d.parent[u] = d.parent[d.parent[u]]
		u = d.parent[u]
	}
	return u
}

// union merges the sets of u and v and reports whether they were disjoint.
func (d *disjointSet) union(u, v int) bool { // A
	ru, rv := d.find(u), d.find(v)
	if ru == rv {
		return false
	}
	switch {
	case d.rank[ru] < d.rank[rv]:
		d.parent[ru] = rv
	case d.rank[ru] > d.rank[rv]:
		d.parent[rv] = ru
	default:
		d.parent[rv] = ru
		d.rank[ru]++
	}
	return true
}
