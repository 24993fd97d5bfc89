// Package graph provides the undirected match graph over image ids.
package graph

import (
	"sort"

	"github.com/dbsmedya/geomatch/internal/types"
)

// Edge is an undirected edge with its verified inlier count. A < B.
type Edge struct {
	A       string
	B       string
	Inliers int
}

// MatchGraph is the set of verified high-inlier pairs viewed as an
// undirected graph. Not safe for concurrent mutation.
type MatchGraph struct {
	adj   map[string]map[string]int // image id -> neighbour id -> inliers
	edges int
}

// NewMatchGraph creates an empty graph.
func NewMatchGraph() *MatchGraph {
	return &MatchGraph{adj: make(map[string]map[string]int)}
}

// FromVerified builds a graph from verified pairs, keeping only those with
// at least threshold inliers and a usable geometry.
func FromVerified(pairs []types.VerifiedPair, threshold int) *MatchGraph {
	g := NewMatchGraph()
	for _, p := range pairs {
		if types.Classify(p.Config > 1, p.Inliers, threshold) == types.StateVerifiedHighInlier {
			g.AddEdge(p.Key.A, p.Key.B, p.Inliers)
		}
	}
	return g
}

// AddNode adds an isolated node. Existing nodes are left untouched.
func (g *MatchGraph) AddNode(id string) {
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = make(map[string]int)
	}
}

// AddEdge adds or strengthens an undirected edge. The larger inlier count wins.
// Self loops are ignored.
func (g *MatchGraph) AddEdge(a, b string, inliers int) {
	if a == b {
		return
	}
	g.AddNode(a)
	g.AddNode(b)
	old, exists := g.adj[a][b]
	if !exists {
		g.edges++
	}
	if !exists || inliers > old {
		g.adj[a][b] = inliers
		g.adj[b][a] = inliers
	}
}

// HasNode returns true if the graph contains the node.
func (g *MatchGraph) HasNode(id string) bool {
	_, ok := g.adj[id]
	return ok
}

// HasEdge returns true if a and b are connected directly.
func (g *MatchGraph) HasEdge(a, b string) bool {
	_, ok := g.adj[a][b]
	return ok
}

// Inliers returns the inlier count of the edge a-b.
func (g *MatchGraph) Inliers(a, b string) (int, bool) {
	n, ok := g.adj[a][b]
	return n, ok
}

// Neighbors returns the neighbours of id sorted by id.
func (g *MatchGraph) Neighbors(id string) []string {
	out := make([]string, 0, len(g.adj[id]))
	for n := range g.adj[id] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Degree returns the number of neighbours of id.
func (g *MatchGraph) Degree(id string) int {
	return len(g.adj[id])
}

// NodeCount returns the number of nodes in the graph.
func (g *MatchGraph) NodeCount() int {
	return len(g.adj)
}

// EdgeCount returns the number of undirected edges.
func (g *MatchGraph) EdgeCount() int {
	return g.edges
}

// Nodes returns all node ids sorted.
func (g *MatchGraph) Nodes() []string {
	out := make([]string, 0, len(g.adj))
	for id := range g.adj {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Edges returns every edge once, sorted by (A, B).
func (g *MatchGraph) Edges() []Edge {
	out := make([]Edge, 0, g.edges)
	for a, ns := range g.adj {
		for b, w := range ns {
			if a < b {
				out = append(out, Edge{A: a, B: b, Inliers: w})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Induced returns the subgraph over ids. Ids absent from the graph are added
// as isolated nodes so they show up as singleton components.
func (g *MatchGraph) Induced(ids []string) *MatchGraph {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	sub := NewMatchGraph()
	for id := range keep {
		sub.AddNode(id)
		for n, w := range g.adj[id] {
			if _, ok := keep[n]; ok && id < n {
				sub.AddEdge(id, n, w)
			}
		}
	}
	return sub
}
