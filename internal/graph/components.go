package graph

import (
	"container/list"
	"sort"
)

// ProcessingQueue wraps a list-based FIFO queue of node ids.
type ProcessingQueue struct {
	queue *list.List
}

// NewProcessingQueue creates a new empty processing queue.
func NewProcessingQueue() *ProcessingQueue {
	return &ProcessingQueue{
		queue: list.New(),
	}
}

// Enqueue adds a node to the back of the queue.
func (pq *ProcessingQueue) Enqueue(node string) {
	pq.queue.PushBack(node)
}

// Dequeue removes and returns the node at the front of the queue.
// Returns empty string and false if queue is empty.
func (pq *ProcessingQueue) Dequeue() (string, bool) {
	if pq.queue.Len() == 0 {
		return "", false
	}
	elem := pq.queue.Front()
	pq.queue.Remove(elem)
	return elem.Value.(string), true
}

// Len returns the number of nodes in the queue.
func (pq *ProcessingQueue) Len() int {
	return pq.queue.Len()
}

// IsEmpty returns true if the queue has no nodes.
func (pq *ProcessingQueue) IsEmpty() bool {
	return pq.queue.Len() == 0
}

// Components returns the connected components, each sorted by id. Components
// are ordered largest first, ties broken by their smallest id, so component
// k is stable for identical input.
func (g *MatchGraph) Components() [][]string {
	visited := make(map[string]bool, len(g.adj))
	var comps [][]string

	for _, start := range g.Nodes() {
		if visited[start] {
			continue
		}
		visited[start] = true

		var comp []string
		pq := NewProcessingQueue()
		pq.Enqueue(start)
		for !pq.IsEmpty() {
			id, _ := pq.Dequeue()
			comp = append(comp, id)
			for n := range g.adj[id] {
				if !visited[n] {
					visited[n] = true
					pq.Enqueue(n)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}

	sort.SliceStable(comps, func(i, j int) bool {
		if len(comps[i]) != len(comps[j]) {
			return len(comps[i]) > len(comps[j])
		}
		return comps[i][0] < comps[j][0]
	})
	return comps
}

// Connected reports whether a path links a and b.
func (g *MatchGraph) Connected(a, b string) bool {
	if !g.HasNode(a) || !g.HasNode(b) {
		return false
	}
	if a == b {
		return true
	}
	visited := map[string]bool{a: true}
	pq := NewProcessingQueue()
	pq.Enqueue(a)
	for !pq.IsEmpty() {
		id, _ := pq.Dequeue()
		for n := range g.adj[id] {
			if n == b {
				return true
			}
			if !visited[n] {
				visited[n] = true
				pq.Enqueue(n)
			}
		}
	}
	return false
}
