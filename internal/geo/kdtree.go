package geo

import (
	"math"
	"sort"
)

// kdNode splits alternately on X and Y of projected points.
type kdNode struct {
	idx int
	ax  int // 0:x, 1:y
	l   *kdNode
	r   *kdNode
}

type kdTree struct {
	pts  []Point
	ids  []string
	root *kdNode
}

func newKDTree(ids []string, pts []Point) *kdTree {
	t := &kdTree{pts: pts, ids: ids}
	order := make([]int, len(pts))
	for i := range order {
		order[i] = i
	}
	t.root = t.build(order, 0)
	return t
}

func (t *kdTree) build(order []int, depth int) *kdNode {
	if len(order) == 0 {
		return nil
	}
	ax := depth % 2
	mid := len(order) / 2
	t.selectNth(order, mid, ax)
	node := &kdNode{idx: order[mid], ax: ax}
	node.l = t.build(order[:mid], depth+1)
	node.r = t.build(order[mid+1:], depth+1)
	return node
}

// selectNth partially orders a in place so a[n] is the n-th element on ax.
func (t *kdTree) selectNth(a []int, n, ax int) {
	lo, hi := 0, len(a)-1
	for lo < hi {
		p := t.partition(a, lo, hi, (lo+hi)/2, ax)
		if p == n {
			return
		}
		if n < p {
			hi = p - 1
		} else {
			lo = p + 1
		}
	}
}

func (t *kdTree) partition(a []int, lo, hi, pivot, ax int) int {
	pv := a[pivot]
	a[pivot], a[hi] = a[hi], a[pivot]
	i := lo
	for j := lo; j < hi; j++ {
		if t.less(a[j], pv, ax) {
			a[i], a[j] = a[j], a[i]
			i++
		}
	}
	a[i], a[hi] = a[hi], a[i]
	return i
}

func (t *kdTree) less(i, j, ax int) bool {
	if ax == 0 {
		if t.pts[i].X != t.pts[j].X {
			return t.pts[i].X < t.pts[j].X
		}
	} else if t.pts[i].Y != t.pts[j].Y {
		return t.pts[i].Y < t.pts[j].Y
	}
	return t.ids[i] < t.ids[j]
}

// Neighbor is a kNN result.
type Neighbor struct {
	ID       string
	Distance float64 // meters in the projected plane
}

// knn returns up to k nearest points to q within maxDist (0 = unbounded),
// excluding skip, ordered by distance then id.
func (t *kdTree) knn(q Point, k int, maxDist float64, skip func(int) bool) []Neighbor {
	if k <= 0 || t.root == nil {
		return nil
	}
	limit := math.Inf(1)
	if maxDist > 0 {
		limit = maxDist * maxDist
	}

	type cand struct {
		idx int
		d2  float64
	}
	best := make([]cand, 0, k+1)
	worse := func(a, b cand) bool {
		if a.d2 != b.d2 {
			return a.d2 > b.d2
		}
		return t.ids[a.idx] > t.ids[b.idx]
	}
	bound := func() float64 {
		if len(best) < k {
			return limit
		}
		return best[len(best)-1].d2
	}

	var dfs func(n *kdNode)
	dfs = func(n *kdNode) {
		if n == nil {
			return
		}
		p := t.pts[n.idx]
		dx, dy := p.X-q.X, p.Y-q.Y
		d2 := dx*dx + dy*dy
		if !skip(n.idx) && d2 <= limit {
			c := cand{idx: n.idx, d2: d2}
			if len(best) < k || worse(best[len(best)-1], c) {
				pos := sort.Search(len(best), func(i int) bool { return worse(best[i], c) })
				best = append(best, cand{})
				copy(best[pos+1:], best[pos:])
				best[pos] = c
				if len(best) > k {
					best = best[:k]
				}
			}
		}

		var diff float64
		if n.ax == 0 {
			diff = q.X - p.X
		} else {
			diff = q.Y - p.Y
		}
		first, second := n.l, n.r
		if diff > 0 {
			first, second = n.r, n.l
		}
		dfs(first)
		// Equal distance on the plane can still hold a smaller id, so only
		// strictly farther planes are pruned.
		if diff*diff <= bound() {
			dfs(second)
		}
	}
	dfs(t.root)

	out := make([]Neighbor, len(best))
	for i, c := range best {
		out[i] = Neighbor{ID: t.ids[c.idx], Distance: math.Sqrt(c.d2)}
	}
	return out
}
