// Package partition divides an image footprint into overlapping boxes small
// enough for exhaustive in-box matching.
package partition

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dbsmedya/geomatch/internal/geo"
)

// ErrCoverage is returned when an image ends up outside every box.
var ErrCoverage = errors.New("coverage error")

// CoverageError lists the images that no box covers.
type CoverageError struct {
	Missing []string
}

func (e *CoverageError) Error() string {
	shown := e.Missing
	if len(shown) > 10 {
		shown = shown[:10]
	}
	return fmt.Sprintf("coverage error: %d images outside all boxes (%s)", len(e.Missing), strings.Join(shown, ", "))
}

// Is makes errors.Is(err, ErrCoverage) match.
func (e *CoverageError) Is(target error) bool {
	return target == ErrCoverage
}

// Params controls box sizing.
type Params struct {
	BoxSizeMeters    float64
	MarginMeters     float64
	MaxPairsPerBox   int // ceiling on n*(n-1)/2 per box
	MinBoxSizeMeters float64
}

// Validate checks that the parameters describe a usable grid.
func (p Params) Validate() error {
	switch {
	case p.BoxSizeMeters <= 0:
		return fmt.Errorf("box size must be positive")
	case p.MarginMeters < 0:
		return fmt.Errorf("margin cannot be negative")
	case p.MarginMeters*2 >= p.BoxSizeMeters:
		return fmt.Errorf("margin %.1fm must be less than half the box size %.1fm", p.MarginMeters, p.BoxSizeMeters)
	case p.MaxPairsPerBox <= 0:
		return fmt.Errorf("pair ceiling must be positive")
	}
	return nil
}

// Box is a spatially bounded working set. Images holds every image inside the
// core rectangle expanded by the margin, sorted by id.
type Box struct {
	ID           string
	Core         Rect
	Bounds       geo.Bounds
	MarginMeters float64
	Images       []string
	CoreCount    int
	Depth        int  // quadtree depth below the grid cell
	OverCeiling  bool // could not be split below the pair ceiling

	row, col int
}

// ExhaustivePairs returns n*(n-1)/2 for the box population.
func (b *Box) ExhaustivePairs() int64 {
	return exhaustivePairs(len(b.Images))
}

// Membership returns the expanded rectangle used for image membership.
func (b *Box) Membership() Rect {
	return b.Core.Expand(b.MarginMeters)
}

// Adjacency is a pair of boxes sharing an edge. A < B by id. Band is the
// overlap of both membership rectangles and Images the images inside it.
type Adjacency struct {
	A      string
	B      string
	Band   Rect
	Images []string
}

// Key identifies the adjacency as "A|B".
func (a Adjacency) Key() string {
	return a.A + "|" + a.B
}

// Result is the output of Partition.
type Result struct {
	Boxes      []Box
	Adjacent   []Adjacency
	Projection geo.Projection
	Params     Params

	byID map[string]int
}

// Box returns the box with the given id.
func (r *Result) Box(id string) (*Box, bool) {
	if r.byID == nil {
		r.byID = make(map[string]int, len(r.Boxes))
		for i := range r.Boxes {
			r.byID[r.Boxes[i].ID] = i
		}
	}
	i, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return &r.Boxes[i], true
}

func exhaustivePairs(n int) int64 {
	return int64(n) * int64(n-1) / 2
}

type partitioner struct {
	params Params
	ix     *geo.Index
	ids    []string
	pts    []geo.Point
}

// Partition assigns every record of ix to at least one box. It is a pure
// function of its inputs: the same records and params give the same boxes.
func Partition(ix *geo.Index, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.MinBoxSizeMeters <= 0 {
		params.MinBoxSizeMeters = params.BoxSizeMeters
	}

	p := &partitioner{params: params, ix: ix}
	for _, r := range ix.Records() {
		pt, _ := ix.Point(r.ID)
		p.ids = append(p.ids, r.ID)
		p.pts = append(p.pts, pt)
	}

	res := &Result{Projection: ix.Projection(), Params: params}
	res.Boxes = p.boxes()
	res.Adjacent = adjacencies(res.Boxes)

	if err := checkCoverage(p.ids, res.Boxes); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *partitioner) boxes() []Box {
	size := p.params.BoxSizeMeters

	if len(p.pts) == 0 {
		core := Rect{MinX: -size / 2, MinY: -size / 2, MaxX: size / 2, MaxY: size / 2}
		return []Box{p.newBox(core, cellID(0, 0, ""), 0, nil, 0, false, 0, 0)}
	}

	minX, minY := math.Inf(1), math.Inf(1)
	for _, pt := range p.pts {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
	}

	// Core assignment by floor division gives every point exactly one cell.
	cells := make(map[[2]int][]int)
	for i, pt := range p.pts {
		key := [2]int{int(math.Floor((pt.Y - minY) / size)), int(math.Floor((pt.X - minX) / size))}
		cells[key] = append(cells[key], i)
	}

	keys := make([][2]int, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	// Margin members can only come from the 3x3 neighbourhood because the
	// margin is narrower than half a cell.
	var out []Box
	for _, k := range keys {
		row, col := k[0], k[1]
		core := Rect{
			MinX: minX + float64(col)*size,
			MinY: minY + float64(row)*size,
			MaxX: minX + float64(col+1)*size,
			MaxY: minY + float64(row+1)*size,
		}
		member := core.Expand(p.params.MarginMeters)

		candidates := append([]int(nil), cells[k]...)
		for dr := -1; dr <= 1; dr++ {
			for dc := -1; dc <= 1; dc++ {
				if dr == 0 && dc == 0 {
					continue
				}
				for _, i := range cells[[2]int{row + dr, col + dc}] {
					if member.Contains(p.pts[i]) {
						candidates = append(candidates, i)
					}
				}
			}
		}
		out = append(out, p.refine(core, cells[k], candidates, row, col, "", 0)...)
	}
	return out
}

// refine splits a cell into quadrants while its population exceeds the pair
// ceiling. coreIdx are the points whose core is this cell, memberIdx the
// points inside the cell expanded by the margin.
func (p *partitioner) refine(core Rect, coreIdx, memberIdx []int, row, col int, path string, depth int) []Box {
	over := exhaustivePairs(len(memberIdx)) > int64(p.params.MaxPairsPerBox)
	half := core.Width() / 2
	if !over || half < p.params.MinBoxSizeMeters {
		return []Box{p.newBox(core, cellID(row, col, path), depth, memberIdx, len(coreIdx), over, row, col)}
	}

	midX := (core.MinX + core.MaxX) / 2
	midY := (core.MinY + core.MaxY) / 2
	quads := [4]Rect{
		{MinX: core.MinX, MinY: core.MinY, MaxX: midX, MaxY: midY},
		{MinX: midX, MinY: core.MinY, MaxX: core.MaxX, MaxY: midY},
		{MinX: core.MinX, MinY: midY, MaxX: midX, MaxY: core.MaxY},
		{MinX: midX, MinY: midY, MaxX: core.MaxX, MaxY: core.MaxY},
	}

	// Core points are always members of their own box, whatever rounding
	// does at the rectangle edges.
	var quadCore [4][]int
	quadOf := make(map[int]int, len(coreIdx))
	for _, i := range coreIdx {
		q := 0
		if p.pts[i].X >= midX {
			q |= 1
		}
		if p.pts[i].Y >= midY {
			q |= 2
		}
		quadCore[q] = append(quadCore[q], i)
		quadOf[i] = q
	}

	var out []Box
	for q, qr := range quads {
		// A quadrant without core images is dropped; its margin images
		// belong to the core of a sibling or neighbour.
		if len(quadCore[q]) == 0 {
			continue
		}
		member := qr.Expand(p.params.MarginMeters)
		qMembers := append([]int(nil), quadCore[q]...)
		for _, i := range memberIdx {
			if owner, isCore := quadOf[i]; isCore && owner == q {
				continue
			}
			if member.Contains(p.pts[i]) {
				qMembers = append(qMembers, i)
			}
		}
		out = append(out, p.refine(qr, quadCore[q], qMembers, row, col, path+fmt.Sprint(q), depth+1)...)
	}
	return out
}

func (p *partitioner) newBox(core Rect, id string, depth int, memberIdx []int, coreCount int, over bool, row, col int) Box {
	images := make([]string, len(memberIdx))
	for i, idx := range memberIdx {
		images[i] = p.ids[idx]
	}
	sort.Strings(images)
	return Box{
		ID:           id,
		Core:         core,
		Bounds:       toBounds(core, p.ix.Projection()),
		MarginMeters: p.params.MarginMeters,
		Images:       images,
		CoreCount:    coreCount,
		Depth:        depth,
		OverCeiling:  over,
		row:          row,
		col:          col,
	}
}

func cellID(row, col int, path string) string {
	id := fmt.Sprintf("box-%04d-%04d", row, col)
	if path != "" {
		id += "-q" + path
	}
	return id
}

func adjacencies(boxes []Box) []Adjacency {
	byCell := make(map[[2]int][]int)
	for i := range boxes {
		byCell[[2]int{boxes[i].row, boxes[i].col}] = append(byCell[[2]int{boxes[i].row, boxes[i].col}], i)
	}

	seen := make(map[[2]int]struct{})
	var out []Adjacency
	for i := range boxes {
		a := &boxes[i]
		for dr := -1; dr <= 1; dr++ {
			for dc := -1; dc <= 1; dc++ {
				for _, j := range byCell[[2]int{a.row + dr, a.col + dc}] {
					if j == i {
						continue
					}
					pair := [2]int{min(i, j), max(i, j)}
					if _, ok := seen[pair]; ok {
						continue
					}
					b := &boxes[j]
					if !sharesEdge(a.Core, b.Core) {
						continue
					}
					seen[pair] = struct{}{}
					out = append(out, newAdjacency(a, b))
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func newAdjacency(a, b *Box) Adjacency {
	if b.ID < a.ID {
		a, b = b, a
	}
	band, _ := a.Membership().Intersect(b.Membership())
	return Adjacency{A: a.ID, B: b.ID, Band: band, Images: intersectSorted(a.Images, b.Images)}
}

func intersectSorted(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func checkCoverage(ids []string, boxes []Box) error {
	covered := make(map[string]struct{}, len(ids))
	for i := range boxes {
		for _, id := range boxes[i].Images {
			covered[id] = struct{}{}
		}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := covered[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &CoverageError{Missing: missing}
	}
	return nil
}
