package geo

import (
	"math"
	"sort"
)

// Index is a read-only spatial index over image records. It is safe for
// concurrent use once built.
type Index struct {
	records []ImageRecord
	byID    map[string]int
	pts     []Point
	proj    Projection
	bounds  Bounds
	tree    *kdTree
}

// NewIndex builds an index projected around the centre of the records' footprint.
func NewIndex(records []ImageRecord) *Index {
	b := boundsOf(records)
	lat, lon := b.Center()
	return NewIndexWithProjection(records, NewProjection(lat, lon))
}

// NewIndexWithProjection builds an index using an existing projection so
// distances are comparable with a parent index.
func NewIndexWithProjection(records []ImageRecord, proj Projection) *Index {
	recs := make([]ImageRecord, len(records))
	copy(recs, records)
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	ix := &Index{
		records: recs,
		byID:    make(map[string]int, len(recs)),
		pts:     make([]Point, len(recs)),
		proj:    proj,
		bounds:  boundsOf(recs),
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ix.byID[r.ID] = i
		ix.pts[i] = proj.Forward(r.Lat, r.Lon)
		ids[i] = r.ID
	}
	ix.tree = newKDTree(ids, ix.pts)
	return ix
}

func boundsOf(records []ImageRecord) Bounds {
	if len(records) == 0 {
		return Bounds{}
	}
	b := Bounds{West: math.Inf(1), South: math.Inf(1), East: math.Inf(-1), North: math.Inf(-1)}
	for _, r := range records {
		b.West = math.Min(b.West, r.Lon)
		b.East = math.Max(b.East, r.Lon)
		b.South = math.Min(b.South, r.Lat)
		b.North = math.Max(b.North, r.Lat)
	}
	return b
}

// Len returns the number of records.
func (ix *Index) Len() int { return len(ix.records) }

// Records returns the records sorted by id. The slice must not be modified.
func (ix *Index) Records() []ImageRecord { return ix.records }

// Bounds returns the footprint of all records.
func (ix *Index) Bounds() Bounds { return ix.bounds }

// Projection returns the projection used for metric coordinates.
func (ix *Index) Projection() Projection { return ix.proj }

// Get returns the record with the given id.
func (ix *Index) Get(id string) (ImageRecord, bool) {
	i, ok := ix.byID[id]
	if !ok {
		return ImageRecord{}, false
	}
	return ix.records[i], true
}

// Point returns the projected position of an image.
func (ix *Index) Point(id string) (Point, bool) {
	i, ok := ix.byID[id]
	if !ok {
		return Point{}, false
	}
	return ix.pts[i], true
}

// Distance returns the geodesic distance between two indexed images.
func (ix *Index) Distance(a, b string) (float64, bool) {
	ra, ok := ix.Get(a)
	if !ok {
		return 0, false
	}
	rb, ok := ix.Get(b)
	if !ok {
		return 0, false
	}
	return Distance(ra, rb), true
}

// Nearest returns up to k nearest other images to id, within maxDist meters
// when maxDist > 0, ordered by distance then id.
func (ix *Index) Nearest(id string, k int, maxDist float64) []Neighbor {
	self, ok := ix.byID[id]
	if !ok {
		return nil
	}
	return ix.tree.knn(ix.pts[self], k, maxDist, func(i int) bool { return i == self })
}

// NearestPoint returns up to k nearest images to an arbitrary projected point.
func (ix *Index) NearestPoint(pt Point, k int, maxDist float64) []Neighbor {
	return ix.tree.knn(pt, k, maxDist, func(int) bool { return false })
}

// Subset builds an index over the given ids sharing this index's projection.
// Unknown ids are ignored.
func (ix *Index) Subset(ids []string) *Index {
	recs := make([]ImageRecord, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r, ok := ix.Get(id); ok {
			recs = append(recs, r)
		}
	}
	return NewIndexWithProjection(recs, ix.proj)
}
