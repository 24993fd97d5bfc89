// Package pairs proposes candidate image pairs: spatial nearest neighbours
// inside each box and exhaustive pairs across the fringe of adjacent boxes.
package pairs

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/metrics"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/dbsmedya/geomatch/internal/types"
)

// Params controls candidate generation.
type Params struct {
	Neighbors         int
	MaxDistanceMeters float64 // 0 disables the cutoff
	Workers           int
}

// BoxPairs are the in-box spatial candidates of one box.
type BoxPairs struct {
	BoxID string
	Pairs []types.PairKey
}

// FringePairs are the exhaustive candidates of one adjacent box pair.
type FringePairs struct {
	A      string
	B      string
	Images []string
	Pairs  []types.PairKey
}

// Key identifies the fringe as "A|B".
func (f FringePairs) Key() string { return f.A + "|" + f.B }

// Starvation lists boxes and fringes that produced no candidates.
// Starved work is reported for review and never stops other boxes.
type Starvation struct {
	Boxes   []string
	Fringes []string
}

// Empty returns true when nothing starved.
func (s Starvation) Empty() bool { return len(s.Boxes) == 0 && len(s.Fringes) == 0 }

// Result holds the deduplicated candidate list and its per-box breakdown.
type Result struct {
	Candidates []types.PairCandidate // sorted by key
	InBox      []BoxPairs
	Fringe     []FringePairs
	Starvation Starvation

	SpatialProposed int
	FringeProposed  int
	Duplicates      int
}

// Builder generates candidates for a partition.
type Builder struct {
	ix     *geo.Index
	part   *partition.Result
	params Params
	log    *logger.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(ix *geo.Index, part *partition.Result, params Params, log *logger.Logger) (*Builder, error) {
	if ix == nil {
		return nil, fmt.Errorf("geo index is nil")
	}
	if part == nil {
		return nil, fmt.Errorf("partition is nil")
	}
	if params.Neighbors <= 0 {
		return nil, fmt.Errorf("neighbors must be positive, got %d", params.Neighbors)
	}
	if params.Workers <= 0 {
		params.Workers = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Builder{ix: ix, part: part, params: params, log: log}, nil
}

// Build proposes candidates for every box and every adjacent box pair.
// Boxes are processed in parallel; the result is independent of scheduling.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	inBox := make([]BoxPairs, len(b.part.Boxes))
	fringe := make([]FringePairs, len(b.part.Adjacent))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.params.Workers)

	for i := range b.part.Boxes {
		box := &b.part.Boxes[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inBox[i] = BoxPairs{BoxID: box.ID, Pairs: b.InBox(box)}
			return nil
		})
	}
	for i, adj := range b.part.Adjacent {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fringe[i] = FringePairs{A: adj.A, B: adj.B, Images: adj.Images, Pairs: Exhaustive(adj.Images)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := merge(inBox, fringe)
	b.report(res)
	return res, nil
}

// InBox pairs each box image with its nearest in-box neighbours.
func (b *Builder) InBox(box *partition.Box) []types.PairKey {
	if len(box.Images) < 2 {
		return nil
	}
	sub := b.ix.Subset(box.Images)
	seen := make(map[types.PairKey]struct{}, len(box.Images)*b.params.Neighbors)
	for _, id := range box.Images {
		for _, n := range sub.Nearest(id, b.params.Neighbors, b.params.MaxDistanceMeters) {
			seen[types.NewPairKey(id, n.ID)] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Exhaustive returns every pair of the given images in canonical order.
func Exhaustive(images []string) []types.PairKey {
	ids := append([]string(nil), images...)
	sort.Strings(ids)
	out := make([]types.PairKey, 0, len(ids)*(len(ids)-1)/2)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] == ids[j] {
				continue
			}
			out = append(out, types.PairKey{A: ids[i], B: ids[j]})
		}
	}
	return out
}

// merge deduplicates by pair key. A key proposed by both stages keeps the
// spatial origin.
func merge(inBox []BoxPairs, fringe []FringePairs) *Result {
	res := &Result{InBox: inBox, Fringe: fringe}
	origin := make(map[types.PairKey]types.Origin)

	add := func(k types.PairKey, o types.Origin) {
		if _, ok := origin[k]; ok {
			res.Duplicates++
			return
		}
		origin[k] = o
	}

	for _, bp := range inBox {
		res.SpatialProposed += len(bp.Pairs)
		for _, k := range bp.Pairs {
			add(k, types.OriginSpatial)
		}
		if len(bp.Pairs) == 0 {
			res.Starvation.Boxes = append(res.Starvation.Boxes, bp.BoxID)
		}
	}
	for _, fp := range fringe {
		res.FringeProposed += len(fp.Pairs)
		for _, k := range fp.Pairs {
			add(k, types.OriginFringe)
		}
		if len(fp.Pairs) == 0 {
			res.Starvation.Fringes = append(res.Starvation.Fringes, fp.Key())
		}
	}

	res.Candidates = make([]types.PairCandidate, 0, len(origin))
	for k, o := range origin {
		res.Candidates = append(res.Candidates, types.PairCandidate{Key: k, Origin: o, State: types.StateUnverified})
	}
	sort.Slice(res.Candidates, func(i, j int) bool { return res.Candidates[i].Key.Less(res.Candidates[j].Key) })
	return res
}

func (b *Builder) report(res *Result) {
	spatial, fringe := 0, 0
	for _, c := range res.Candidates {
		if c.Origin == types.OriginSpatial {
			spatial++
		} else {
			fringe++
		}
	}
	metrics.CandidatesTotal.WithLabelValues(string(types.OriginSpatial)).Add(float64(spatial))
	metrics.CandidatesTotal.WithLabelValues(string(types.OriginFringe)).Add(float64(fringe))

	// A box with a single image legitimately has no pairs; only boxes
	// that could have produced pairs count as starved.
	var starved []string
	for _, id := range res.Starvation.Boxes {
		box, _ := b.part.Box(id)
		if box != nil && len(box.Images) >= 2 {
			starved = append(starved, id)
			b.log.WithBox(id).Warnw("box produced no candidate pairs", "images", len(box.Images))
		}
	}
	res.Starvation.Boxes = starved
	for _, key := range res.Starvation.Fringes {
		b.log.Warnw("fringe produced no candidate pairs", "fringe", key)
	}
	metrics.StarvedTotal.WithLabelValues("box").Add(float64(len(res.Starvation.Boxes)))
	metrics.StarvedTotal.WithLabelValues("fringe").Add(float64(len(res.Starvation.Fringes)))

	b.log.Infow("candidate pairs generated",
		"boxes", len(res.InBox),
		"fringes", len(res.Fringe),
		"candidates", len(res.Candidates),
		"spatial", spatial,
		"fringe_exhaustive", fringe,
		"duplicates", res.Duplicates,
	)
}

func sortedKeys(set map[types.PairKey]struct{}) []types.PairKey {
	out := make([]types.PairKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Keys returns the candidate keys in order.
func (r *Result) Keys() []types.PairKey {
	out := make([]types.PairKey, len(r.Candidates))
	for i, c := range r.Candidates {
		out[i] = c.Key
	}
	return out
}

// FringeSeeds returns the fringe candidates of one adjacency, or nil.
func (r *Result) FringeSeeds(a, b string) []types.PairKey {
	if b < a {
		a, b = b, a
	}
	for _, f := range r.Fringe {
		if f.A == a && f.B == b {
			return f.Pairs
		}
	}
	return nil
}

