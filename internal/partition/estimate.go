package partition

// BoxEstimate is the matching cost of one box.
type BoxEstimate struct {
	ID              string
	Images          int
	CoreImages      int
	ExhaustivePairs int64
	SpatialPairs    int64 // upper bound with k neighbours per image
	OverCeiling     bool
}

// Estimate summarises the matching work implied by a partition.
type Estimate struct {
	Boxes           []BoxEstimate
	TotalImages     int
	BoxCount        int
	AdjacentPairs   int
	FringeImages    int
	FringePairs     int64
	ExhaustivePairs int64
	SpatialPairs    int64
	MaxBoxImages    int
	OverCeiling     int
}

// Estimate reports per-box and total pair counts for a neighbour count k
// without generating any pairs.
func (r *Result) Estimate(totalImages, k int) *Estimate {
	est := &Estimate{
		TotalImages:   totalImages,
		BoxCount:      len(r.Boxes),
		AdjacentPairs: len(r.Adjacent),
	}
	for i := range r.Boxes {
		b := &r.Boxes[i]
		n := len(b.Images)
		spatial := int64(n) * int64(min(k, max(n-1, 0)))
		be := BoxEstimate{
			ID:              b.ID,
			Images:          n,
			CoreImages:      b.CoreCount,
			ExhaustivePairs: b.ExhaustivePairs(),
			SpatialPairs:    spatial,
			OverCeiling:     b.OverCeiling,
		}
		est.Boxes = append(est.Boxes, be)
		est.ExhaustivePairs += be.ExhaustivePairs
		est.SpatialPairs += spatial
		est.MaxBoxImages = max(est.MaxBoxImages, n)
		if b.OverCeiling {
			est.OverCeiling++
		}
	}
	for _, a := range r.Adjacent {
		est.FringeImages += len(a.Images)
		est.FringePairs += exhaustivePairs(len(a.Images))
	}
	return est
}
