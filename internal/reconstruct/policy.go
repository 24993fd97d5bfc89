package reconstruct

import (
	"fmt"
	"math"

	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/types"
)

// InitPolicy gates initial pair selection.
type InitPolicy struct {
	MinInliers          int
	MinSeparationMeters float64
}

// Escalate returns a stricter policy for a retry.
func (p InitPolicy) Escalate(factor float64) InitPolicy {
	return InitPolicy{
		MinInliers:          int(math.Ceil(float64(p.MinInliers) * factor)),
		MinSeparationMeters: p.MinSeparationMeters * factor,
	}
}

// Distancer returns the geodesic distance between two images.
// geo.Index implements it.
type Distancer interface {
	Distance(a, b string) (float64, bool)
}

// InitChoice is a selected initial pair.
type InitChoice struct {
	Key        types.PairKey
	Inliers    int
	Separation float64
}

// SelectInitPair picks the pair with the most inliers among pairs inside
// images that clear both policy gates. Ties go to the smaller key. Pairs
// whose separation cannot be measured are never chosen.
func SelectInitPair(pairs []types.VerifiedPair, images []string, dist Distancer, p InitPolicy) (InitChoice, bool) {
	in := make(map[string]struct{}, len(images))
	for _, id := range images {
		in[id] = struct{}{}
	}

	var best InitChoice
	found := false
	for _, vp := range pairs {
		if vp.Config <= 1 || vp.Inliers < p.MinInliers {
			continue
		}
		if _, ok := in[vp.Key.A]; !ok {
			continue
		}
		if _, ok := in[vp.Key.B]; !ok {
			continue
		}
		d, ok := dist.Distance(vp.Key.A, vp.Key.B)
		if !ok || d < p.MinSeparationMeters {
			continue
		}
		if !found || vp.Inliers > best.Inliers || (vp.Inliers == best.Inliers && vp.Key.Less(best.Key)) {
			best = InitChoice{Key: vp.Key, Inliers: vp.Inliers, Separation: d}
			found = true
		}
	}
	return best, found
}

// checkOverride validates an explicit init pair against the partition.
func checkOverride(pdb *matchstore.PartitionDatabase, images []string, key types.PairKey) (InitChoice, error) {
	vp, ok := pdb.Pair(key)
	if !ok || vp.Config <= 1 {
		return InitChoice{}, fmt.Errorf("%w: %s", ErrInvalidInitPair, key)
	}
	in := 0
	for _, id := range images {
		if id == key.A || id == key.B {
			in++
		}
	}
	if in != 2 {
		return InitChoice{}, fmt.Errorf("%w: %s is outside the run's images", ErrInvalidInitPair, key)
	}
	return InitChoice{Key: key, Inliers: vp.Inliers}, nil
}
