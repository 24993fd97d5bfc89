package reconstruct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/types"
)

type mapDist map[types.PairKey]float64

func (m mapDist) Distance(a, b string) (float64, bool) {
	d, ok := m[types.NewPairKey(a, b)]
	return d, ok
}

func vp(a, b string, inliers, config int) types.VerifiedPair {
	return types.VerifiedPair{Key: types.NewPairKey(a, b), Inliers: inliers, Config: config}
}

func TestSelectInitPair(t *testing.T) {
	images := []string{"a", "b", "c", "d", "e", "f"}
	dist := mapDist{
		types.NewPairKey("a", "b"): 5,
		types.NewPairKey("c", "d"): 40,
		types.NewPairKey("c", "e"): 40,
		types.NewPairKey("d", "e"): 30,
		types.NewPairKey("a", "f"): 100,
	}
	policy := InitPolicy{MinInliers: 100, MinSeparationMeters: 15}

	tests := []struct {
		name  string
		pairs []types.VerifiedPair
		want  types.PairKey
		found bool
	}{
		{
			name:  "separation gate rejects close pair with more inliers",
			pairs: []types.VerifiedPair{vp("a", "b", 500, 2), vp("c", "d", 200, 2)},
			want:  types.NewPairKey("c", "d"),
			found: true,
		},
		{
			name:  "tie goes to smaller key",
			pairs: []types.VerifiedPair{vp("d", "e", 200, 2), vp("c", "e", 200, 2)},
			want:  types.NewPairKey("c", "e"),
			found: true,
		},
		{
			name:  "below min inliers",
			pairs: []types.VerifiedPair{vp("c", "d", 99, 2)},
		},
		{
			name:  "degenerate geometry",
			pairs: []types.VerifiedPair{vp("c", "d", 400, 1)},
		},
		{
			name:  "unknown separation",
			pairs: []types.VerifiedPair{vp("b", "c", 400, 2)},
		},
		{
			name:  "endpoint outside images",
			pairs: []types.VerifiedPair{vp("a", "z", 400, 2)},
		},
		{
			name:  "far pair",
			pairs: []types.VerifiedPair{vp("a", "f", 100, 3), vp("a", "b", 300, 2)},
			want:  types.NewPairKey("a", "f"),
			found: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectInitPair(tt.pairs, images, dist, policy)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got.Key)
				assert.GreaterOrEqual(t, got.Separation, policy.MinSeparationMeters)
			}
		})
	}
}

func TestInitPolicyEscalate(t *testing.T) {
	p := InitPolicy{MinInliers: 100, MinSeparationMeters: 10}
	p = p.Escalate(1.5)
	assert.Equal(t, 150, p.MinInliers)
	assert.InDelta(t, 15.0, p.MinSeparationMeters, 1e-9)
	p = p.Escalate(1.5)
	assert.Equal(t, 225, p.MinInliers)

	q := InitPolicy{MinInliers: 7}.Escalate(1.1)
	assert.Equal(t, 8, q.MinInliers)
}

func TestCheckOverride(t *testing.T) {
	pdb := &matchstore.PartitionDatabase{
		ID:     "p",
		Images: []string{"a", "b", "c"},
		Pairs:  []types.VerifiedPair{vp("a", "b", 80, 2), vp("b", "c", 300, 1)},
	}

	choice, err := checkOverride(pdb, pdb.Images, types.NewPairKey("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 80, choice.Inliers)

	_, err = checkOverride(pdb, pdb.Images, types.NewPairKey("b", "c"))
	assert.ErrorIs(t, err, ErrInvalidInitPair)

	_, err = checkOverride(pdb, pdb.Images, types.NewPairKey("a", "c"))
	assert.ErrorIs(t, err, ErrInvalidInitPair)

	_, err = checkOverride(pdb, []string{"a", "c"}, types.NewPairKey("a", "b"))
	assert.ErrorIs(t, err, ErrInvalidInitPair)
}
