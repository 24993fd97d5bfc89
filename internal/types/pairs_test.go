package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPairKeyCanonical(t *testing.T) {
	assert.Equal(t, NewPairKey("b", "a"), NewPairKey("a", "b"))
	assert.Equal(t, "a|b", NewPairKey("b", "a").String())

	other, ok := NewPairKey("x", "y").Other("y")
	assert.True(t, ok)
	assert.Equal(t, "x", other)

	_, ok = NewPairKey("x", "y").Other("z")
	assert.False(t, ok)
}

func TestParsePairKey(t *testing.T) {
	k, err := ParsePairKey("9|3")
	require.NoError(t, err)
	assert.Equal(t, PairKey{A: "3", B: "9"}, k)

	for _, bad := range []string{"", "a", "a|", "|b", "a|a"} {
		_, err := ParsePairKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestPairKeyLess(t *testing.T) {
	assert.True(t, NewPairKey("a", "c").Less(NewPairKey("b", "c")))
	assert.True(t, NewPairKey("a", "b").Less(NewPairKey("a", "c")))
	assert.False(t, NewPairKey("a", "c").Less(NewPairKey("a", "c")))
}

func TestExpansionOrigin(t *testing.T) {
	o := ExpansionOrigin(3)
	assert.Equal(t, Origin("query-expansion-round-3"), o)

	round, ok := o.Round()
	assert.True(t, ok)
	assert.Equal(t, 3, round)

	_, ok = OriginSpatial.Round()
	assert.False(t, ok)
	_, ok = Origin("query-expansion-round-x").Round()
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		verified bool
		inliers  int
		want     PairState
	}{
		{"rejected", false, 500, StateRejected},
		{"at threshold", true, 30, StateVerifiedHighInlier},
		{"below threshold", true, 29, StateVerifiedLowInlier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.verified, tt.inliers, 30))
		})
	}
}
