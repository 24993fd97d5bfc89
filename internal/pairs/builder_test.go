package pairs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/graph"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/dbsmedya/geomatch/internal/types"
)

var testProj = geo.NewProjection(47.6, -122.3)

func recordAt(id string, x, y float64) geo.ImageRecord {
	lat, lon := testProj.Inverse(geo.Point{X: x, Y: y})
	return geo.ImageRecord{ID: id, Lat: lat, Lon: lon}
}

// threeBoxLine builds three 100-image boxes in a row with margin overlaps.
func threeBoxLine(t *testing.T) (*geo.Index, *partition.Result) {
	t.Helper()
	var recs []geo.ImageRecord
	for i := 0; i < 30; i++ {
		x := 5 + 10*float64(i)
		if i > 0 && i%10 == 0 {
			x++
		}
		for j := 0; j < 10; j++ {
			recs = append(recs, recordAt(fmt.Sprintf("i%02d-%02d", i, j), x, 5+10*float64(j)))
		}
	}
	ix := geo.NewIndex(recs)
	part, err := partition.Partition(ix, partition.Params{BoxSizeMeters: 100, MarginMeters: 12, MaxPairsPerBox: 100000})
	require.NoError(t, err)
	require.Len(t, part.Boxes, 3)
	return ix, part
}

func TestThreeBoxesInLine(t *testing.T) {
	ix, part := threeBoxLine(t)
	b, err := NewBuilder(ix, part, Params{Neighbors: 8, Workers: 3}, nil)
	require.NoError(t, err)

	res, err := b.Build(context.Background())
	require.NoError(t, err)

	spatial := 0
	for _, c := range res.Candidates {
		if c.Origin == types.OriginSpatial {
			spatial++
		}
		assert.Equal(t, types.StateUnverified, c.State)
	}
	assert.GreaterOrEqual(t, spatial, 800)

	require.Len(t, res.Fringe, 2)
	for _, f := range res.Fringe {
		assert.GreaterOrEqual(t, len(f.Pairs), 10, "fringe %s", f.Key())
	}
	assert.True(t, res.Starvation.Empty())

	// Simulated verification: nearby images share enough structure.
	var verified []types.VerifiedPair
	for _, c := range res.Candidates {
		d, _ := ix.Distance(c.Key.A, c.Key.B)
		if d <= 30 {
			verified = append(verified, types.VerifiedPair{Key: c.Key, Inliers: 120, Config: 2})
		}
	}
	g := graph.FromVerified(verified, 30)
	assert.True(t, g.Connected("i00-00", "i29-09"), "box 1 connects to box 3 through box 2")
	assert.Len(t, g.Components(), 1)
}

func TestNoDuplicateKeys(t *testing.T) {
	ix, part := threeBoxLine(t)
	b, err := NewBuilder(ix, part, Params{Neighbors: 12, Workers: 2}, nil)
	require.NoError(t, err)
	res, err := b.Build(context.Background())
	require.NoError(t, err)

	seen := map[types.PairKey]bool{}
	for i, c := range res.Candidates {
		assert.False(t, seen[c.Key], "duplicate %s", c.Key)
		seen[c.Key] = true
		assert.Less(t, c.Key.A, c.Key.B)
		if i > 0 {
			assert.True(t, res.Candidates[i-1].Key.Less(c.Key))
		}
	}
	assert.Greater(t, res.Duplicates, 0, "overlapping boxes propose shared pairs")
	assert.Equal(t, res.SpatialProposed+res.FringeProposed, len(res.Candidates)+res.Duplicates)
}

func TestFringeSymmetricAndIdempotent(t *testing.T) {
	ix, part := threeBoxLine(t)
	adj := part.Adjacent[0]

	forward := Exhaustive(adj.Images)
	reversed := append([]string(nil), adj.Images...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	assert.Equal(t, forward, Exhaustive(reversed))

	b, err := NewBuilder(ix, part, Params{Neighbors: 8, Workers: 4}, nil)
	require.NoError(t, err)
	first, err := b.Build(context.Background())
	require.NoError(t, err)
	second, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Candidates, second.Candidates)
	assert.Equal(t, first.FringeSeeds(adj.B, adj.A), first.FringeSeeds(adj.A, adj.B))
}

func TestSingleImageBox(t *testing.T) {
	ix := geo.NewIndex([]geo.ImageRecord{recordAt("solo", 0, 0)})
	part, err := partition.Partition(ix, partition.Params{BoxSizeMeters: 100, MarginMeters: 10, MaxPairsPerBox: 1000})
	require.NoError(t, err)
	require.Len(t, part.Boxes, 1)
	assert.Equal(t, []string{"solo"}, part.Boxes[0].Images)

	b, err := NewBuilder(ix, part, Params{Neighbors: 8}, nil)
	require.NoError(t, err)
	res, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.True(t, res.Starvation.Empty(), "a lone image is not starvation")
}

func TestStarvationReported(t *testing.T) {
	recs := []geo.ImageRecord{
		recordAt("a", 0, 0),
		recordAt("b", 60, 60),
	}
	ix := geo.NewIndex(recs)
	part, err := partition.Partition(ix, partition.Params{BoxSizeMeters: 100, MarginMeters: 10, MaxPairsPerBox: 1000})
	require.NoError(t, err)

	b, err := NewBuilder(ix, part, Params{Neighbors: 8, MaxDistanceMeters: 20}, nil)
	require.NoError(t, err)
	res, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, []string{part.Boxes[0].ID}, res.Starvation.Boxes)
}

func TestNewBuilderValidation(t *testing.T) {
	ix, part := threeBoxLine(t)
	_, err := NewBuilder(nil, part, Params{Neighbors: 8}, nil)
	assert.Error(t, err)
	_, err = NewBuilder(ix, nil, Params{Neighbors: 8}, nil)
	assert.Error(t, err)
	_, err = NewBuilder(ix, part, Params{Neighbors: 0}, nil)
	assert.Error(t, err)
}

func TestBuildCancelled(t *testing.T) {
	ix, part := threeBoxLine(t)
	b, err := NewBuilder(ix, part, Params{Neighbors: 8}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPairListRoundTrip(t *testing.T) {
	pairs := []types.PairKey{types.NewPairKey("1", "2"), types.NewPairKey("10", "3")}
	var buf bytes.Buffer
	require.NoError(t, WritePairList(&buf, pairs))
	assert.Equal(t, "1.jpg 2.jpg\n10.jpg 3.jpg\n", buf.String())

	got, err := ReadPairList(strings.NewReader("# header\n\n" + buf.String()))
	require.NoError(t, err)
	assert.Equal(t, pairs, got)

	_, err = ReadPairList(strings.NewReader("1.jpg\n"))
	assert.Error(t, err)
	_, err = ReadPairList(strings.NewReader("1.jpg 1.jpg\n"))
	assert.Error(t, err)
}

func TestWriteFiles(t *testing.T) {
	ix, part := threeBoxLine(t)
	b, err := NewBuilder(ix, part, Params{Neighbors: 8}, nil)
	require.NoError(t, err)
	res, err := b.Build(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	written, err := res.WriteFiles(dir)
	require.NoError(t, err)
	assert.Len(t, written, 3+2+1)

	f, err := os.Open(filepath.Join(dir, "all_pairs.txt"))
	require.NoError(t, err)
	defer f.Close()
	all, err := ReadPairList(f)
	require.NoError(t, err)
	assert.Equal(t, res.Keys(), all)
}
