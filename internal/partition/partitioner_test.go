package partition

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/geomatch/internal/geo"
)

var testProj = geo.NewProjection(47.6, -122.3)

// recordAt places an image at (x, y) meters from the test projection origin.
func recordAt(id string, x, y float64) geo.ImageRecord {
	lat, lon := testProj.Inverse(geo.Point{X: x, Y: y})
	return geo.ImageRecord{ID: id, Lat: lat, Lon: lon}
}

func randomRecords(seed int64, n int, extent float64) []geo.ImageRecord {
	rng := rand.New(rand.NewSource(seed))
	recs := make([]geo.ImageRecord, n)
	for i := range recs {
		recs[i] = recordAt(fmt.Sprintf("img-%05d", i), rng.Float64()*extent, rng.Float64()*extent)
	}
	return recs
}

// lineRecords lays out 30x10 images at 10m spacing so that a 100m grid
// yields three boxes of 100 images in a row. Every tenth column is nudged
// off the cell boundary.
func lineRecords() []geo.ImageRecord {
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
	return recs
}

func defaultParams() Params {
	return Params{BoxSizeMeters: 100, MarginMeters: 10, MaxPairsPerBox: 100000, MinBoxSizeMeters: 10}
}

func TestPartitionCoverage(t *testing.T) {
	tests := []struct {
		name   string
		seed   int64
		n      int
		extent float64
		params Params
	}{
		{"sparse", 1, 200, 1000, defaultParams()},
		{"dense split", 2, 2000, 300, Params{BoxSizeMeters: 150, MarginMeters: 10, MaxPairsPerBox: 5000, MinBoxSizeMeters: 10}},
		{"zero margin", 3, 500, 500, Params{BoxSizeMeters: 100, MarginMeters: 0, MaxPairsPerBox: 100000}},
		{"tiny footprint", 4, 50, 1, defaultParams()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := randomRecords(tt.seed, tt.n, tt.extent)
			res, err := Partition(geo.NewIndex(recs), tt.params)
			require.NoError(t, err)

			covered := map[string]int{}
			for _, b := range res.Boxes {
				require.NotEmpty(t, b.Images, "box %s", b.ID)
				for _, id := range b.Images {
					covered[id]++
				}
			}
			for _, r := range recs {
				assert.GreaterOrEqual(t, covered[r.ID], 1, "image %s not covered", r.ID)
			}

			total := 0
			for _, b := range res.Boxes {
				total += b.CoreCount
			}
			assert.Equal(t, len(recs), total, "every image has exactly one core box")
		})
	}
}

func TestPartitionDegenerate(t *testing.T) {
	t.Run("no images", func(t *testing.T) {
		res, err := Partition(geo.NewIndex(nil), defaultParams())
		require.NoError(t, err)
		require.Len(t, res.Boxes, 1)
		assert.Empty(t, res.Boxes[0].Images)
		assert.Empty(t, res.Adjacent)
	})

	t.Run("single image", func(t *testing.T) {
		res, err := Partition(geo.NewIndex([]geo.ImageRecord{recordAt("solo", 0, 0)}), defaultParams())
		require.NoError(t, err)
		require.Len(t, res.Boxes, 1)
		assert.Equal(t, []string{"solo"}, res.Boxes[0].Images)
	})

	t.Run("single point cluster", func(t *testing.T) {
		var recs []geo.ImageRecord
		for i := 0; i < 600; i++ {
			recs = append(recs, recordAt(fmt.Sprintf("same-%03d", i), 5, 5))
		}
		params := defaultParams()
		params.MaxPairsPerBox = 1000
		res, err := Partition(geo.NewIndex(recs), params)
		require.NoError(t, err)
		require.Len(t, res.Boxes, 1)
		assert.Len(t, res.Boxes[0].Images, 600)
		assert.True(t, res.Boxes[0].OverCeiling)
	})
}

func TestPartitionRefinesUnderCeiling(t *testing.T) {
	recs := randomRecords(9, 3000, 400)
	params := Params{BoxSizeMeters: 400, MarginMeters: 5, MaxPairsPerBox: 20000, MinBoxSizeMeters: 10}
	res, err := Partition(geo.NewIndex(recs), params)
	require.NoError(t, err)

	assert.Greater(t, len(res.Boxes), 4)
	for _, b := range res.Boxes {
		if !b.OverCeiling {
			assert.LessOrEqual(t, b.ExhaustivePairs(), int64(params.MaxPairsPerBox), "box %s", b.ID)
		}
		assert.Greater(t, b.Depth, 0)
	}
}

func TestPartitionDeterministic(t *testing.T) {
	recs := randomRecords(5, 800, 600)
	a, err := Partition(geo.NewIndex(recs), defaultParams())
	require.NoError(t, err)

	shuffled := append([]geo.ImageRecord(nil), recs...)
	rand.New(rand.NewSource(11)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	b, err := Partition(geo.NewIndex(shuffled), defaultParams())
	require.NoError(t, err)

	require.Equal(t, len(a.Boxes), len(b.Boxes))
	for i := range a.Boxes {
		assert.Equal(t, a.Boxes[i].ID, b.Boxes[i].ID)
		assert.Equal(t, a.Boxes[i].Images, b.Boxes[i].Images)
	}
	assert.Equal(t, a.Adjacent, b.Adjacent)
}

func TestAdjacencyThreeInLine(t *testing.T) {
	recs := lineRecords()
	params := Params{BoxSizeMeters: 100, MarginMeters: 12, MaxPairsPerBox: 100000}
	res, err := Partition(geo.NewIndex(recs), params)
	require.NoError(t, err)

	require.Len(t, res.Boxes, 3)
	for _, b := range res.Boxes {
		assert.Equal(t, 100, b.CoreCount)
	}
	require.Len(t, res.Adjacent, 2, "box 1 and box 3 are not adjacent")
	for _, adj := range res.Adjacent {
		assert.Len(t, adj.Images, 30)
		a, _ := res.Box(adj.A)
		b, _ := res.Box(adj.B)
		assert.Subset(t, a.Images, adj.Images)
		assert.Subset(t, b.Images, adj.Images)
	}
}

func TestCornerTouchIsNotAdjacent(t *testing.T) {
	recs := []geo.ImageRecord{
		recordAt("sw", 10, 10),
		recordAt("ne", 150, 150),
	}
	res, err := Partition(geo.NewIndex(recs), defaultParams())
	require.NoError(t, err)
	require.Len(t, res.Boxes, 2)
	assert.Empty(t, res.Adjacent)
}

func TestSharesEdge(t *testing.T) {
	a := Rect{0, 0, 10, 10}
	assert.True(t, sharesEdge(a, Rect{10, 0, 20, 10}))
	assert.True(t, sharesEdge(a, Rect{10, 5, 15, 8}))
	assert.True(t, sharesEdge(a, Rect{0, 10, 10, 20}))
	assert.False(t, sharesEdge(a, Rect{10, 10, 20, 20}))
	assert.False(t, sharesEdge(a, Rect{11, 0, 20, 10}))
}

func TestCoverageError(t *testing.T) {
	err := checkCoverage([]string{"a", "b"}, []Box{{Images: []string{"a"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCoverage)
	assert.Contains(t, err.Error(), "b")
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, defaultParams().Validate())
	assert.Error(t, Params{BoxSizeMeters: 0, MaxPairsPerBox: 1}.Validate())
	assert.Error(t, Params{BoxSizeMeters: 100, MarginMeters: 50, MaxPairsPerBox: 1}.Validate())
	assert.Error(t, Params{BoxSizeMeters: 100, MarginMeters: -1, MaxPairsPerBox: 1}.Validate())
	assert.Error(t, Params{BoxSizeMeters: 100, MaxPairsPerBox: 0}.Validate())
}

func TestEstimate(t *testing.T) {
	recs := lineRecords()
	res, err := Partition(geo.NewIndex(recs), Params{BoxSizeMeters: 100, MarginMeters: 12, MaxPairsPerBox: 100000})
	require.NoError(t, err)

	est := res.Estimate(len(recs), 8)
	assert.Equal(t, 3, est.BoxCount)
	assert.Equal(t, 2, est.AdjacentPairs)
	assert.Equal(t, 60, est.FringeImages)
	assert.Equal(t, int64(2*435), est.FringePairs)
	assert.Equal(t, 130, est.MaxBoxImages)
	assert.Greater(t, est.ExhaustivePairs, est.SpatialPairs)
}
