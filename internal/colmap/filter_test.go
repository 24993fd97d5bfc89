package colmap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countRows(t *testing.T, db *DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.SQL().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := seedDB(t, filepath.Join(dir, "database.db"), 5, []testGeometry{
		{1, 2, 120, 2},
		{2, 3, 80, 2},
		{3, 4, 45, 3},
		{1, 5, 31, 2},
	})

	dst := filepath.Join(dir, "subset.db")
	stats, err := Filter(ctx, src.Path(), dst, []int64{2, 3, 4}, []int64{PairID(2, 3), PairID(3, 4)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Images())
	assert.Equal(t, int64(2), stats.Geometries())
	assert.Equal(t, int64(2), stats.Tables["cameras"])
	assert.Equal(t, int64(3), stats.Tables["keypoints"])
	assert.Equal(t, int64(3), stats.Tables["pose_priors"])
	assert.Equal(t, int64(2), stats.Tables["matches"])

	out, err := Open(ctx, dst, true)
	require.NoError(t, err)
	defer out.Close()

	imgs, err := out.Images(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, img := range imgs {
		ids = append(ids, img.ID)
	}
	assert.Equal(t, []int64{2, 3, 4}, ids, "image ids are kept")

	geoms, err := out.Geometries(ctx, []int64{PairID(2, 3), PairID(3, 4), PairID(1, 2)})
	require.NoError(t, err)
	assert.Len(t, geoms, 2)
	assert.Equal(t, int64(3), countRows(t, out, "descriptors"))
}

func TestFilterKeepsOnlyUsedCameras(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := seedDB(t, filepath.Join(dir, "database.db"), 4, nil)

	// Images 1 and 3 use camera 2.
	stats, err := Filter(ctx, src.Path(), filepath.Join(dir, "odd.db"), []int64{1, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Tables["cameras"])
	assert.Equal(t, int64(0), stats.Geometries())
}

func TestFilterRefusesExistingOutput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := seedDB(t, filepath.Join(dir, "database.db"), 2, nil)

	dst := filepath.Join(dir, "subset.db")
	require.NoError(t, os.WriteFile(dst, []byte("keep"), 0o644))
	_, err := Filter(ctx, src.Path(), dst, []int64{1}, nil)
	require.Error(t, err)

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))
}

func TestFilterMissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "subset.db")
	_, err := Filter(context.Background(), filepath.Join(dir, "absent.db"), dst, []int64{1}, nil)
	require.Error(t, err)
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestOrderTables(t *testing.T) {
	in := []schemaObject{{name: "two_view_geometries"}, {name: "cameras"}, {name: "keypoints"}, {name: "images"}}
	var got []string
	for _, o := range orderTables(in) {
		got = append(got, o.name)
	}
	assert.Equal(t, []string{"images", "cameras", "keypoints", "two_view_geometries"}, got)
}

func TestSelectionFor(t *testing.T) {
	tests := []struct {
		table string
		cols  map[string]bool
		want  string
	}{
		{"images", map[string]bool{"image_id": true}, " WHERE image_id IN (SELECT image_id FROM temp.sel_images)"},
		{"cameras", map[string]bool{"camera_id": true}, " WHERE camera_id IN (SELECT camera_id FROM main.images)"},
		{"matches", map[string]bool{"pair_id": true}, " WHERE pair_id IN (SELECT pair_id FROM temp.sel_pairs)"},
		{"keypoints", map[string]bool{"image_id": true}, " WHERE image_id IN (SELECT image_id FROM temp.sel_images)"},
		{"rigs", map[string]bool{"rig_id": true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			assert.Equal(t, tt.want, selectionFor(tt.table, tt.cols, map[string]bool{}))
		})
	}
}
