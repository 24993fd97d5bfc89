package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dbsmedya/geomatch/internal/catalog"
	"github.com/dbsmedya/geomatch/internal/config"
	"github.com/dbsmedya/geomatch/internal/expansion"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/dbsmedya/geomatch/internal/reconstruct"
	"github.com/dbsmedya/geomatch/internal/snapshot"
	"github.com/dbsmedya/geomatch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInitPair(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *types.PairKey
		wantErr bool
	}{
		{name: "empty means automatic", input: "", want: nil},
		{name: "ordered", input: "img01,img07", want: &types.PairKey{A: "img01", B: "img07"}},
		{name: "normalized", input: "img07,img01", want: &types.PairKey{A: "img01", B: "img07"}},
		{name: "spaces trimmed", input: " img01 , img07 ", want: &types.PairKey{A: "img01", B: "img07"}},
		{name: "single id", input: "img01", wantErr: true},
		{name: "missing second", input: "img01,", wantErr: true},
		{name: "same image twice", input: "img01,img01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInitPair(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComponentOf(t *testing.T) {
	comps := [][]string{
		{"a", "b", "c"},
		{"d", "e"},
	}

	assert.Equal(t, []string{"d", "e"}, componentOf(comps, []string{"e", "a"}))
	assert.Equal(t, []string{"a", "b", "c"}, componentOf(comps, []string{"b"}))
	assert.Nil(t, componentOf(comps, []string{"z"}))
	assert.Nil(t, componentOf(comps, nil))
}

func TestFilterScopes(t *testing.T) {
	scopes := []expansion.Scope{{ID: "box-0-0-0"}, {ID: "box-0-0-0|box-0-1-0"}}

	got := filterScopes(scopes, "box-0-0-0|box-0-1-0")
	require.Len(t, got, 1)
	assert.Equal(t, "box-0-0-0|box-0-1-0", got[0].ID)

	assert.Empty(t, filterScopes(scopes, "box-9-9-9"))
}

func TestReadIDList(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("# subset\nimg01\n\n  img02  \nimg03\n"), 0o644))
	ids, err := readIDList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"img01", "img02", "img03"}, ids)

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n\n"), 0o644))
	_, err = readIDList(empty)
	assert.ErrorContains(t, err, "is empty")

	_, err = readIDList(filepath.Join(dir, "missing.txt"))
	assert.ErrorContains(t, err, "failed to open image list")
}

func TestSubsetFlagsResolveIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("img01\nimg02\n"), 0o644))

	t.Run("images file", func(t *testing.T) {
		f := subsetFlags{images: path}
		ids, err := f.resolveIn(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"img01", "img02"}, ids)
	})

	t.Run("mutually exclusive", func(t *testing.T) {
		f := subsetFlags{box: "box-0-0-0", images: path}
		_, err := f.resolveIn(nil, nil)
		assert.ErrorContains(t, err, "mutually exclusive")
	})

	t.Run("nothing selected", func(t *testing.T) {
		f := subsetFlags{}
		_, err := f.resolveIn(nil, nil)
		assert.ErrorContains(t, err, "required")
	})
}

func TestLargestBoxes(t *testing.T) {
	est := &partition.Estimate{Boxes: []partition.BoxEstimate{
		{ID: "box-0-0-0", Images: 10, CoreImages: 8, ExhaustivePairs: 45, SpatialPairs: 40},
		{ID: "box-0-0-2", Images: 30, CoreImages: 25, ExhaustivePairs: 435, SpatialPairs: 120},
		{ID: "box-0-0-1", Images: 30, CoreImages: 27, ExhaustivePairs: 435, SpatialPairs: 120, OverCeiling: true},
		{ID: "box-0-1-0", Images: 5, CoreImages: 5, ExhaustivePairs: 10, SpatialPairs: 10},
	}}

	rows := largestBoxes(est, 2)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"box-0-0-1", "30", "27", "435", "120", "over ceiling"}, rows[0])
	assert.Equal(t, []string{"box-0-0-2", "30", "25", "435", "120", ""}, rows[1])

	// The estimate itself stays in its original order.
	assert.Equal(t, "box-0-0-0", est.Boxes[0].ID)

	assert.Len(t, largestBoxes(est, 0), 4)
}

func TestRunChecks(t *testing.T) {
	buf := captureOutput(t)

	ok := runChecks(context.Background(), []check{
		{"First", func(ctx context.Context) (string, error) { return "3 images", nil }},
		{"Second", func(ctx context.Context) (string, error) { return "", errors.New("unreachable") }},
		{"Third", func(ctx context.Context) (string, error) { return "", nil }},
	})

	assert.False(t, ok)
	out := buf.String()
	assert.Contains(t, out, "✅ First (3 images)")
	assert.Contains(t, out, "❌ Second: unreachable")
	assert.Contains(t, out, "✅ Third\n")
}

func TestFileCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	got, err := fileCheck(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = fileCheck(dir)
	assert.ErrorContains(t, err, "is a directory")

	_, err = fileCheck(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestImageFilesCheck(t *testing.T) {
	dir := t.TempDir()
	images := filepath.Join(dir, "raw")
	require.NoError(t, os.Mkdir(images, 0o755))
	meta := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(meta, []byte(`{"downloaded_ids": {
		"img01": {"lat": 37.77, "lon": -122.41},
		"img02": {"lat": "37.78", "lon": "-122.42"},
		"img03": {"lat": null, "lon": null}
	}}`), 0o644))

	touch := func(name string) {
		require.NoError(t, os.WriteFile(filepath.Join(images, name), []byte("jpg"), 0o644))
	}
	touch("img01.jpg")
	touch("img02.jpg")

	t.Run("id without coordinates still needs a file", func(t *testing.T) {
		_, err := imageFilesCheck(meta, images)
		assert.ErrorContains(t, err, "1 of 3 ids have no file")
		assert.ErrorContains(t, err, "img03")
	})

	touch("img03.jpg")
	t.Run("all present", func(t *testing.T) {
		detail, err := imageFilesCheck(meta, images)
		require.NoError(t, err)
		assert.Equal(t, "3 images", detail)
	})

	touch("img99.jpg")
	touch(".DS_Store")
	require.NoError(t, os.Mkdir(filepath.Join(images, "thumbs"), 0o755))
	t.Run("extra files are reported", func(t *testing.T) {
		detail, err := imageFilesCheck(meta, images)
		require.NoError(t, err)
		assert.Equal(t, "3 images, 1 files not in metadata", detail)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := imageFilesCheck(meta, filepath.Join(dir, "absent"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("list form metadata", func(t *testing.T) {
		listMeta := filepath.Join(dir, "ids.json")
		require.NoError(t, os.WriteFile(listMeta, []byte(`{"downloaded_ids": ["img01", "img04"]}`), 0o644))
		_, err := imageFilesCheck(listMeta, images)
		assert.ErrorContains(t, err, "1 of 2 ids have no file")
		assert.ErrorContains(t, err, "img04")
	})
}

func TestRunChecksReportsImageFiles(t *testing.T) {
	dir := t.TempDir()
	meta := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(meta, []byte(`{"downloaded_ids": ["img01"]}`), 0o644))

	buf := captureOutput(t)
	ok := runChecks(context.Background(), []check{
		{"Image files", func(ctx context.Context) (string, error) {
			return imageFilesCheck(meta, dir)
		}},
	})

	assert.False(t, ok)
	assert.Contains(t, buf.String(), "❌ Image files: 1 of 1 ids have no file in "+dir+": img01")
}

func TestPrintRuns(t *testing.T) {
	buf := captureOutput(t)

	printRuns([]*catalog.Run{
		{RunID: "p1-cc0", State: "converged", Images: 40, Registered: 38, Ratio: 0.95,
			SnapshotID: "p1-cc0-s0003", UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{RunID: "p1-cc1", State: "interrupted", Images: 20, Registered: 4, Ratio: 0.2,
			LostProgress: true, ErrorMessage: "context canceled"},
	})

	out := buf.String()
	assert.Contains(t, out, "38/40")
	assert.Contains(t, out, "95.0%")
	assert.Contains(t, out, "p1-cc0-s0003")
	assert.Contains(t, out, "progress lost context canceled")
}

func TestPrintCatalogStats(t *testing.T) {
	buf := captureOutput(t)

	printCatalogStats(&catalog.Stats{
		Boxes:      4,
		Pairs:      map[string]int{"proposed": 10, "verified-high-inlier": 3},
		Runs:       map[string]int{"converged": 1},
		Snapshots:  5,
		FinalSnaps: 1,
	})

	out := buf.String()
	assert.Contains(t, out, "[Catalog]")
	assert.Contains(t, out, "5 (1 final)")
	assert.Less(t, strings.Index(out, "Pairs proposed"), strings.Index(out, "Pairs verified-high-inlier"))
	assert.Less(t, strings.Index(out, "Pairs verified-high-inlier"), strings.Index(out, "Runs converged"))
}

func TestPrintSnapshotsMarksHead(t *testing.T) {
	buf := captureOutput(t)

	printSnapshots([]*snapshot.Snapshot{
		{ID: "p1-cc0-s0001", Registered: []string{"a", "b"}, NumPoints: 100},
		{ID: "p1-cc0-s0002", Parent: "p1-cc0-s0001", Registered: []string{"a", "b", "c"},
			Final: true, State: "converged"},
	}, "p1-cc0-s0002")

	out := buf.String()
	assert.Contains(t, out, "*p1-cc0-s0002")
	assert.NotContains(t, out, "*p1-cc0-s0001")
	assert.Contains(t, out, "registering")
}

func TestPrintPartitionReport(t *testing.T) {
	buf := captureOutput(t)

	printPartitionReport(&reconstruct.PartitionReport{
		PartitionID: "p1",
		Components:  3,
		Runs: []*reconstruct.Report{
			{RunID: "p1-cc0", State: reconstruct.StateConverged, Images: 10, Registered: 10, Ratio: 1},
			{RunID: "p1-cc1", State: reconstruct.StateConverged, Skipped: true},
			{RunID: "p1-cc2", Cancelled: true, LostProgress: true, Err: context.Canceled},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Reconstruction: p1")
	assert.Contains(t, out, "already finished")
	assert.Contains(t, out, "interrupted")
	assert.Contains(t, out, "progress lost")
	assert.NotContains(t, out, "context canceled")
}


func TestPlanSections(t *testing.T) {
	a := &app{cfg: config.DefaultConfig()}
	est := &partition.Estimate{
		TotalImages:   100,
		BoxCount:      4,
		SpatialPairs:  400,
		FringePairs:   200,
		MaxBoxImages:  40,
		AdjacentPairs: 4,
	}

	sections := planSections(a, est)

	assert.Equal(t, []string{"Partition", "Candidate Pairs", "Expansion", "Reconstruction"}, sections.Keys())

	work, ok := sections.Get("Candidate Pairs")
	require.True(t, ok)
	total, _ := work.Get("Global exhaustive")
	assert.Equal(t, "4950", total)
	reduction, _ := work.Get("Reduction")
	assert.Equal(t, "87.9%", reduction)

	exp, _ := sections.Get("Expansion")
	threshold, _ := exp.Get("Inlier threshold")
	assert.Equal(t, "30", threshold)
}
