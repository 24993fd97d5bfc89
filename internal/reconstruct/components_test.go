package reconstruct

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/types"
)

func twoIslandPartition() *matchstore.PartitionDatabase {
	pairs := []types.VerifiedPair{
		vp("a1", "a2", 300, 2),
		vp("a2", "a3", 150, 2),
		vp("a3", "a4", 150, 2),
		vp("b1", "b2", 250, 2),
		vp("b2", "b3", 150, 2),
		vp("a4", "b1", 10, 2),  // below threshold
		vp("a1", "s1", 200, 1), // degenerate
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key.Less(pairs[j].Key) })
	return &matchstore.PartitionDatabase{
		ID:      "p",
		Images:  []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3", "m1", "s1"},
		Pairs:   pairs,
		Missing: []string{"m1"},
	}
}

func TestComponents(t *testing.T) {
	comps, singletons := Components(twoIslandPartition(), 30)
	assert.Equal(t, [][]string{
		{"a1", "a2", "a3", "a4"},
		{"b1", "b2", "b3"},
	}, comps)
	assert.Equal(t, []string{"s1"}, singletons)

	comps, singletons = Components(twoIslandPartition(), 5)
	assert.Equal(t, [][]string{{"a1", "a2", "a3", "a4", "b1", "b2", "b3"}}, comps)
	assert.Equal(t, []string{"s1"}, singletons)
}

func TestReconstructPartitionRunsEachComponent(t *testing.T) {
	pdb := twoIslandPartition()
	eng := &fakeEngine{script: func(req RunRequest, n int) []scriptStep { return remaining(req) }}
	c, _ := newTestCoordinator(t, eng, testParams())

	rep, err := c.ReconstructPartition(context.Background(), PartitionSpec{Partition: pdb})
	require.NoError(t, err)

	assert.Equal(t, "p", rep.PartitionID)
	assert.Equal(t, 2, rep.Components)
	assert.Equal(t, []string{"s1"}, rep.Unreachable)
	require.Len(t, rep.Runs, 2)

	assert.Equal(t, ComponentRunID("p", []string{"a1", "a2", "a3", "a4"}), rep.Runs[0].RunID)
	assert.Equal(t, 4, rep.Runs[0].Images)
	assert.Equal(t, StateConverged, rep.Runs[0].State)
	assert.Equal(t, types.NewPairKey("a1", "a2"), *rep.Runs[0].InitPair)

	assert.Equal(t, ComponentRunID("p", []string{"b1", "b2", "b3"}), rep.Runs[1].RunID)
	assert.Equal(t, 3, rep.Runs[1].Images)
	assert.Equal(t, StateConverged, rep.Runs[1].State)
	assert.Equal(t, types.NewPairKey("b1", "b2"), *rep.Runs[1].InitPair)

	for _, r := range rep.Runs {
		assert.Equal(t, 2, r.Components)
	}
	for _, req := range eng.requests() {
		assert.NotContains(t, req.Images, "s1")
		assert.NotContains(t, req.Images, "m1")
	}
}

func TestReconstructPartitionOverrideAppliesToItsComponent(t *testing.T) {
	pdb := twoIslandPartition()
	eng := &fakeEngine{script: func(req RunRequest, n int) []scriptStep { return remaining(req) }}
	c, _ := newTestCoordinator(t, eng, testParams())

	key := types.NewPairKey("b2", "b3")
	rep, err := c.ReconstructPartition(context.Background(), PartitionSpec{Partition: pdb, InitPair: &key})
	require.NoError(t, err)
	assert.Equal(t, types.NewPairKey("a1", "a2"), *rep.Runs[0].InitPair)
	assert.Equal(t, key, *rep.Runs[1].InitPair)
}

func TestReconstructPartitionRejectsOverrideAcrossComponents(t *testing.T) {
	pdb := twoIslandPartition()
	eng := &fakeEngine{script: func(req RunRequest, n int) []scriptStep { return remaining(req) }}
	c, _ := newTestCoordinator(t, eng, testParams())

	key := types.NewPairKey("a4", "b1")
	_, err := c.ReconstructPartition(context.Background(), PartitionSpec{Partition: pdb, InitPair: &key})
	assert.ErrorIs(t, err, ErrInvalidInitPair)
	assert.Zero(t, eng.openCount())
}

func TestReconstructPartitionIsolatesFailures(t *testing.T) {
	pdb := twoIslandPartition()
	eng := &fakeEngine{script: func(req RunRequest, n int) []scriptStep {
		if req.RunID == ComponentRunID("p", []string{"a1"}) {
			return []scriptStep{{err: assert.AnError}}
		}
		return remaining(req)
	}}
	c, _ := newTestCoordinator(t, eng, testParams())

	rep, err := c.ReconstructPartition(context.Background(), PartitionSpec{Partition: pdb})
	require.NoError(t, err)
	assert.ErrorIs(t, rep.Runs[0].Err, assert.AnError)
	assert.True(t, rep.Runs[0].LostProgress)
	assert.NoError(t, rep.Runs[1].Err)
	assert.Equal(t, StateConverged, rep.Runs[1].State)
}

func TestComponentRunIDFollowsContent(t *testing.T) {
	id := ComponentRunID("p", []string{"a3", "a1", "a2"})
	assert.Regexp(t, `^p-cc[0-9a-f]{8}$`, id)
	assert.Equal(t, id, ComponentRunID("p", []string{"a1", "a2", "a3", "a9"}), "growth keeps the name")
	assert.NotEqual(t, id, ComponentRunID("p", []string{"b1", "b2"}))
	assert.NotEqual(t, id, ComponentRunID("q", []string{"a1", "a2"}))
}

func TestReconstructPartitionKeepsRunsWhenComponentsReorder(t *testing.T) {
	pdb := twoIslandPartition()
	eng := &fakeEngine{script: func(req RunRequest, n int) []scriptStep { return remaining(req) }}
	c, _ := newTestCoordinator(t, eng, testParams())

	first, err := c.ReconstructPartition(context.Background(), PartitionSpec{Partition: pdb})
	require.NoError(t, err)
	bRun := first.Runs[1].RunID

	// New geometry grows the b island past the a island.
	grown := twoIslandPartition()
	grown.Images = append(grown.Images, "b4", "b5")
	grown.Pairs = append(grown.Pairs, vp("b3", "b4", 150, 2), vp("b4", "b5", 150, 2))
	sort.Slice(grown.Pairs, func(i, j int) bool { return grown.Pairs[i].Key.Less(grown.Pairs[j].Key) })

	second, err := c.ReconstructPartition(context.Background(), PartitionSpec{Partition: grown})
	require.NoError(t, err)
	require.Len(t, second.Runs, 2)
	assert.Equal(t, bRun, second.Runs[0].RunID)
	assert.Equal(t, 5, second.Runs[0].Images)
	assert.Equal(t, first.Runs[0].RunID, second.Runs[1].RunID)
	assert.True(t, second.Runs[1].Skipped, "finished island is not rerun")
}
