package reconstruct

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/geomatch/internal/graph"
	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/types"
)

// PartitionSpec describes a partition to reconstruct.
type PartitionSpec struct {
	Partition    *matchstore.PartitionDatabase
	DatabasePath string
	InitPair     *types.PairKey
}

// Components splits the resolved images of pdb into connected components
// over edges with at least threshold inliers. Multi-image components are
// returned largest first; singletons are returned separately.
func Components(pdb *matchstore.PartitionDatabase, threshold int) (comps [][]string, singletons []string) {
	missing := make(map[string]struct{}, len(pdb.Missing))
	for _, id := range pdb.Missing {
		missing[id] = struct{}{}
	}
	present := make([]string, 0, len(pdb.Images))
	for _, id := range pdb.Images {
		if _, ok := missing[id]; !ok {
			present = append(present, id)
		}
	}

	for _, c := range graph.FromVerified(pdb.Pairs, threshold).Induced(present).Components() {
		if len(c) < 2 {
			singletons = append(singletons, c...)
			continue
		}
		comps = append(comps, c)
	}
	return comps, singletons
}

// ComponentRunID names the run of a component after its smallest image id,
// so the name survives the component growing or being listed in a
// different position between invocations.
func ComponentRunID(partitionID string, comp []string) string {
	anchor := ""
	for _, id := range comp {
		if anchor == "" || id < anchor {
			anchor = id
		}
	}
	return fmt.Sprintf("%s-cc%s", partitionID, matchstore.SubsetID([]string{anchor})[:8])
}

// ReconstructPartition runs every multi-image component of the partition
// as its own run. A failed run does not stop the others; its error is
// carried in its report.
func (c *Coordinator) ReconstructPartition(ctx context.Context, spec PartitionSpec) (*PartitionReport, error) {
	pdb := spec.Partition
	if pdb == nil {
		return nil, fmt.Errorf("partition is required")
	}
	comps, singletons := Components(pdb, c.params.InlierThreshold)

	overrideFor := -1
	if spec.InitPair != nil {
		for k, comp := range comps {
			if containsBoth(comp, *spec.InitPair) {
				overrideFor = k
				break
			}
		}
		if overrideFor < 0 {
			return nil, fmt.Errorf("%w: %s is not inside a connected component", ErrInvalidInitPair, spec.InitPair)
		}
	}

	log := c.log.WithFields(map[string]interface{}{"partition": pdb.ID})
	log.Infow("partition components",
		"components", len(comps),
		"unreachable", len(singletons),
	)

	report := &PartitionReport{
		PartitionID: pdb.ID,
		Components:  len(comps),
		Runs:        make([]*Report, len(comps)),
		Unreachable: singletons,
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.params.Workers)
	for k, comp := range comps {
		k, comp := k, comp
		rs := RunSpec{
			RunID:        ComponentRunID(pdb.ID, comp),
			Partition:    pdb,
			DatabasePath: spec.DatabasePath,
			Images:       comp,
			Components:   len(comps),
		}
		if k == overrideFor {
			rs.InitPair = spec.InitPair
		}
		g.Go(func() error {
			rep, err := c.Run(ctx, rs)
			if rep == nil {
				rep = &Report{RunID: rs.RunID, PartitionID: pdb.ID, Images: len(comp), Components: len(comps), Err: err, LostProgress: true}
			}
			if err != nil {
				log.Errorw("component run failed", "run", rs.RunID, "error", err)
			}
			mu.Lock()
			report.Runs[k] = rep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report, ctx.Err()
}

func containsBoth(ids []string, key types.PairKey) bool {
	a, b := false, false
	for _, id := range ids {
		if id == key.A {
			a = true
		}
		if id == key.B {
			b = true
		}
	}
	return a && b
}
