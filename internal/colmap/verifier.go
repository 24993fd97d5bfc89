package colmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dbsmedya/geomatch/internal/expansion"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/pairs"
	"github.com/dbsmedya/geomatch/internal/types"
)

// MatchVerifier verifies pairs with `colmap matches_importer` against the
// global database and reads the resulting two-view geometries back.
type MatchVerifier struct {
	runner  *Runner
	dbPath  string
	workDir string
	log     *logger.Logger

	// matches_importer writes the shared database; one run at a time.
	mu  sync.Mutex
	seq int
}

// NewMatchVerifier creates a verifier over the database at dbPath. Pair
// lists are written under workDir.
func NewMatchVerifier(runner *Runner, dbPath, workDir string, log *logger.Logger) *MatchVerifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &MatchVerifier{runner: runner, dbPath: dbPath, workDir: workDir, log: log}
}

var _ expansion.Verifier = (*MatchVerifier)(nil)

// Verify implements expansion.Verifier. Pairs whose images are unknown to
// the database or that produced no geometry are omitted from the result.
func (v *MatchVerifier) Verify(ctx context.Context, keys []types.PairKey) ([]expansion.Verification, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	listPath := filepath.Join(v.workDir, fmt.Sprintf("verify-%06d.txt", v.seq))
	if err := pairs.WritePairFile(listPath, keys); err != nil {
		return nil, fmt.Errorf("failed to write pair list: %w", err)
	}
	defer os.Remove(listPath)

	err := v.runner.Run(ctx, "matches_importer",
		"--database_path", v.dbPath,
		"--match_list_path", listPath,
		"--match_type", "pairs",
		"--FeatureMatching.use_gpu", v.runner.gpuFlag(),
		"--FeatureMatching.gpu_index", "-1",
		"--FeatureMatching.guided_matching", "1",
	)
	if err != nil {
		return nil, err
	}

	return v.readBack(ctx, keys)
}

func (v *MatchVerifier) readBack(ctx context.Context, keys []types.PairKey) ([]expansion.Verification, error) {
	db, err := Open(ctx, v.dbPath, true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	seen := make(map[string]struct{}, len(keys)*2)
	var ids []string
	for _, k := range keys {
		for _, id := range []string{k.A, k.B} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	imageIDs, err := db.ImageIDsForRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	pairIDs := make([]int64, 0, len(keys))
	byPair := make(map[int64]types.PairKey, len(keys))
	missing := 0
	for _, k := range keys {
		a, okA := imageIDs[k.A]
		b, okB := imageIDs[k.B]
		if !okA || !okB {
			missing++
			continue
		}
		pid := PairID(a, b)
		pairIDs = append(pairIDs, pid)
		byPair[pid] = k
	}
	if missing > 0 {
		v.log.Warnw("pairs reference images without features", "pairs", missing)
	}

	geoms, err := db.Geometries(ctx, pairIDs)
	if err != nil {
		return nil, err
	}

	out := make([]expansion.Verification, 0, len(geoms))
	for _, pid := range pairIDs {
		g, ok := geoms[pid]
		if !ok {
			continue
		}
		out = append(out, expansion.Verification{
			Key:      byPair[pid],
			Verified: g.Verified(),
			Inliers:  g.Rows,
			Config:   g.Config,
		})
	}
	return out, nil
}
