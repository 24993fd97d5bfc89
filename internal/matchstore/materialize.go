package matchstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/sqlutil"
	"github.com/dbsmedya/geomatch/internal/verifier"
)

// MaterializeResult reports what a materialization wrote and checked.
type MaterializeResult struct {
	Path   string
	Filter *colmap.FilterStats
	Verify *verifier.VerifyStats
}

// Materialize writes a COLMAP database holding only this subset's images and
// pairs, then checks the copy against the source with the given method.
// The copy is built next to dstPath and renamed into place once verified,
// so dstPath either does not exist or is complete. The destination must
// not exist.
func (p *PartitionDatabase) Materialize(ctx context.Context, srcPath, dstPath string, method verifier.VerificationMethod, log *logger.Logger) (*MaterializeResult, error) {
	if log == nil {
		log = logger.NewNop()
	}
	imageIDs := p.EngineIDs()
	if len(imageIDs) == 0 {
		return nil, fmt.Errorf("partition %s has no resolved images", p.ID)
	}
	if _, err := os.Stat(dstPath); err == nil {
		return nil, fmt.Errorf("output database %s already exists", dstPath)
	}

	// A previous attempt killed mid-copy leaves its partial file behind.
	tmp := dstPath + partialSuffix
	removeSQLite(tmp)

	res, err := p.materializeTo(ctx, srcPath, tmp, imageIDs, method, log)
	if err != nil {
		removeSQLite(tmp)
		return res, err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		removeSQLite(tmp)
		return res, fmt.Errorf("failed to move partition database into place: %w", err)
	}
	res.Path = dstPath

	log.Infow("partition materialized",
		"partition", p.ID,
		"index_version", p.IndexVersion,
		"path", dstPath,
		"images", res.Filter.Images(),
		"geometries", res.Filter.Geometries(),
	)
	return res, nil
}

const partialSuffix = ".partial"

func (p *PartitionDatabase) materializeTo(ctx context.Context, srcPath, path string, imageIDs []int64, method verifier.VerificationMethod, log *logger.Logger) (*MaterializeResult, error) {
	stats, err := colmap.Filter(ctx, srcPath, path, imageIDs, p.pairIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize partition %s: %w", p.ID, err)
	}
	res := &MaterializeResult{Path: path, Filter: stats}

	src, err := database.OpenSQLite(ctx, srcPath, true)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst, err := database.OpenSQLite(ctx, path, true)
	if err != nil {
		return nil, err
	}
	defer dst.Close()

	v, err := verifier.NewVerifier(src, dst, sqlutil.SQLite, method, log)
	if err != nil {
		return nil, err
	}
	res.Verify, err = v.Verify(ctx, p.selections(imageIDs))
	if err != nil {
		return res, fmt.Errorf("partition %s failed verification: %w", p.ID, err)
	}
	return res, nil
}

// MaterializedPath is where the database of this subset lives under
// workDir. It changes with the index version, so geometry ingested after
// a materialization never meets a stale copy.
func (p *PartitionDatabase) MaterializedPath(workDir string) string {
	return filepath.Join(workDir, p.ID, fmt.Sprintf("database-v%d.db", p.IndexVersion))
}

// EnsureMaterialized returns the database at MaterializedPath, writing it
// first when it does not exist. reused reports whether an earlier copy
// was found.
func (p *PartitionDatabase) EnsureMaterialized(ctx context.Context, srcPath, workDir string, method verifier.VerificationMethod, log *logger.Logger) (path string, reused bool, err error) {
	path = p.MaterializedPath(workDir)
	if _, err := os.Stat(path); err == nil {
		return path, true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create work directory: %w", err)
	}
	if _, err := p.Materialize(ctx, srcPath, path, method, log); err != nil {
		return "", false, err
	}
	return path, false, nil
}

func removeSQLite(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
}

func (p *PartitionDatabase) selections(imageIDs []int64) []verifier.TableSelection {
	images := make([]interface{}, len(imageIDs))
	for i, id := range imageIDs {
		images[i] = id
	}
	pairs := make([]interface{}, len(p.pairIDs))
	for i, id := range p.pairIDs {
		pairs[i] = id
	}
	return []verifier.TableSelection{
		{Table: "images", KeyColumn: "image_id", Keys: images},
		{Table: "keypoints", KeyColumn: "image_id", Keys: images},
		{Table: "descriptors", KeyColumn: "image_id", Keys: images},
		{Table: "two_view_geometries", KeyColumn: "pair_id", Keys: pairs},
	}
}
