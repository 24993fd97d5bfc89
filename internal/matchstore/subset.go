package matchstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/metrics"
	"github.com/dbsmedya/geomatch/internal/types"
)

// Neighbor is one entry of an image's neighbor list.
type Neighbor struct {
	ID      int64
	Inliers int
	Config  int
}

// PartitionDatabase is the set of verified pairs whose endpoints both lie in
// an image subset, taken at one index version.
type PartitionDatabase struct {
	ID           string
	IndexVersion int64
	Images       []string
	Pairs        []types.VerifiedPair
	Missing      []string // requested images the index does not know

	engineIDs map[string]int64
	pairIDs   []int64
}

// EngineID returns the engine image id of a record id in the subset.
func (p *PartitionDatabase) EngineID(id string) (int64, bool) {
	eid, ok := p.engineIDs[id]
	return eid, ok
}

// EngineIDs returns the engine ids of the resolved images, ascending.
func (p *PartitionDatabase) EngineIDs() []int64 {
	out := make([]int64, 0, len(p.engineIDs))
	for _, eid := range p.engineIDs {
		out = append(out, eid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PairIDs returns the engine pair ids of the subset's pairs, ascending.
func (p *PartitionDatabase) PairIDs() []int64 { return p.pairIDs }

// Pair returns the verified pair for key, if present.
func (p *PartitionDatabase) Pair(key types.PairKey) (types.VerifiedPair, bool) {
	i := sort.Search(len(p.Pairs), func(i int) bool { return !p.Pairs[i].Key.Less(key) })
	if i < len(p.Pairs) && p.Pairs[i].Key == key {
		return p.Pairs[i], true
	}
	return types.VerifiedPair{}, false
}

// SubsetID is the content id of an image set. The same set always yields
// the same id regardless of order or duplicates.
func SubsetID(ids []string) string {
	sorted := dedupe(ids)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subset returns every indexed verified pair whose two endpoints are both in
// ids. Cost is proportional to the summed degree of the subset, not to the
// size of the store. The index is never modified.
func (ix *Index) Subset(ctx context.Context, ids []string) (*PartitionDatabase, error) {
	start := time.Now()
	defer func() {
		metrics.SubsetDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	}()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	tx, err := ix.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin subset read: %w", err)
	}
	defer tx.Rollback()

	version, err := readVersion(ctx, tx)
	if err != nil {
		return nil, err
	}

	images := dedupe(ids)
	resolved, err := lookupIDs(ctx, tx, images)
	if err != nil {
		return nil, err
	}

	pdb := &PartitionDatabase{
		ID:           SubsetID(images),
		IndexVersion: version,
		Images:       images,
		engineIDs:    resolved,
	}

	set := roaring.New()
	byEngine := make(map[int64]string, len(resolved))
	for _, id := range images {
		eid, ok := resolved[id]
		if !ok {
			pdb.Missing = append(pdb.Missing, id)
			continue
		}
		set.Add(uint32(eid))
		byEngine[eid] = id
	}

	it := set.Iterator()
	for it.HasNext() {
		eid := int64(it.Next())
		nbrs, err := ix.neighbors(ctx, tx, version, eid)
		if err != nil {
			return nil, err
		}
		for _, n := range nbrs {
			if n.ID <= eid || !set.Contains(uint32(n.ID)) {
				continue
			}
			pdb.Pairs = append(pdb.Pairs, types.VerifiedPair{
				Key:     types.NewPairKey(byEngine[eid], byEngine[n.ID]),
				Inliers: n.Inliers,
				Config:  n.Config,
			})
			pdb.pairIDs = append(pdb.pairIDs, colmap.PairID(eid, n.ID))
		}
	}

	sort.Slice(pdb.Pairs, func(i, j int) bool { return pdb.Pairs[i].Key.Less(pdb.Pairs[j].Key) })
	sort.Slice(pdb.pairIDs, func(i, j int) bool { return pdb.pairIDs[i] < pdb.pairIDs[j] })

	ix.log.Debugw("subset extracted",
		"subset", pdb.ID,
		"images", len(images),
		"missing", len(pdb.Missing),
		"pairs", len(pdb.Pairs),
		"version", version,
	)
	return pdb, nil
}

// Pairs returns the known verified pairs among ids. It lets the expansion
// engine seed its graph from the index.
func (ix *Index) Pairs(ctx context.Context, ids []string) ([]types.VerifiedPair, error) {
	pdb, err := ix.Subset(ctx, ids)
	if err != nil {
		return nil, err
	}
	return pdb.Pairs, nil
}

// Neighbors returns the neighbor list of one engine image id.
func (ix *Index) Neighbors(ctx context.Context, imageID int64) ([]Neighbor, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	tx, err := ix.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	version, err := readVersion(ctx, tx)
	if err != nil {
		return nil, err
	}
	return ix.neighbors(ctx, tx, version, imageID)
}

func (ix *Index) neighbors(ctx context.Context, tx *sql.Tx, version, imageID int64) ([]Neighbor, error) {
	if ix.cache != nil {
		nbrs, ok, err := ix.cache.Get(ctx, version, imageID)
		if err != nil {
			ix.log.Warnw("neighbor cache read failed", "image_id", imageID, "error", err)
		} else if ok {
			metrics.CacheHitsTotal.Inc()
			return nbrs, nil
		}
		metrics.CacheMissesTotal.Inc()
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT neighbor_id, inliers, config FROM neighbors WHERE image_id = ? ORDER BY neighbor_id", imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read neighbors of %d: %w", imageID, err)
	}
	defer rows.Close()

	var nbrs []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ID, &n.Inliers, &n.Config); err != nil {
			return nil, err
		}
		nbrs = append(nbrs, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if ix.cache != nil {
		if err := ix.cache.Set(ctx, version, imageID, nbrs); err != nil {
			ix.log.Warnw("neighbor cache write failed", "image_id", imageID, "error", err)
		}
	}
	return nbrs, nil
}
