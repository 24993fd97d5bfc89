// Package matchstore indexes verified two-view geometry by image so that the
// pairs of any image subset can be extracted without scanning the global
// match store.
package matchstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/metrics"
	"github.com/dbsmedya/geomatch/internal/types"
)

// ErrUnknownImage is returned when a pair references an image that neither
// the index nor its resolver knows.
var ErrUnknownImage = errors.New("unknown image")

const schema = `
CREATE TABLE IF NOT EXISTS images (
	image_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS neighbors (
	image_id INTEGER NOT NULL,
	neighbor_id INTEGER NOT NULL,
	inliers INTEGER NOT NULL,
	config INTEGER NOT NULL,
	PRIMARY KEY (image_id, neighbor_id)) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL);
INSERT OR IGNORE INTO meta (id, version) VALUES (1, 0);
`

// Source is the global match store the index is built from.
type Source interface {
	Images(ctx context.Context) ([]colmap.Image, error)
	ScanGeometries(ctx context.Context, fn func(colmap.Geometry) error) error
}

// Resolver maps record ids to engine image ids for images the index has
// not seen yet.
type Resolver interface {
	ImageIDsForRecords(ctx context.Context, ids []string) (map[string]int64, error)
}

// Index is the neighbor index. Writes are serialized and versioned; reads
// run under a read lock inside a transaction and never observe a partial
// write.
type Index struct {
	db       *sql.DB
	path     string
	mu       sync.RWMutex
	cache    NeighborCache
	resolver Resolver
	log      *logger.Logger
}

// BuildStats reports what Build ingested.
type BuildStats struct {
	Images   int
	Pairs    int
	Rejected int
	Version  int64
}

// Open opens or creates the index at path.
func Open(ctx context.Context, path string, log *logger.Logger) (*Index, error) {
	if log == nil {
		log = logger.NewNop()
	}
	db, err := database.OpenSQLite(ctx, path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open match index: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create match index schema: %w", err)
	}
	return &Index{db: db, path: path, log: log}, nil
}

// SetCache installs a neighbor-list cache.
func (ix *Index) SetCache(c NeighborCache) { ix.cache = c }

// SetResolver installs the resolver used by Ingest for unseen images.
func (ix *Index) SetResolver(r Resolver) { ix.resolver = r }

// Path returns the index file path.
func (ix *Index) Path() string { return ix.path }

// Close closes the index.
func (ix *Index) Close() error { return ix.db.Close() }

// Version returns the current index version.
func (ix *Index) Version(ctx context.Context) (int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return readVersion(ctx, ix.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readVersion(ctx context.Context, q queryer) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, "SELECT version FROM meta WHERE id = 1").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read index version: %w", err)
	}
	return v, nil
}

// Build scans the source once and ingests every image and every verified
// geometry. Rejected geometries (config <= 1) are skipped.
func (ix *Index) Build(ctx context.Context, src Source) (*BuildStats, error) {
	images, err := src.Images(ctx)
	if err != nil {
		return nil, err
	}

	stats := &BuildStats{Images: len(images)}
	err = ix.write(ctx, func(tx *sql.Tx) error {
		if err := insertImages(ctx, tx, images); err != nil {
			return err
		}
		up, err := prepareUpsert(ctx, tx)
		if err != nil {
			return err
		}
		defer up.Close()

		return src.ScanGeometries(ctx, func(g colmap.Geometry) error {
			if !g.Verified() {
				stats.Rejected++
				return nil
			}
			stats.Pairs++
			return up.exec(ctx, g.ID1, g.ID2, g.Rows, g.Config)
		})
	}, &stats.Version)
	if err != nil {
		return nil, err
	}

	ix.log.Infow("match index built",
		"images", stats.Images,
		"pairs", stats.Pairs,
		"rejected", stats.Rejected,
		"version", stats.Version,
	)
	return stats, nil
}

// Ingest adds verified pairs. Existing rows for the same pair are replaced.
// All rows land in one transaction that also advances the version.
func (ix *Index) Ingest(ctx context.Context, pairs []types.VerifiedPair) error {
	if len(pairs) == 0 {
		return nil
	}

	var version int64
	err := ix.write(ctx, func(tx *sql.Tx) error {
		ids, err := ix.resolveForWrite(ctx, tx, pairs)
		if err != nil {
			return err
		}
		up, err := prepareUpsert(ctx, tx)
		if err != nil {
			return err
		}
		defer up.Close()

		for _, p := range pairs {
			if p.Config <= 1 {
				continue
			}
			if err := up.exec(ctx, ids[p.Key.A], ids[p.Key.B], p.Inliers, p.Config); err != nil {
				return err
			}
		}
		return nil
	}, &version)
	if err != nil {
		return err
	}

	ix.log.Debugw("ingested verified pairs", "pairs", len(pairs), "version", version)
	return nil
}

// write runs fn in a transaction under the write lock and bumps the version.
func (ix *Index) write(ctx context.Context, fn func(*sql.Tx) error, version *int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index write: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE meta SET version = version + 1 WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to bump index version: %w", err)
	}
	v, err := readVersion(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index write: %w", err)
	}
	*version = v
	metrics.IndexVersion.Set(float64(v))
	return nil
}

func insertImages(ctx context.Context, tx *sql.Tx, images []colmap.Image) error {
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO images (image_id, name) VALUES (?, ?) ON CONFLICT (image_id) DO UPDATE SET name = excluded.name")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, img := range images {
		if _, err := stmt.ExecContext(ctx, img.ID, img.Name); err != nil {
			return fmt.Errorf("failed to index image %s: %w", img.Name, err)
		}
	}
	return nil
}

// resolveForWrite returns engine ids for every image in pairs, registering
// images the index has not seen through the resolver.
func (ix *Index) resolveForWrite(ctx context.Context, tx *sql.Tx, pairs []types.VerifiedPair) (map[string]int64, error) {
	set := make(map[string]struct{}, len(pairs)*2)
	for _, p := range pairs {
		set[p.Key.A] = struct{}{}
		set[p.Key.B] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	known, err := lookupIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	var unknown []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return known, nil
	}
	if ix.resolver == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, unknown[0])
	}

	resolved, err := ix.resolver.ImageIDsForRecords(ctx, unknown)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve images: %w", err)
	}
	var add []colmap.Image
	for _, id := range unknown {
		eid, ok := resolved[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownImage, id)
		}
		known[id] = eid
		add = append(add, colmap.Image{ID: eid, Name: geo.ImageRecord{ID: id}.Name()})
	}
	if err := insertImages(ctx, tx, add); err != nil {
		return nil, err
	}
	return known, nil
}

type rowQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// lookupIDs maps record ids to engine ids through the images table.
func lookupIDs(ctx context.Context, q rowQueryer, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		part := ids[start:min(start+chunk, len(ids))]
		args := make([]any, len(part))
		marks := make([]byte, 0, len(part)*2)
		for i, id := range part {
			args[i] = geo.ImageRecord{ID: id}.Name()
			if i > 0 {
				marks = append(marks, ',')
			}
			marks = append(marks, '?')
		}
		rows, err := q.QueryContext(ctx, "SELECT image_id, name FROM images WHERE name IN ("+string(marks)+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up images: %w", err)
		}
		for rows.Next() {
			var eid int64
			var name string
			if err := rows.Scan(&eid, &name); err != nil {
				rows.Close()
				return nil, err
			}
			out[geo.IDFromName(name)] = eid
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type upsert struct {
	stmt *sql.Stmt
}

func prepareUpsert(ctx context.Context, tx *sql.Tx) (*upsert, error) {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO neighbors (image_id, neighbor_id, inliers, config) VALUES (?, ?, ?, ?)
ON CONFLICT (image_id, neighbor_id) DO UPDATE SET inliers = excluded.inliers, config = excluded.config`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare neighbor upsert: %w", err)
	}
	return &upsert{stmt: stmt}, nil
}

// exec stores the edge in both directions.
func (u *upsert) exec(ctx context.Context, a, b int64, inliers, config int) error {
	if a == b {
		return nil
	}
	if _, err := u.stmt.ExecContext(ctx, a, b, inliers, config); err != nil {
		return fmt.Errorf("failed to store pair %d-%d: %w", a, b, err)
	}
	if _, err := u.stmt.ExecContext(ctx, b, a, inliers, config); err != nil {
		return fmt.Errorf("failed to store pair %d-%d: %w", b, a, err)
	}
	return nil
}

func (u *upsert) Close() error { return u.stmt.Close() }

// Stats describes the index contents.
type Stats struct {
	Images  int64
	Pairs   int64
	Version int64
}

// Stats counts images and pairs.
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	tx, err := ix.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	s := &Stats{}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&s.Images); err != nil {
		return nil, err
	}
	var directed int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM neighbors").Scan(&directed); err != nil {
		return nil, err
	}
	s.Pairs = directed / 2
	if s.Version, err = readVersion(ctx, tx); err != nil {
		return nil, err
	}
	return s, nil
}
