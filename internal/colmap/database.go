package colmap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/geo"
)

// Schema is the subset of the COLMAP database schema geomatch reads and
// writes. Newer COLMAP releases add tables; Filter copies whatever the
// source holds.
const Schema = `
CREATE TABLE IF NOT EXISTS cameras (
	camera_id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	model INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	params BLOB,
	prior_focal_length INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS images (
	image_id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	name TEXT NOT NULL UNIQUE,
	camera_id INTEGER NOT NULL,
	CONSTRAINT image_id_check CHECK(image_id >= 0 and image_id < 2147483647),
	FOREIGN KEY(camera_id) REFERENCES cameras(camera_id));
CREATE TABLE IF NOT EXISTS pose_priors (
	image_id INTEGER PRIMARY KEY NOT NULL,
	position BLOB,
	coordinate_system INTEGER NOT NULL,
	position_covariance BLOB,
	FOREIGN KEY(image_id) REFERENCES images(image_id) ON DELETE CASCADE);
CREATE TABLE IF NOT EXISTS keypoints (
	image_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB,
	FOREIGN KEY(image_id) REFERENCES images(image_id) ON DELETE CASCADE);
CREATE TABLE IF NOT EXISTS descriptors (
	image_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB,
	FOREIGN KEY(image_id) REFERENCES images(image_id) ON DELETE CASCADE);
CREATE TABLE IF NOT EXISTS matches (
	pair_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB);
CREATE TABLE IF NOT EXISTS two_view_geometries (
	pair_id INTEGER PRIMARY KEY NOT NULL,
	rows INTEGER NOT NULL,
	cols INTEGER NOT NULL,
	data BLOB,
	config INTEGER NOT NULL,
	F BLOB,
	E BLOB,
	H BLOB,
	qvec BLOB,
	tvec BLOB);
`

// Image is a row of the images table.
type Image struct {
	ID       int64
	Name     string
	CameraID int64
}

// Geometry is a row of two_view_geometries. Rows is the inlier count.
type Geometry struct {
	PairID int64
	ID1    int64
	ID2    int64
	Rows   int
	Config int
}

// Verified reports whether the geometry describes a usable relation.
func (g Geometry) Verified() bool {
	return g.Config > 1 && g.Rows > 0
}

// DB is a handle on a COLMAP database file.
type DB struct {
	db   *sql.DB
	path string
}

// batchSize bounds the IN lists sent to SQLite.
const batchSize = 500

// Open opens a COLMAP database. Read-only handles never create the file.
func Open(ctx context.Context, path string, readOnly bool) (*DB, error) {
	db, err := database.OpenSQLite(ctx, path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to open colmap database: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// Create opens path for writing and installs the schema.
func Create(ctx context.Context, path string) (*DB, error) {
	d, err := Open(ctx, path, false)
	if err != nil {
		return nil, err
	}
	if _, err := d.db.ExecContext(ctx, Schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create colmap schema: %w", err)
	}
	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Images lists every image ordered by id.
func (d *DB) Images(ctx context.Context) ([]Image, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT image_id, name, camera_id FROM images ORDER BY image_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.Name, &img.CameraID); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// ImageIDs resolves image names to ids. Unknown names are absent from the
// result.
func (d *DB) ImageIDs(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for start := 0; start < len(names); start += batchSize {
		end := min(start+batchSize, len(names))
		chunk := names[start:end]

		args := make([]any, len(chunk))
		for i, n := range chunk {
			args[i] = n
		}
		query := fmt.Sprintf("SELECT image_id, name FROM images WHERE name IN (%s)", placeholders(len(chunk)))
		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve image names: %w", err)
		}
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan image id: %w", err)
			}
			out[name] = id
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ImageIDsForRecords resolves record ids through their engine-side names.
func (d *DB) ImageIDsForRecords(ctx context.Context, ids []string) (map[string]int64, error) {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = geo.ImageRecord{ID: id}.Name()
	}
	byName, err := d.ImageIDs(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(byName))
	for name, id := range byName {
		out[geo.IDFromName(name)] = id
	}
	return out, nil
}

// ScanGeometries streams every two_view_geometries row to fn.
func (d *DB) ScanGeometries(ctx context.Context, fn func(Geometry) error) error {
	rows, err := d.db.QueryContext(ctx, "SELECT pair_id, rows, config FROM two_view_geometries")
	if err != nil {
		return fmt.Errorf("failed to query two_view_geometries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g Geometry
		if err := rows.Scan(&g.PairID, &g.Rows, &g.Config); err != nil {
			return fmt.Errorf("failed to scan geometry: %w", err)
		}
		g.ID1, g.ID2 = SplitPairID(g.PairID)
		if err := fn(g); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Geometries returns the rows for the given pair ids keyed by pair id.
func (d *DB) Geometries(ctx context.Context, pairIDs []int64) (map[int64]Geometry, error) {
	out := make(map[int64]Geometry, len(pairIDs))
	for start := 0; start < len(pairIDs); start += batchSize {
		end := min(start+batchSize, len(pairIDs))
		chunk := pairIDs[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf("SELECT pair_id, rows, config FROM two_view_geometries WHERE pair_id IN (%s)", placeholders(len(chunk)))
		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query geometries: %w", err)
		}
		for rows.Next() {
			var g Geometry
			if err := rows.Scan(&g.PairID, &g.Rows, &g.Config); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan geometry: %w", err)
			}
			g.ID1, g.ID2 = SplitPairID(g.PairID)
			out[g.PairID] = g
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
