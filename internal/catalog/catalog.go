// Package catalog persists partition boxes, pair candidates, reconstruction
// runs and the snapshot chain in the catalog database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/sqlutil"
)

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Catalog handles catalog persistence for every supported dialect.
type Catalog struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	logger  *logger.Logger
	now     func() time.Time
}

// New creates a catalog over db.
func New(db *sql.DB, dialect sqlutil.Dialect, log *logger.Logger) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Catalog{db: db, dialect: dialect, logger: log, now: time.Now}, nil
}

// DB returns the underlying handle.
func (c *Catalog) DB() *sql.DB { return c.db }

// Dialect returns the SQL dialect of the catalog.
func (c *Catalog) Dialect() sqlutil.Dialect { return c.dialect }

func (c *Catalog) tableSQL() []struct{ name, ddl string } {
	d := c.dialect
	key, ts, opts := d.KeyType(), d.TimestampType(), d.TableOptions()
	return []struct{ name, ddl string }{
		{"geomatch_box", fmt.Sprintf(`CREATE TABLE IF NOT EXISTS geomatch_box (
	box_id %[1]s PRIMARY KEY,
	min_x DOUBLE PRECISION NOT NULL,
	min_y DOUBLE PRECISION NOT NULL,
	max_x DOUBLE PRECISION NOT NULL,
	max_y DOUBLE PRECISION NOT NULL,
	west DOUBLE PRECISION NOT NULL,
	south DOUBLE PRECISION NOT NULL,
	east DOUBLE PRECISION NOT NULL,
	north DOUBLE PRECISION NOT NULL,
	margin_m DOUBLE PRECISION NOT NULL,
	images INTEGER NOT NULL,
	core_images INTEGER NOT NULL,
	depth INTEGER NOT NULL,
	over_ceiling INTEGER NOT NULL DEFAULT 0,
	updated_at %[2]s NOT NULL
)%[3]s`, key, ts, opts)},
		{"geomatch_pair", fmt.Sprintf(`CREATE TABLE IF NOT EXISTS geomatch_pair (
	image_a %[1]s NOT NULL,
	image_b %[1]s NOT NULL,
	origin VARCHAR(64) NOT NULL,
	state VARCHAR(32) NOT NULL,
	inliers INTEGER NOT NULL DEFAULT 0,
	updated_at %[2]s NOT NULL,
	PRIMARY KEY (image_a, image_b)
)%[3]s`, key, ts, opts)},
		{"geomatch_run", fmt.Sprintf(`CREATE TABLE IF NOT EXISTS geomatch_run (
	run_id %[1]s PRIMARY KEY,
	partition_id VARCHAR(64) NOT NULL,
	state VARCHAR(32) NOT NULL,
	images INTEGER NOT NULL DEFAULT 0,
	registered INTEGER NOT NULL DEFAULT 0,
	ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
	retries INTEGER NOT NULL DEFAULT 0,
	snapshot_id VARCHAR(191) NOT NULL DEFAULT '',
	lost_progress INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL
)%[3]s`, key, ts, opts)},
		{"geomatch_snapshot", fmt.Sprintf(`CREATE TABLE IF NOT EXISTS geomatch_snapshot (
	snapshot_id %[1]s PRIMARY KEY,
	run_id VARCHAR(191) NOT NULL,
	parent_id VARCHAR(191) NOT NULL DEFAULT '',
	sequence INTEGER NOT NULL,
	registered INTEGER NOT NULL,
	num_points INTEGER NOT NULL,
	mean_reproj_error DOUBLE PRECISION NOT NULL,
	payload_key VARCHAR(255) NOT NULL,
	size_bytes BIGINT NOT NULL,
	sha256 CHAR(64) NOT NULL,
	final INTEGER NOT NULL DEFAULT 0,
	state VARCHAR(32) NOT NULL DEFAULT '',
	created_at %[2]s NOT NULL,
	UNIQUE (run_id, sequence)
)%[3]s`, key, ts, opts)},
	}
}

// InitializeTables creates the catalog tables if they don't exist. It is
// safe to call on every startup.
func (c *Catalog) InitializeTables(ctx context.Context) error {
	c.logger.Debug("Initializing catalog tables")
	for _, t := range c.tableSQL() {
		if _, err := c.db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}
	c.logger.Info("Catalog tables initialized")
	return nil
}

// Stats summarizes catalog contents.
type Stats struct {
	Boxes      int
	Pairs      map[string]int // by state
	Runs       map[string]int // by state
	Snapshots  int
	FinalSnaps int
}

// GetStats returns row counts grouped the way operators read them.
func (c *Catalog) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{Pairs: map[string]int{}, Runs: map[string]int{}}

	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM geomatch_box").Scan(&st.Boxes); err != nil {
		return nil, fmt.Errorf("failed to count boxes: %w", err)
	}
	if err := c.groupCount(ctx, "SELECT state, COUNT(*) FROM geomatch_pair GROUP BY state", st.Pairs); err != nil {
		return nil, fmt.Errorf("failed to count pairs: %w", err)
	}
	if err := c.groupCount(ctx, "SELECT state, COUNT(*) FROM geomatch_run GROUP BY state", st.Runs); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	if err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(final), 0) FROM geomatch_snapshot",
	).Scan(&st.Snapshots, &st.FinalSnaps); err != nil {
		return nil, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return st, nil
}

func (c *Catalog) groupCount(ctx context.Context, query string, into map[string]int) error {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			c.logger.Warnf("Failed to close rows: %v", err)
		}
	}()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
