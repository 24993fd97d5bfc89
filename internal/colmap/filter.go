package colmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/sqlutil"
)

// FilterStats counts the rows copied per table.
type FilterStats struct {
	Tables map[string]int64
}

// Images returns the number of copied images.
func (s *FilterStats) Images() int64 { return s.Tables["images"] }

// Geometries returns the number of copied two_view_geometries rows.
func (s *FilterStats) Geometries() int64 { return s.Tables["two_view_geometries"] }

// Filter writes a new COLMAP database at dstPath holding only the given
// images and pairs of srcPath. Image ids are kept, so pair ids stay valid.
// dstPath must not exist; it is removed again if filtering fails.
func Filter(ctx context.Context, srcPath, dstPath string, imageIDs, pairIDs []int64) (*FilterStats, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return nil, fmt.Errorf("source database: %w", err)
	}
	if _, err := os.Stat(dstPath); err == nil {
		return nil, fmt.Errorf("output database %s already exists", dstPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	stats, err := filter(ctx, srcPath, dstPath, imageIDs, pairIDs)
	if err != nil {
		os.Remove(dstPath)
		os.Remove(dstPath + "-wal")
		os.Remove(dstPath + "-shm")
		return nil, err
	}
	return stats, nil
}

func filter(ctx context.Context, srcPath, dstPath string, imageIDs, pairIDs []int64) (*FilterStats, error) {
	dst, err := database.OpenSQLite(ctx, dstPath, false)
	if err != nil {
		return nil, err
	}
	defer dst.Close()

	// ATTACH and TEMP tables are per connection.
	conn, err := dst.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS src", srcPath); err != nil {
		return nil, fmt.Errorf("failed to attach source: %w", err)
	}
	defer conn.ExecContext(context.Background(), "DETACH DATABASE src")

	tables, indexes, err := sourceSchema(ctx, conn)
	if err != nil {
		return nil, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, t.sql); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}
	if err := loadSelection(ctx, tx, "sel_images", "image_id", imageIDs); err != nil {
		return nil, err
	}
	if err := loadSelection(ctx, tx, "sel_pairs", "pair_id", pairIDs); err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t.name] = true
	}

	stats := &FilterStats{Tables: make(map[string]int64, len(tables))}
	for _, t := range orderTables(tables) {
		cols, err := tableColumns(ctx, tx, t.name)
		if err != nil {
			return nil, err
		}
		where := selectionFor(t.name, cols, present)
		q, err := sqlutil.SQLite.QuoteChecked(t.name)
		if err != nil {
			return nil, err
		}
		query := fmt.Sprintf("INSERT INTO main.%s SELECT * FROM src.%s%s", q, q, where)
		res, err := tx.ExecContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", t.name, err)
		}
		n, _ := res.RowsAffected()
		stats.Tables[t.name] = n
	}

	for _, ix := range indexes {
		if _, err := tx.ExecContext(ctx, ix.sql); err != nil {
			return nil, fmt.Errorf("failed to create index %s: %w", ix.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE temp.sel_images"); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE temp.sel_pairs"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit filtered database: %w", err)
	}
	return stats, nil
}

type schemaObject struct {
	name string
	sql  string
}

func sourceSchema(ctx context.Context, conn *sql.Conn) ([]schemaObject, []schemaObject, error) {
	rows, err := conn.QueryContext(ctx,
		"SELECT type, name, sql FROM src.sqlite_master WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read source schema: %w", err)
	}
	defer rows.Close()

	var tables, indexes []schemaObject
	for rows.Next() {
		var typ string
		var obj schemaObject
		if err := rows.Scan(&typ, &obj.name, &obj.sql); err != nil {
			return nil, nil, err
		}
		switch typ {
		case "table":
			tables = append(tables, obj)
		case "index":
			indexes = append(indexes, obj)
		}
	}
	return tables, indexes, rows.Err()
}

func loadSelection(ctx context.Context, tx *sql.Tx, table, col string, ids []int64) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (%s INTEGER PRIMARY KEY)", table, col)); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT OR IGNORE INTO temp.%s (%s) VALUES (?)", table, col))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to load %s: %w", table, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA src.table_info(%s)", sqlutil.SQLite.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// orderTables puts tables that others are filtered against first.
func orderTables(tables []schemaObject) []schemaObject {
	rank := map[string]int{"images": 0, "cameras": 1, "frame_data": 2, "frames": 3}
	out := append([]schemaObject(nil), tables...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, ok := rank[out[i].name]
		if !ok {
			ri = len(rank)
		}
		rj, ok := rank[out[j].name]
		if !ok {
			rj = len(rank)
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].name < out[j].name
	})
	return out
}

// selectionFor returns the WHERE clause restricting a table to the subset.
// Tables with no image or pair reference are copied whole.
func selectionFor(table string, cols map[string]bool, present map[string]bool) string {
	switch {
	case table == "images":
		return " WHERE image_id IN (SELECT image_id FROM temp.sel_images)"
	case table == "cameras":
		return " WHERE camera_id IN (SELECT camera_id FROM main.images)"
	case table == "frames" && present["frame_data"]:
		return " WHERE frame_id IN (SELECT frame_id FROM main.frame_data)"
	case cols["pair_id"]:
		return " WHERE pair_id IN (SELECT pair_id FROM temp.sel_pairs)"
	case cols["image_id"]:
		return " WHERE image_id IN (SELECT image_id FROM temp.sel_images)"
	case cols["corr_data_id"]:
		return " WHERE corr_data_id IN (SELECT image_id FROM temp.sel_images)"
	case cols["data_id"]:
		return " WHERE data_id IN (SELECT image_id FROM temp.sel_images)"
	}
	return ""
}
