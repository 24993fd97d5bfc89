package catalog

import (
	"context"
	"fmt"

	"github.com/dbsmedya/geomatch/internal/partition"
)

var boxColumns = []string{
	"box_id", "min_x", "min_y", "max_x", "max_y",
	"west", "south", "east", "north",
	"margin_m", "images", "core_images", "depth", "over_ceiling", "updated_at",
}

// BoxRecord is a persisted partition box.
type BoxRecord struct {
	ID           string
	Core         partition.Rect
	West         float64
	South        float64
	East         float64
	North        float64
	MarginMeters float64
	Images       int
	CoreImages   int
	Depth        int
	OverCeiling  bool
}

// SaveBoxes upserts the given boxes in a single transaction.
func (c *Catalog) SaveBoxes(ctx context.Context, boxes []*partition.Box) error {
	if len(boxes) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := c.dialect.Upsert("geomatch_box", boxColumns, boxColumns[:1], boxColumns[1:])
	now := c.now().UTC()
	for _, b := range boxes {
		if _, err := tx.ExecContext(ctx, query,
			b.ID, b.Core.MinX, b.Core.MinY, b.Core.MaxX, b.Core.MaxY,
			b.Bounds.West, b.Bounds.South, b.Bounds.East, b.Bounds.North,
			b.MarginMeters, len(b.Images), b.CoreCount, b.Depth, boolInt(b.OverCeiling), now,
		); err != nil {
			return fmt.Errorf("failed to save box %s: %w", b.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit boxes: %w", err)
	}
	c.logger.Infof("Saved %d boxes", len(boxes))
	return nil
}

// ListBoxes returns every box ordered by id.
func (c *Catalog) ListBoxes(ctx context.Context) ([]BoxRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT box_id, min_x, min_y, max_x, max_y, west, south, east, north,
		       margin_m, images, core_images, depth, over_ceiling
		FROM geomatch_box
		ORDER BY box_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list boxes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BoxRecord
	for rows.Next() {
		var b BoxRecord
		var over int
		if err := rows.Scan(&b.ID, &b.Core.MinX, &b.Core.MinY, &b.Core.MaxX, &b.Core.MaxY,
			&b.West, &b.South, &b.East, &b.North,
			&b.MarginMeters, &b.Images, &b.CoreImages, &b.Depth, &over); err != nil {
			return nil, fmt.Errorf("failed to scan box: %w", err)
		}
		b.OverCeiling = over != 0
		out = append(out, b)
	}
	return out, rows.Err()
}
