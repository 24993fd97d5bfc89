package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/geomatch/internal/snapshot"
)

var snapshotColumns = []string{
	"snapshot_id", "run_id", "parent_id", "sequence", "registered", "num_points",
	"mean_reproj_error", "payload_key", "size_bytes", "sha256", "final", "state", "created_at",
}

// SnapshotRecord is the catalog view of a snapshot. The registered image
// list stays in the snapshot descriptor; only its size is kept here.
type SnapshotRecord struct {
	ID              string
	RunID           string
	Parent          string
	Sequence        int
	Registered      int
	NumPoints       int
	MeanReprojError float64
	PayloadKey      string
	Size            int64
	SHA256          string
	Final           bool
	State           string
	CreatedAt       time.Time
}

// RecordSnapshot stores a snapshot row. Snapshots are immutable, so
// recording the same id twice is a no-op.
func (c *Catalog) RecordSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	created := s.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	query := c.dialect.Upsert("geomatch_snapshot", snapshotColumns, snapshotColumns[:1], nil)
	if _, err := c.db.ExecContext(ctx, query,
		s.ID, s.RunID, s.Parent, s.Sequence, len(s.Registered), s.NumPoints,
		s.MeanReprojError, s.PayloadKey, s.Size, s.SHA256, boolInt(s.Final), s.State, created.UTC(),
	); err != nil {
		return fmt.Errorf("failed to record snapshot %s: %w", s.ID, err)
	}
	c.logger.Debugf("Recorded snapshot %s (run: %s, seq: %d)", s.ID, s.RunID, s.Sequence)
	return nil
}

const snapshotSelect = `SELECT snapshot_id, run_id, parent_id, sequence, registered, num_points,
	mean_reproj_error, payload_key, size_bytes, sha256, final, state, created_at
	FROM geomatch_snapshot`

// LatestSnapshot returns the highest sequence snapshot of a run or
// ErrNotFound.
func (c *Catalog) LatestSnapshot(ctx context.Context, runID string) (*SnapshotRecord, error) {
	row := c.db.QueryRowContext(ctx, c.dialect.Rebind(
		snapshotSelect+" WHERE run_id = ? ORDER BY sequence DESC LIMIT 1"), runID)
	rec, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot of run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	return rec, nil
}

// ListSnapshots returns the snapshots of a run in sequence order.
func (c *Catalog) ListSnapshots(ctx context.Context, runID string) ([]*SnapshotRecord, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.Rebind(
		snapshotSelect+" WHERE run_id = ? ORDER BY sequence"), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSnapshot(s scanner) (*SnapshotRecord, error) {
	var r SnapshotRecord
	var final int
	if err := s.Scan(&r.ID, &r.RunID, &r.Parent, &r.Sequence, &r.Registered, &r.NumPoints,
		&r.MeanReprojError, &r.PayloadKey, &r.Size, &r.SHA256, &final, &r.State, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Final = final != 0
	return &r, nil
}
