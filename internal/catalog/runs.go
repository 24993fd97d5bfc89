package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is a persisted reconstruction run.
type Run struct {
	RunID        string
	PartitionID  string
	State        string
	Images       int
	Registered   int
	Ratio        float64
	Retries      int
	SnapshotID   string
	LostProgress bool
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RunResult is the outcome written when a run finishes.
type RunResult struct {
	RunID        string
	State        string
	Registered   int
	Ratio        float64
	Retries      int
	SnapshotID   string
	LostProgress bool
	Err          error
}

const runSelect = `SELECT run_id, partition_id, state, images, registered, ratio, retries,
	snapshot_id, lost_progress, error_message, created_at, updated_at
	FROM geomatch_run`

// GetOrCreateRun returns the run with the given id, creating it in the
// pending state if it does not exist.
func (c *Catalog) GetOrCreateRun(ctx context.Context, runID, partitionID string, images int) (*Run, error) {
	run, err := c.GetRun(ctx, runID)
	if err == nil {
		c.logger.Debugf("Found existing run: %s (state: %s)", runID, run.State)
		return run, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := c.now().UTC()
	_, err = c.db.ExecContext(ctx, c.dialect.Rebind(`INSERT INTO geomatch_run
		(run_id, partition_id, state, images, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?)`),
		runID, partitionID, images, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	c.logger.Infof("Created new run: %s (partition: %s, images: %d)", runID, partitionID, images)
	return &Run{
		RunID:       runID,
		PartitionID: partitionID,
		State:       "pending",
		Images:      images,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetRun returns one run or ErrNotFound.
func (c *Catalog) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := c.db.QueryRowContext(ctx, c.dialect.Rebind(runSelect+" WHERE run_id = ?"), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// UpdateRunState sets the state of an existing run.
func (c *Catalog) UpdateRunState(ctx context.Context, runID, state string) error {
	res, err := c.db.ExecContext(ctx, c.dialect.Rebind(
		"UPDATE geomatch_run SET state = ?, updated_at = ? WHERE run_id = ?"),
		state, c.now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	c.logger.Debugf("Updated run %s state to: %s", runID, state)
	return nil
}

// SaveRunResult records the outcome of a finished run.
func (c *Catalog) SaveRunResult(ctx context.Context, r RunResult) error {
	var msg sql.NullString
	if r.Err != nil {
		msg = sql.NullString{String: truncate(r.Err.Error(), 1000), Valid: true}
	}
	res, err := c.db.ExecContext(ctx, c.dialect.Rebind(`UPDATE geomatch_run
		SET state = ?, registered = ?, ratio = ?, retries = ?, snapshot_id = ?,
		    lost_progress = ?, error_message = ?, updated_at = ?
		WHERE run_id = ?`),
		r.State, r.Registered, r.Ratio, r.Retries, r.SnapshotID,
		boolInt(r.LostProgress), msg, c.now().UTC(), r.RunID)
	if err != nil {
		return fmt.Errorf("failed to save run result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", r.RunID, ErrNotFound)
	}
	return nil
}

// ListRuns returns runs ordered by id. An empty partitionID lists all runs.
func (c *Catalog) ListRuns(ctx context.Context, partitionID string) ([]*Run, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if partitionID == "" {
		rows, err = c.db.QueryContext(ctx, runSelect+" ORDER BY run_id")
	} else {
		rows, err = c.db.QueryContext(ctx,
			c.dialect.Rebind(runSelect+" WHERE partition_id = ? ORDER BY run_id"), partitionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var lost int
	var msg sql.NullString
	if err := s.Scan(&r.RunID, &r.PartitionID, &r.State, &r.Images, &r.Registered, &r.Ratio,
		&r.Retries, &r.SnapshotID, &lost, &msg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.LostProgress = lost != 0
	r.ErrorMessage = msg.String
	return &r, nil
}
