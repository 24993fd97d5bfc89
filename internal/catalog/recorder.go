package catalog

import (
	"context"

	"github.com/dbsmedya/geomatch/internal/reconstruct"
	"github.com/dbsmedya/geomatch/internal/snapshot"
)

// Recorder persists coordinator progress in the catalog.
type Recorder struct {
	c *Catalog
}

var _ reconstruct.Recorder = (*Recorder)(nil)

// Recorder returns a reconstruct.Recorder backed by c.
func (c *Catalog) Recorder() *Recorder { return &Recorder{c: c} }

// StartRun creates the run row if needed.
func (r *Recorder) StartRun(ctx context.Context, info reconstruct.RunInfo) error {
	_, err := r.c.GetOrCreateRun(ctx, info.RunID, info.PartitionID, info.Images)
	return err
}

// RecordState updates the run state.
func (r *Recorder) RecordState(ctx context.Context, runID string, state reconstruct.State) error {
	return r.c.UpdateRunState(ctx, runID, string(state))
}

// RecordSnapshot stores the snapshot row.
func (r *Recorder) RecordSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	return r.c.RecordSnapshot(ctx, snap)
}

// FinishRun stores the run outcome.
func (r *Recorder) FinishRun(ctx context.Context, rep *reconstruct.Report) error {
	state := string(rep.State)
	switch {
	case state != "":
	case rep.Cancelled:
		state = "interrupted"
	case rep.Err != nil:
		state = "failed"
	}
	return r.c.SaveRunResult(ctx, RunResult{
		RunID:        rep.RunID,
		State:        state,
		Registered:   rep.Registered,
		Ratio:        rep.Ratio,
		Retries:      rep.Retries,
		SnapshotID:   rep.SnapshotID,
		LostProgress: rep.LostProgress,
		Err:          rep.Err,
	})
}
