package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/colmap/mapper"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/lock"
	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/reconstruct"
	"github.com/dbsmedya/geomatch/internal/snapshot"
	"github.com/dbsmedya/geomatch/internal/types"
	"github.com/spf13/cobra"
)

var (
	reconstructFlags      subsetFlags
	reconstructInitPair   string
	reconstructResumeFrom string
)

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Run incremental reconstruction over an image subset",
	Long: `Reconstruct extracts the subset's partition database, splits it into
connected components of the match graph and runs colmap mapper on each
component as a named run (<partition id>-cc<hash of its smallest image id>).

Runs snapshot their model every reconstruction.snapshot_interval
registrations and at the end. An interrupted run resumes from its
newest snapshot on the next invocation; a finished run is skipped.
When refinement diverges the run retries from the last good snapshot
with a stricter initialization policy.

Example:
  geomatch reconstruct --box box-0-1-0
  geomatch reconstruct --box box-0-1-0 --init-pair img01,img07
  geomatch reconstruct --box box-0-1-0 --resume-from 3fa2c1d0e4b5a6f7-cc5e21b09a-s0004`,
	RunE: runReconstruct,
}

func init() {
	reconstructFlags.register(reconstructCmd)
	reconstructCmd.Flags().StringVar(&reconstructInitPair, "init-pair", "",
		"Force the initial pair (two image ids separated by a comma)")
	reconstructCmd.Flags().StringVar(&reconstructResumeFrom, "resume-from", "",
		"Resume the run of this snapshot from it, even if the run finished")

	rootCmd.AddCommand(reconstructCmd)
}

func parseInitPair(s string) (*types.PairKey, error) {
	if s == "" {
		return nil, nil
	}
	a, b, ok := strings.Cut(s, ",")
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if !ok || a == "" || b == "" || a == b {
		return nil, fmt.Errorf("invalid --init-pair %q: want two distinct ids as a,b", s)
	}
	key := types.NewPairKey(a, b)
	return &key, nil
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	initPair, err := parseInitPair(reconstructInitPair)
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandlerWithCallback(func(sig os.Signal) {
		a.log.Warnw("Received shutdown signal - snapshotting running reconstructions", "signal", sig.String())
	})
	a.serveMetrics(ctx)

	records, err := a.loadImages(ctx)
	if err != nil {
		return err
	}
	ids, err := reconstructFlags.resolveIn(records, a)
	if err != nil {
		return err
	}

	ix, closeIndex, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	pdb, err := ix.Subset(ctx, ids)
	if err != nil {
		return err
	}
	dbPath, err := a.materialize(ctx, pdb)
	if err != nil {
		return err
	}

	store, err := a.openSnapshots(ctx)
	if err != nil {
		return err
	}
	cat, closeCatalog, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer closeCatalog()

	engine := mapper.NewEngine(colmap.NewRunner(a.cfg.Colmap, a.log), a.cfg.Imagery.ImageDir, a.log)
	params := reconstruct.ParamsFromConfig(a.cfg.Reconstruction, a.cfg.Expansion.InlierThreshold, a.cfg.Processing.Workers)
	coord, err := reconstruct.NewCoordinator(engine, store, records, params,
		filepath.Join(a.cfg.Colmap.WorkDir, "runs"), a.log)
	if err != nil {
		return err
	}
	coord.WithRecorder(cat.Recorder()).WithLocker(lock.RunLocker{
		DB:             cat.DB(),
		Dialect:        cat.Dialect(),
		TimeoutSeconds: a.cfg.Reconstruction.LockTimeoutSeconds,
	})

	var preport *reconstruct.PartitionReport
	if reconstructResumeFrom != "" {
		preport, err = resumeRun(ctx, coord, store, pdb, dbPath, params.InlierThreshold, initPair)
	} else {
		preport, err = coord.ReconstructPartition(ctx, reconstruct.PartitionSpec{
			Partition:    pdb,
			DatabasePath: dbPath,
			InitPair:     initPair,
		})
	}
	if preport != nil {
		printPartitionReport(preport)
	}
	if errors.Is(err, context.Canceled) {
		a.log.Warn("Reconstruction interrupted; rerun the same command to resume")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}
	for _, r := range preport.Runs {
		if r.Err != nil {
			return fmt.Errorf("one or more runs failed")
		}
	}
	return nil
}

// materialize writes the partition database once per subset and index
// version and reuses it on later invocations.
func (a *app) materialize(ctx context.Context, pdb *matchstore.PartitionDatabase) (string, error) {
	path, reused, err := pdb.EnsureMaterialized(ctx, a.cfg.Colmap.DatabasePath, a.cfg.Colmap.WorkDir, a.verificationMethod(), a.log)
	if err != nil {
		return "", err
	}
	if reused {
		a.log.Infow("Reusing partition database", "path", path, "index_version", pdb.IndexVersion)
	}
	return path, nil
}

// resumeRun resumes the component run that produced snapshot id.
func resumeRun(ctx context.Context, coord *reconstruct.Coordinator, store *snapshot.Store,
	pdb *matchstore.PartitionDatabase, dbPath string, threshold int, initPair *types.PairKey) (*reconstruct.PartitionReport, error) {
	snap, err := store.Get(reconstructResumeFrom)
	if err != nil {
		return nil, err
	}

	comps, singletons := reconstruct.Components(pdb, threshold)
	comp := componentOf(comps, snap.Registered)
	if comp == nil {
		return nil, fmt.Errorf("snapshot %s does not belong to subset %s", snap.ID, pdb.ID)
	}

	rep, err := coord.Run(ctx, reconstruct.RunSpec{
		RunID:        snap.RunID,
		Partition:    pdb,
		DatabasePath: dbPath,
		Images:       comp,
		InitPair:     initPair,
		ResumeFrom:   snap.ID,
		Components:   len(comps),
	})
	preport := &reconstruct.PartitionReport{
		PartitionID: pdb.ID,
		Components:  len(comps),
		Unreachable: singletons,
	}
	if rep != nil {
		preport.Runs = append(preport.Runs, rep)
	}
	return preport, err
}

// componentOf returns the component holding the first registered image.
func componentOf(comps [][]string, registered []string) []string {
	if len(registered) == 0 {
		return nil
	}
	for _, c := range comps {
		for _, id := range c {
			if id == registered[0] {
				return c
			}
		}
	}
	return nil
}

func printPartitionReport(rep *reconstruct.PartitionReport) {
	printHeader("Reconstruction: %s", rep.PartitionID)
	fmt.Fprintln(outputWriter)

	rows := make([][]string, 0, len(rep.Runs))
	for _, r := range rep.Runs {
		state := string(r.State)
		var notes []string
		switch {
		case r.Skipped:
			notes = append(notes, "already finished")
		case r.Cancelled:
			state = "interrupted"
		case r.Err != nil:
			state = "failed"
		}
		if r.LostProgress {
			notes = append(notes, "progress lost")
		}
		if r.Err != nil && !r.Cancelled {
			notes = append(notes, r.Err.Error())
		}
		rows = append(rows, []string{
			r.RunID,
			state,
			fmt.Sprintf("%d/%d", r.Registered, r.Images),
			fmt.Sprintf("%.1f%%", 100*r.Ratio),
			strconv.Itoa(r.Retries),
			r.SnapshotID,
			strings.Join(notes, "; "),
		})
	}
	printTable([]string{"RUN", "STATE", "REGISTERED", "RATIO", "RETRIES", "SNAPSHOT", "NOTE"}, rows, 1)

	fmt.Fprintln(outputWriter)
	f := newFields()
	f.Set("Components", strconv.Itoa(rep.Components))
	f.Set("Unreachable images", strconv.Itoa(len(rep.Unreachable)))
	printFields(f)
}
