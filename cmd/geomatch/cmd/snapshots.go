package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/snapshot"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and restore reconstruction snapshots",
}

var snapshotsListRun string

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the snapshots of a run",
	Long: `List shows every snapshot of a run in sequence order with its parent,
registered image count and model size. Branches created by divergence
retries show up as snapshots sharing a parent.

Example:
  geomatch snapshots list --run 3fa2c1d0e4b5a6f7-cc5e21b09a`,
	RunE: runSnapshotsList,
}

var (
	snapshotsRestoreDir   string
	snapshotsRestoreChain bool
)

var snapshotsRestoreCmd = &cobra.Command{
	Use:   "restore SNAPSHOT_ID",
	Short: "Unpack a snapshot's model files",
	Long: `Restore verifies a snapshot payload against its checksum and unpacks
the engine model files into a directory, ready for training or for a
manual mapper run.

Example:
  geomatch snapshots restore 3fa2c1d0e4b5a6f7-cc5e21b09a-s0007 --dir model/`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotsRestore,
}

func init() {
	snapshotsListCmd.Flags().StringVarP(&snapshotsListRun, "run", "r", "", "Run id (required)")
	_ = snapshotsListCmd.MarkFlagRequired("run")

	snapshotsRestoreCmd.Flags().StringVarP(&snapshotsRestoreDir, "dir", "d", "", "Target directory (required)")
	_ = snapshotsRestoreCmd.MarkFlagRequired("dir")
	snapshotsRestoreCmd.Flags().BoolVar(&snapshotsRestoreChain, "show-chain", false,
		"Print the parent chain of the snapshot")

	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsRestoreCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	store, err := a.openSnapshots(ctx)
	if err != nil {
		return err
	}
	snaps, err := store.List(snapshotsListRun)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintf(outputWriter, "No snapshots for run %s\n", snapshotsListRun)
		return nil
	}

	headID := ""
	head, err := store.Latest(ctx, snapshotsListRun)
	switch {
	case err == nil:
		headID = head.ID
	case !errors.Is(err, snapshot.ErrNotFound):
		return err
	}

	printHeader("Snapshots: %s", snapshotsListRun)
	fmt.Fprintln(outputWriter)
	printSnapshots(snaps, headID)
	return nil
}

func printSnapshots(snaps []*snapshot.Snapshot, headID string) {
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		mark := ""
		if s.ID == headID {
			mark = "*"
		}
		state := s.State
		if state == "" {
			state = "registering"
		}
		rows = append(rows, []string{
			mark + s.ID,
			state,
			s.Parent,
			strconv.Itoa(len(s.Registered)),
			strconv.Itoa(s.NumPoints),
			fmt.Sprintf("%.3f", s.MeanReprojError),
			strconv.FormatInt(s.Size, 10),
			yesNo(s.Final),
		})
	}
	printTable([]string{"SNAPSHOT", "STATE", "PARENT", "REGISTERED", "POINTS", "REPROJ", "BYTES", "FINAL"}, rows, 1)
}

func runSnapshotsRestore(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	store, err := a.openSnapshots(ctx)
	if err != nil {
		return err
	}
	snap, err := store.Restore(ctx, args[0], snapshotsRestoreDir)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	printHeader("Restored %s", snap.ID)
	f := newFields()
	f.Set("Directory", snapshotsRestoreDir)
	f.Set("Run", snap.RunID)
	f.Set("Registered", strconv.Itoa(len(snap.Registered)))
	f.Set("Points", strconv.Itoa(snap.NumPoints))
	f.Set("Final", yesNo(snap.Final))
	printFields(f)

	if snapshotsRestoreChain {
		chain, err := store.Chain(snap.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(outputWriter)
		printSection("Chain")
		for _, s := range chain {
			fmt.Fprintf(outputWriter, "  %s (%d registered)\n", s.ID, len(s.Registered))
		}
	}
	return nil
}
