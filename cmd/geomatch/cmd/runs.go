package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dbsmedya/geomatch/internal/catalog"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/spf13/cobra"
)

var runsPartition string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List reconstruction runs recorded in the catalog",
	Long: `Runs lists every reconstruction run with its state, registration
ratio and the snapshot to resume from, followed by catalog totals.

Example:
  geomatch runs --config geomatch.yaml
  geomatch runs --partition 3fa2c1d0e4b5a6f7`,
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsPartition, "partition", "p", "",
		"Only list runs of this partition id")

	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	cat, closeFn, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	runs, err := cat.ListRuns(ctx, runsPartition)
	if err != nil {
		return err
	}
	stats, err := cat.GetStats(ctx)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(outputWriter, "No runs recorded")
	} else {
		printRuns(runs)
	}
	fmt.Fprintln(outputWriter)
	printCatalogStats(stats)
	return nil
}

func printRuns(runs []*catalog.Run) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		note := r.ErrorMessage
		if r.LostProgress {
			note = "progress lost " + note
		}
		rows = append(rows, []string{
			r.RunID,
			r.State,
			fmt.Sprintf("%d/%d", r.Registered, r.Images),
			fmt.Sprintf("%.1f%%", 100*r.Ratio),
			strconv.Itoa(r.Retries),
			r.SnapshotID,
			r.UpdatedAt.Local().Format("2006-01-02 15:04"),
			note,
		})
	}
	printTable([]string{"RUN", "STATE", "REGISTERED", "RATIO", "RETRIES", "SNAPSHOT", "UPDATED", "NOTE"}, rows, 1)
}

func printCatalogStats(st *catalog.Stats) {
	printSection("Catalog")
	f := newFields()
	f.Set("Boxes", strconv.Itoa(st.Boxes))
	for _, k := range sortedKeys(st.Pairs) {
		f.Set("Pairs "+k, strconv.Itoa(st.Pairs[k]))
	}
	for _, k := range sortedKeys(st.Runs) {
		f.Set("Runs "+k, strconv.Itoa(st.Runs[k]))
	}
	f.Set("Snapshots", fmt.Sprintf("%d (%d final)", st.Snapshots, st.FinalSnaps))
	printFields(f)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
