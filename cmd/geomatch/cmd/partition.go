package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/spf13/cobra"
)

var partitionDryRun bool

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Split the image collection into overlapping boxes",
	Long: `Partition lays a grid over the image footprint, refines crowded cells
into quadrants until each box stays under the pair ceiling, and records
the boxes in the catalog.

Every image is guaranteed to fall into at least one box; a coverage
failure aborts the command.

Example:
  geomatch partition --config geomatch.yaml`,
	RunE: runPartition,
}

func init() {
	partitionCmd.Flags().BoolVar(&partitionDryRun, "dry-run", false,
		"Print the boxes without writing them to the catalog")

	rootCmd.AddCommand(partitionCmd)
}

func runPartition(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	_, part, err := a.loadPartition(ctx)
	if err != nil {
		return err
	}

	printHeader("Partition: %d boxes", len(part.Boxes))
	fmt.Fprintln(outputWriter)
	printBoxes(part)

	if partitionDryRun {
		return nil
	}
	return saveBoxes(ctx, a, part)
}

func saveBoxes(ctx context.Context, a *app, part *partition.Result) error {
	cat, closeFn, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	boxes := make([]*partition.Box, len(part.Boxes))
	for i := range part.Boxes {
		boxes[i] = &part.Boxes[i]
	}
	return cat.SaveBoxes(ctx, boxes)
}

func printBoxes(part *partition.Result) {
	rows := make([][]string, 0, len(part.Boxes))
	for _, b := range part.Boxes {
		over := ""
		if b.OverCeiling {
			over = "over ceiling"
		}
		rows = append(rows, []string{
			b.ID,
			strconv.Itoa(len(b.Images)),
			strconv.Itoa(b.CoreCount),
			strconv.FormatInt(b.ExhaustivePairs(), 10),
			fmt.Sprintf("%.0fx%.0f m", b.Core.Width(), b.Core.Height()),
			over,
		})
	}
	printTable([]string{"BOX", "IMAGES", "CORE", "PAIRS", "SIZE", "NOTE"}, rows, -1)
}
