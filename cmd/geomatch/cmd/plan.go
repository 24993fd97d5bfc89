package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Estimate the matching work without running anything",
	Long: `Plan partitions the collection and estimates how many pairs the
spatial and fringe stages would propose, compared with exhaustive
matching. Nothing is written.

The plan shows:
  - Collection and grid summary
  - Pair estimates (spatial, fringe, exhaustive)
  - The largest boxes and boxes over the pair ceiling
  - Expansion and reconstruction settings

Example:
  geomatch plan --config geomatch.yaml`,
	RunE: runPlan,
}

var planTop int

func init() {
	planCmd.Flags().IntVar(&planTop, "top", 10, "Number of largest boxes to list")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	ix, part, err := a.loadPartition(ctx)
	if err != nil {
		return err
	}
	est := part.Estimate(ix.Len(), a.cfg.Pairing.Neighbors)

	printHeader("Execution Plan")
	fmt.Fprintln(outputWriter)
	printSections(planSections(a, est))

	fmt.Fprintln(outputWriter)
	printSection("Largest Boxes")
	printTable([]string{"BOX", "IMAGES", "CORE", "EXHAUSTIVE", "SPATIAL", "NOTE"}, largestBoxes(est, planTop), -1)
	return nil
}

func planSections(a *app, est *partition.Estimate) *orderedmap.OrderedMap[string, *fields] {
	sections := orderedmap.NewOrderedMap[string, *fields]()

	grid := newFields()
	grid.Set("Images", strconv.Itoa(est.TotalImages))
	grid.Set("Boxes", strconv.Itoa(est.BoxCount))
	grid.Set("Box size", fmt.Sprintf("%.0f m (margin %.0f m)", a.cfg.Partition.BoxSizeMeters, a.cfg.Partition.MarginMeters))
	grid.Set("Largest box", fmt.Sprintf("%d images", est.MaxBoxImages))
	grid.Set("Over ceiling", strconv.Itoa(est.OverCeiling))
	grid.Set("Adjacent pairs", strconv.Itoa(est.AdjacentPairs))
	grid.Set("Fringe images", strconv.Itoa(est.FringeImages))
	sections.Set("Partition", grid)

	work := newFields()
	work.Set("Spatial (upper bound)", strconv.FormatInt(est.SpatialPairs, 10))
	work.Set("Fringe exhaustive", strconv.FormatInt(est.FringePairs, 10))
	work.Set("In-box exhaustive", strconv.FormatInt(est.ExhaustivePairs, 10))
	total := int64(est.TotalImages) * int64(est.TotalImages-1) / 2
	work.Set("Global exhaustive", strconv.FormatInt(total, 10))
	if total > 0 {
		work.Set("Reduction", fmt.Sprintf("%.1f%%", 100*(1-float64(est.SpatialPairs+est.FringePairs)/float64(total))))
	}
	sections.Set("Candidate Pairs", work)

	exp := a.cfg.Expansion
	expansion := newFields()
	expansion.Set("Inlier threshold", strconv.Itoa(exp.InlierThreshold))
	expansion.Set("Max rounds", strconv.Itoa(exp.MaxRounds))
	expansion.Set("Min growth", fmt.Sprintf("%.2f", exp.MinGrowth))
	expansion.Set("Pair budget", strconv.Itoa(exp.PairBudget))
	sections.Set("Expansion", expansion)

	rc := a.cfg.Reconstruction
	recon := newFields()
	recon.Set("Init pair", fmt.Sprintf(">= %d inliers, >= %.0f m apart", rc.MinInitInliers, rc.MinSeparationMeters))
	recon.Set("Target ratio", fmt.Sprintf("%.2f", rc.TargetRatio))
	recon.Set("Snapshot every", fmt.Sprintf("%d registrations", rc.SnapshotInterval))
	recon.Set("Retries", fmt.Sprintf("%d (x%.2f)", rc.MaxRetries, rc.RetryEscalation))
	recon.Set("Snapshots", fmt.Sprintf("%s (%s, head %s, mirror %s)",
		a.cfg.Snapshots.Dir, a.cfg.Snapshots.Compression, a.cfg.Snapshots.Head, a.cfg.Snapshots.Mirror.Backend))
	sections.Set("Reconstruction", recon)

	return sections
}

// largestBoxes returns table rows for the n boxes with the most images.
func largestBoxes(est *partition.Estimate, n int) [][]string {
	boxes := make([]partition.BoxEstimate, len(est.Boxes))
	copy(boxes, est.Boxes)
	sortBoxEstimates(boxes)
	if n > 0 && len(boxes) > n {
		boxes = boxes[:n]
	}

	rows := make([][]string, 0, len(boxes))
	for _, b := range boxes {
		note := ""
		if b.OverCeiling {
			note = "over ceiling"
		}
		rows = append(rows, []string{
			b.ID,
			strconv.Itoa(b.Images),
			strconv.Itoa(b.CoreImages),
			strconv.FormatInt(b.ExhaustivePairs, 10),
			strconv.FormatInt(b.SpatialPairs, 10),
			note,
		})
	}
	return rows
}

func sortBoxEstimates(boxes []partition.BoxEstimate) {
	sort.SliceStable(boxes, func(i, j int) bool {
		if boxes[i].Images != boxes[j].Images {
			return boxes[i].Images > boxes[j].Images
		}
		return boxes[i].ID < boxes[j].ID
	})
}
