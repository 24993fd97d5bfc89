package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/pairs"
	"github.com/spf13/cobra"
)

var (
	pairsOutDir string
	pairsNoSave bool
)

var pairsCmd = &cobra.Command{
	Use:   "pairs",
	Short: "Propose candidate pairs for feature matching",
	Long: `Pairs partitions the collection and proposes candidate pairs: each
image with its nearest in-box neighbors, plus every pair inside the
fringe band shared by two adjacent boxes.

One pair list per box, one per fringe and a merged all.txt are written
in the matches_importer "pairs" format. Candidates are recorded in the
catalog as unverified.

Example:
  geomatch pairs --config geomatch.yaml --out pairs/`,
	RunE: runPairs,
}

func init() {
	pairsCmd.Flags().StringVarP(&pairsOutDir, "out", "o", "",
		"Directory for pair lists (default: pairing.output_dir)")
	pairsCmd.Flags().BoolVar(&pairsNoSave, "no-catalog", false,
		"Do not record candidates in the catalog")

	rootCmd.AddCommand(pairsCmd)
}

func runPairs(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	ix, part, err := a.loadPartition(ctx)
	if err != nil {
		return err
	}
	res, err := a.buildCandidates(ctx, ix, part)
	if err != nil {
		return err
	}

	dir := pairsOutDir
	if dir == "" {
		dir = a.cfg.Pairing.OutputDir
	}
	written, err := res.WriteFiles(dir)
	if err != nil {
		return err
	}

	saved := 0
	if !pairsNoSave {
		cat, closeFn, err := a.openCatalog(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		if saved, err = cat.SavePairs(ctx, res.Candidates); err != nil {
			return err
		}
	}

	printPairsSummary(res, len(written), dir, saved)
	return nil
}

func printPairsSummary(res *pairs.Result, files int, dir string, saved int) {
	printHeader("Candidate Pairs")
	fmt.Fprintln(outputWriter)

	f := newFields()
	f.Set("Candidates", strconv.Itoa(len(res.Candidates)))
	f.Set("Spatial", strconv.Itoa(res.SpatialProposed))
	f.Set("Fringe", strconv.Itoa(res.FringeProposed))
	f.Set("Duplicates", strconv.Itoa(res.Duplicates))
	f.Set("Pair lists", fmt.Sprintf("%d in %s", files, dir))
	f.Set("Catalog rows", strconv.Itoa(saved))
	printFields(f)

	if res.Starvation.Empty() {
		return
	}
	fmt.Fprintln(outputWriter)
	printSection("Starved")
	if len(res.Starvation.Boxes) > 0 {
		fmt.Fprintf(outputWriter, "  boxes:   %s\n", strings.Join(res.Starvation.Boxes, ", "))
	}
	if len(res.Starvation.Fringes) > 0 {
		fmt.Fprintf(outputWriter, "  fringes: %s\n", strings.Join(res.Starvation.Fringes, ", "))
	}
}
