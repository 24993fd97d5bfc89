package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/spf13/cobra"
)

// subsetFlags selects an image subset by box or by an id list file.
type subsetFlags struct {
	box    string
	images string
}

func (f *subsetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.box, "box", "", "Box id whose images form the subset")
	cmd.Flags().StringVar(&f.images, "images", "", "File with one image id per line")
}

// resolve returns the selected image ids.
func (f *subsetFlags) resolve(ctx context.Context, a *app) ([]string, error) {
	if f.box == "" {
		return f.resolveIn(nil, a)
	}
	ix, err := a.loadImages(ctx)
	if err != nil {
		return nil, err
	}
	return f.resolveIn(ix, a)
}

// resolveIn is resolve over already loaded records.
func (f *subsetFlags) resolveIn(ix *geo.Index, a *app) ([]string, error) {
	switch {
	case f.box != "" && f.images != "":
		return nil, fmt.Errorf("--box and --images are mutually exclusive")
	case f.images != "":
		return readIDList(f.images)
	case f.box != "":
		part, err := partition.Partition(ix, a.partitionParams())
		if err != nil {
			return nil, fmt.Errorf("partitioning failed: %w", err)
		}
		return boxImages(part, f.box)
	}
	return nil, fmt.Errorf("one of --box or --images is required")
}

func readIDList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image list: %w", err)
	}
	defer file.Close()

	var ids []string
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read image list: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("image list %s is empty", path)
	}
	return ids, nil
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Maintain the match store index",
	Long: `Index keeps a per-image neighbor index over the verified two-view
geometry of the global COLMAP database so that the pairs of any image
subset can be extracted without scanning the whole store.`,
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the index from the global match store",
	Long: `Build scans two_view_geometries of colmap.database_path once and
ingests every verified pair. Rebuilding an existing index only adds
rows and bumps its version.

Example:
  geomatch index build --config geomatch.yaml`,
	RunE: runIndexBuild,
}

var indexSubsetFlags subsetFlags

var indexSubsetCmd = &cobra.Command{
	Use:   "subset",
	Short: "Show the verified pairs inside an image subset",
	Long: `Subset looks up the neighbor lists of the selected images and reports
the pairs whose endpoints both lie in the subset, together with the
subset id and the index version it was read at.

Example:
  geomatch index subset --box box-0-1-0
  geomatch index subset --images ids.txt`,
	RunE: runIndexSubset,
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index size and version",
	RunE:  runIndexStats,
}

func init() {
	indexSubsetFlags.register(indexSubsetCmd)

	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexSubsetCmd)
	indexCmd.AddCommand(indexStatsCmd)
	rootCmd.AddCommand(indexCmd)
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	src, err := colmap.Open(ctx, a.cfg.Colmap.DatabasePath, true)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	ix, closeFn, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := ix.Build(ctx, src)
	if err != nil {
		return fmt.Errorf("index build failed: %w", err)
	}

	printHeader("Index Built")
	f := newFields()
	f.Set("Source", a.cfg.Colmap.DatabasePath)
	f.Set("Index", ix.Path())
	f.Set("Images", strconv.Itoa(stats.Images))
	f.Set("Verified pairs", strconv.Itoa(stats.Pairs))
	f.Set("Rejected rows", strconv.Itoa(stats.Rejected))
	f.Set("Version", strconv.FormatInt(stats.Version, 10))
	printFields(f)
	return nil
}

func runIndexSubset(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	ids, err := indexSubsetFlags.resolve(ctx, a)
	if err != nil {
		return err
	}

	ix, closeFn, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	pdb, err := ix.Subset(ctx, ids)
	if err != nil {
		return err
	}
	printSubset(pdb, a.cfg.Expansion.InlierThreshold)
	return nil
}

func printSubset(pdb *matchstore.PartitionDatabase, threshold int) {
	high := 0
	for _, p := range pdb.Pairs {
		if p.Inliers >= threshold {
			high++
		}
	}

	printHeader("Subset %s", pdb.ID)
	f := newFields()
	f.Set("Index version", strconv.FormatInt(pdb.IndexVersion, 10))
	f.Set("Images", strconv.Itoa(len(pdb.Images)))
	f.Set("Unknown images", strconv.Itoa(len(pdb.Missing)))
	f.Set("Verified pairs", strconv.Itoa(len(pdb.Pairs)))
	f.Set(fmt.Sprintf("Pairs >= %d inliers", threshold), strconv.Itoa(high))
	printFields(f)
}

func runIndexStats(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	ix, closeFn, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := ix.Stats(ctx)
	if err != nil {
		return err
	}
	printHeader("Index %s", ix.Path())
	f := newFields()
	f.Set("Images", strconv.FormatInt(st.Images, 10))
	f.Set("Verified pairs", strconv.FormatInt(st.Pairs, 10))
	f.Set("Version", strconv.FormatInt(st.Version, 10))
	printFields(f)
	return nil
}
