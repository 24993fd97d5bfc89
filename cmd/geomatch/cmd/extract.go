package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/spf13/cobra"
)

var (
	extractFlags subsetFlags
	extractOut   string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Write a filtered COLMAP database for an image subset",
	Long: `Extract selects a subset through the match store index and writes a
COLMAP database holding only its cameras, images, keypoints,
descriptors, pose priors and verified pairs. The copy is checked
against the global store with verification.method unless
--skip-verify is set.

Example:
  geomatch extract --box box-0-1-0 --out work/box-0-1-0.db`,
	RunE: runExtract,
}

func init() {
	extractFlags.register(extractCmd)
	extractCmd.Flags().StringVarP(&extractOut, "out", "o", "",
		"Output database path (default: <colmap.work_dir>/<subset id>/database.db)")

	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()

	ids, err := extractFlags.resolve(ctx, a)
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

	out := extractOut
	if out == "" {
		out = filepath.Join(a.cfg.Colmap.WorkDir, pdb.ID, "database.db")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	res, err := pdb.Materialize(ctx, a.cfg.Colmap.DatabasePath, out, a.verificationMethod(), a.log)
	if err != nil {
		return fmt.Errorf("extract failed: %w", err)
	}

	printHeader("Extracted %s", pdb.ID)
	f := newFields()
	f.Set("Output", res.Path)
	f.Set("Images", strconv.FormatInt(res.Filter.Images(), 10))
	f.Set("Geometries", strconv.FormatInt(res.Filter.Geometries(), 10))
	if res.Verify != nil {
		f.Set("Verification", fmt.Sprintf("%s, %d/%d tables passed", res.Verify.Method, res.Verify.TablesPassed, res.Verify.TablesVerified))
	}
	printFields(f)
	return nil
}
