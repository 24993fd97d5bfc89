package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/config"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and run preflight checks",
	Long: `Validate checks the configuration file and runs preflight checks
against every store a reconstruction touches.

Checks performed:
  - Configuration syntax and required fields
  - Image metadata file presence
  - One image file per metadata id under imagery.image_dir
  - Catalog connectivity and table creation
  - Match store index readability
  - Engine database readability and engine binary lookup

Example:
  geomatch validate --config geomatch.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// check is one named preflight step.
type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(outputWriter, "\n=== Configuration Validation ===\n")
	fmt.Fprintf(outputWriter, "Config file: %s\n\n", GetConfigFile())

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(outputWriter, "❌ %v\n", err)
		return fmt.Errorf("configuration is invalid")
	}
	fmt.Fprintln(outputWriter, "✅ Configuration valid")

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	ctx := database.SetupSignalHandler()

	if !runChecks(ctx, preflightChecks(a)) {
		return fmt.Errorf("validation failed")
	}

	fmt.Fprintln(outputWriter, "\n=== Validation Complete ===")
	fmt.Fprintln(outputWriter, "✅ All checks passed")
	return nil
}

// runChecks runs every check, printing one line each, and reports whether
// all passed.
func runChecks(ctx context.Context, checks []check) bool {
	ok := true
	for _, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			fmt.Fprintf(outputWriter, "❌ %s: %v\n", c.name, err)
			ok = false
			continue
		}
		if detail != "" {
			fmt.Fprintf(outputWriter, "✅ %s (%s)\n", c.name, detail)
		} else {
			fmt.Fprintf(outputWriter, "✅ %s\n", c.name)
		}
	}
	return ok
}

func preflightChecks(a *app) []check {
	return []check{
		{"Image metadata", func(ctx context.Context) (string, error) {
			return fileCheck(a.cfg.Imagery.MetadataPath)
		}},
		{"Image files", func(ctx context.Context) (string, error) {
			return imageFilesCheck(a.cfg.Imagery.MetadataPath, a.cfg.Imagery.ImageDir)
		}},
		{"Catalog", func(ctx context.Context) (string, error) {
			cat, closeFn, err := a.openCatalog(ctx)
			if err != nil {
				return "", err
			}
			defer closeFn()
			st, err := cat.GetStats(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s, %d boxes", a.cfg.Catalog.Driver, st.Boxes), nil
		}},
		{"Match index", func(ctx context.Context) (string, error) {
			return indexCheck(ctx, a)
		}},
		{"Engine database", func(ctx context.Context) (string, error) {
			return engineDBCheck(ctx, a.cfg.Colmap)
		}},
		{"Engine binary", func(ctx context.Context) (string, error) {
			return exec.LookPath(a.cfg.Colmap.Binary)
		}},
	}
}

func fileCheck(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	return path, nil
}

// maxListedMissing bounds how many missing ids an image files failure names.
const maxListedMissing = 10

// imageFilesCheck fails when a metadata id, with or without coordinates, has
// no <id>.jpg in imageDir. Files no id refers to are only counted.
func imageFilesCheck(metadataPath, imageDir string) (string, error) {
	ds, err := geo.LoadRecords(metadataPath, imageDir)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return "", fmt.Errorf("failed to list images: %w", err)
	}

	files := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files[e.Name()] = struct{}{}
	}

	ids := make([]string, 0, len(ds.Records)+len(ds.Missing))
	for _, r := range ds.Records {
		ids = append(ids, r.ID)
	}
	ids = append(ids, ds.Missing...)
	sort.Strings(ids)

	var missing []string
	for _, id := range ids {
		name := geo.ImageRecord{ID: id}.Name()
		if _, ok := files[name]; ok {
			delete(files, name)
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		listed := missing
		if len(listed) > maxListedMissing {
			listed = listed[:maxListedMissing]
		}
		return "", fmt.Errorf("%d of %d ids have no file in %s: %s",
			len(missing), len(ids), imageDir, strings.Join(listed, ", "))
	}

	detail := fmt.Sprintf("%d images", len(ids))
	if len(files) > 0 {
		detail += fmt.Sprintf(", %d files not in metadata", len(files))
	}
	return detail, nil
}

// indexCheck opens the index only when it exists so validation never
// creates an empty one.
func indexCheck(ctx context.Context, a *app) (string, error) {
	if _, err := os.Stat(a.cfg.Index.Path); errors.Is(err, os.ErrNotExist) {
		return "not built yet", nil
	} else if err != nil {
		return "", err
	}
	ix, closeFn, err := a.openIndex(ctx)
	if err != nil {
		return "", err
	}
	defer closeFn()
	st, err := ix.Stats(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d images, %d pairs, version %d", st.Images, st.Pairs, st.Version), nil
}

func engineDBCheck(ctx context.Context, cfg config.ColmapConfig) (string, error) {
	if _, err := fileCheck(cfg.DatabasePath); err != nil {
		return "", err
	}
	db, err := colmap.Open(ctx, cfg.DatabasePath, true)
	if err != nil {
		return "", err
	}
	defer db.Close()
	images, err := db.Images(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d images", len(images)), nil
}
