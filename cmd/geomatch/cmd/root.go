package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile         string
	envFile         string
	logLevel        string
	logFormat       string
	workers         int
	inlierThreshold int
	skipVerify      bool
)

var rootCmd = &cobra.Command{
	Use:   "geomatch",
	Short: "Geofenced incremental matching and reconstruction coordinator",
	Long: `geomatch splits a geotagged image collection into overlapping boxes,
proposes candidate pairs for feature matching, grows them across box
borders by query expansion, and drives resumable incremental
reconstruction runs over any subset of the match store.

Features:
  - Grid partitioning with quadtree refinement and margin overlap
  - Spatial and fringe-exhaustive pair proposal
  - Transitive query expansion with a fixed inlier threshold
  - Versioned match store index with O(degree) subset extraction
  - Snapshotted reconstruction runs with divergence retries`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "geomatch.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Optional dotenv file loaded before the configuration")

	// Logging overrides
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	// Processing overrides
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0,
		"Override number of parallel workers")
	rootCmd.PersistentFlags().IntVar(&inlierThreshold, "inlier-threshold", 0,
		"Override the expansion inlier threshold")

	// Safety overrides
	rootCmd.PersistentFlags().BoolVar(&skipVerify, "skip-verify", false,
		"Skip verification of materialized partition databases")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel        string
	LogFormat       string
	Workers         int
	InlierThreshold int
	SkipVerify      bool
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:        logLevel,
		LogFormat:       logFormat,
		Workers:         workers,
		InlierThreshold: inlierThreshold,
		SkipVerify:      skipVerify,
	}
}
