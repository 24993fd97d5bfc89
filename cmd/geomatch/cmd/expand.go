package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/database"
	"github.com/dbsmedya/geomatch/internal/expansion"
	"github.com/dbsmedya/geomatch/internal/types"
	"github.com/spf13/cobra"
)

var expandScope string

var expandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Grow cross-border matches by query expansion",
	Long: `Expand verifies the fringe candidates of every adjacent box pair with
colmap matches_importer and then proposes new pairs transitively: when
A-B and B-C are verified above the inlier threshold, A-C is proposed.
Rounds repeat until nothing new is proposed, growth falls below
expansion.min_growth, the pair budget is spent or expansion.max_rounds
is reached.

Verified geometry is ingested into the match store index after every
round and candidate states are recorded in the catalog.

Example:
  geomatch expand --config geomatch.yaml
  geomatch expand --config geomatch.yaml --scope "box-0-0-0|box-0-0-1"`,
	RunE: runExpand,
}

func init() {
	expandCmd.Flags().StringVar(&expandScope, "scope", "",
		"Only expand this adjacent box pair (A|B)")

	rootCmd.AddCommand(expandCmd)
}

func runExpand(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := database.SetupSignalHandler()
	a.serveMetrics(ctx)

	ix, part, err := a.loadPartition(ctx)
	if err != nil {
		return err
	}
	cands, err := a.buildCandidates(ctx, ix, part)
	if err != nil {
		return err
	}

	scopes := expansion.ScopesFor(part, cands)
	if expandScope != "" {
		scopes = filterScopes(scopes, expandScope)
		if len(scopes) == 0 {
			return fmt.Errorf("scope %q is not an adjacent box pair", expandScope)
		}
	}

	index, closeIndex, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	store, err := colmap.Open(ctx, a.cfg.Colmap.DatabasePath, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	index.SetResolver(store)

	cat, closeCatalog, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer closeCatalog()

	runner := colmap.NewRunner(a.cfg.Colmap, a.log)
	verifier := colmap.NewMatchVerifier(runner, a.cfg.Colmap.DatabasePath,
		filepath.Join(a.cfg.Colmap.WorkDir, "verify"), a.log)

	engine, err := expansion.NewEngine(verifier, index, index, expansion.Params{
		Threshold:  a.cfg.Expansion.InlierThreshold,
		MaxRounds:  a.cfg.Expansion.MaxRounds,
		MinGrowth:  a.cfg.Expansion.MinGrowth,
		PairBudget: a.cfg.Expansion.PairBudget,
		Workers:    a.cfg.Processing.Workers,
	}, a.log)
	if err != nil {
		return err
	}

	a.log.Infow("Starting query expansion", "scopes", len(scopes))
	outcomes, expandErr := engine.ExpandAll(ctx, scopes)

	var all []types.PairCandidate
	for _, out := range outcomes {
		all = append(all, out.Candidates...)
	}
	saved, err := cat.SavePairs(ctx, all)
	if err != nil {
		return err
	}

	printExpansion(outcomes, saved)
	if expandErr != nil {
		return fmt.Errorf("expansion finished with errors: %w", expandErr)
	}
	return nil
}

func filterScopes(scopes []expansion.Scope, id string) []expansion.Scope {
	for _, sc := range scopes {
		if sc.ID == id {
			return []expansion.Scope{sc}
		}
	}
	return nil
}

func printExpansion(outcomes []*expansion.Outcome, saved int) {
	printHeader("Query Expansion: %d scopes", len(outcomes))
	fmt.Fprintln(outputWriter)

	rows := make([][]string, 0, len(outcomes))
	totalPairs, totalHigh := 0, 0
	for _, out := range outcomes {
		stop := string(out.Stop)
		if out.Err != nil {
			stop = "failed"
		}
		rows = append(rows, []string{
			out.Scope,
			strconv.Itoa(len(out.Rounds)),
			strconv.Itoa(out.TotalPairs),
			strconv.Itoa(out.VerifiedHigh),
			strconv.Itoa(out.Truncated),
			stop,
		})
		totalPairs += out.TotalPairs
		totalHigh += out.VerifiedHigh
	}
	printTable([]string{"SCOPE", "ROUNDS", "PAIRS", "HIGH", "TRUNCATED", "STOP"}, rows, 5)

	fmt.Fprintln(outputWriter)
	f := newFields()
	f.Set("Pairs proposed", strconv.Itoa(totalPairs))
	f.Set("High inlier", strconv.Itoa(totalHigh))
	f.Set("Catalog updates", strconv.Itoa(saved))
	printFields(f)
}
