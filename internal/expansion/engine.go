// Package expansion grows the fringe candidate set by transitive proposal
// from verified high-inlier pairs, in bounded sequential rounds.
package expansion

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/metrics"
	"github.com/dbsmedya/geomatch/internal/types"
)

// Verification is the verifier's verdict on one pair.
type Verification struct {
	Key      types.PairKey
	Verified bool
	Inliers  int
	Config   int
}

// Verifier runs feature matching and geometric verification on an explicit
// pair list. Pairs missing from the returned slice count as rejected.
type Verifier interface {
	Verify(ctx context.Context, pairs []types.PairKey) ([]Verification, error)
}

// ResultSink receives verified geometry after every round.
type ResultSink interface {
	Ingest(ctx context.Context, pairs []types.VerifiedPair) error
}

// KnownPairs returns already verified pairs among a set of images.
type KnownPairs interface {
	Pairs(ctx context.Context, ids []string) ([]types.VerifiedPair, error)
}

// StopReason says why a scope stopped expanding.
type StopReason string

const (
	StopConverged   StopReason = "converged"
	StopDiminishing StopReason = "diminishing-growth"
	StopBudget      StopReason = "budget"
	StopMaxRounds   StopReason = "max-rounds"
)

// Params controls expansion. Threshold is never changed by the engine.
type Params struct {
	Threshold  int
	MaxRounds  int
	MinGrowth  float64
	PairBudget int
	Workers    int
}

// Scope is one adjacent box pair: its fringe seeds and the images
// expansion may propose pairs between.
type Scope struct {
	ID      string
	Seeds   []types.PairKey
	Allowed []string
}

// RoundStats describes one round.
type RoundStats struct {
	Round         int
	Proposed      int
	Verified      int
	Promoted      int
	Rejected      int
	TotalProposed int
	TotalVerified int
}

// Outcome is the report of one scope.
type Outcome struct {
	Scope        string
	Rounds       []RoundStats
	Candidates   []types.PairCandidate // pairs proposed by this invocation, sorted by key
	TotalPairs   int
	VerifiedHigh int
	Stop         StopReason
	Truncated    int // proposals dropped by the budget
	Err          error
}

// Engine runs expansion rounds against a Verifier.
type Engine struct {
	verifier Verifier
	sink     ResultSink
	known    KnownPairs
	params   Params
	log      *logger.Logger
}

// NewEngine creates an Engine. sink and known may be nil.
func NewEngine(v Verifier, sink ResultSink, known KnownPairs, params Params, log *logger.Logger) (*Engine, error) {
	if v == nil {
		return nil, fmt.Errorf("verifier is nil")
	}
	if params.Threshold <= 0 {
		return nil, fmt.Errorf("inlier threshold must be positive, got %d", params.Threshold)
	}
	if params.MaxRounds <= 0 {
		return nil, fmt.Errorf("max rounds must be positive, got %d", params.MaxRounds)
	}
	if params.PairBudget <= 0 {
		return nil, fmt.Errorf("pair budget must be positive, got %d", params.PairBudget)
	}
	if params.Workers <= 0 {
		params.Workers = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{verifier: v, sink: sink, known: known, params: params, log: log}, nil
}

// scopeState is the mutable state of one scope. Rounds mutate it strictly
// in sequence.
type scopeState struct {
	allowed  map[string]struct{}
	proposed map[types.PairKey]*types.PairCandidate
	known    map[types.PairKey]struct{} // verified before this invocation
	high     map[string]map[string]struct{}
}

func (s *scopeState) addHigh(k types.PairKey) {
	for _, e := range [][2]string{{k.A, k.B}, {k.B, k.A}} {
		if s.high[e[0]] == nil {
			s.high[e[0]] = make(map[string]struct{})
		}
		s.high[e[0]][e[1]] = struct{}{}
	}
}

// Expand runs the rounds of one scope until a stop condition holds.
// Round 0 verifies the seeds; round k proposes pairs A-C for every
// promoted A-B with an existing high-inlier B-C.
//
// High-inlier pairs verified by an earlier invocation join the first
// proposal, so an interrupted scope continues where it stopped. When every
// seed is already verified the seed round is skipped.
func (e *Engine) Expand(ctx context.Context, scope Scope) (*Outcome, error) {
	log := e.log.WithScope(scope.ID)
	st := &scopeState{
		allowed:  make(map[string]struct{}, len(scope.Allowed)),
		proposed: make(map[types.PairKey]*types.PairCandidate),
		known:    make(map[types.PairKey]struct{}),
		high:     make(map[string]map[string]struct{}),
	}
	for _, id := range scope.Allowed {
		st.allowed[id] = struct{}{}
	}

	// Known pairs are part of the graph but are neither re-proposed nor
	// reported as candidates.
	var resume []types.PairKey
	if e.known != nil && len(scope.Allowed) > 0 {
		known, err := e.known.Pairs(ctx, scope.Allowed)
		if err != nil {
			return nil, fmt.Errorf("scope %s: failed to load known pairs: %w", scope.ID, err)
		}
		for _, p := range known {
			state := types.Classify(p.Config > 1, p.Inliers, e.params.Threshold)
			st.proposed[p.Key] = &types.PairCandidate{Key: p.Key, State: state, Inliers: p.Inliers}
			st.known[p.Key] = struct{}{}
			if state == types.StateVerifiedHighInlier && st.isAllowed(p.Key.A) && st.isAllowed(p.Key.B) {
				st.addHigh(p.Key)
				resume = append(resume, p.Key)
			}
		}
		sort.Slice(resume, func(i, j int) bool { return resume[i].Less(resume[j]) })
	}

	out := &Outcome{Scope: scope.ID}
	batch := st.fresh(scope.Seeds)
	origin := types.OriginFringe
	first := 0
	if len(batch) == 0 && len(resume) > 0 {
		first = 1
		origin = types.ExpansionOrigin(first)
		batch = st.propose(resume)
		resume = nil
		log.Infow("resuming expansion from verified graph", "pairs", len(batch))
	}
	total, verifiedTotal := 0, 0

	for round := first; ; round++ {
		if len(batch) == 0 {
			out.Stop = StopConverged
			break
		}
		if round >= e.params.MaxRounds {
			out.Stop = StopMaxRounds
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		budgetHit := false
		if remaining := e.params.PairBudget - total; len(batch) > remaining {
			out.Truncated += len(batch) - remaining
			batch = batch[:remaining]
			budgetHit = true
		}

		stats, promoted, err := e.runRound(ctx, st, batch, origin)
		if err != nil {
			return out, fmt.Errorf("scope %s round %d: %w", scope.ID, round, err)
		}
		total += len(batch)
		verifiedTotal += stats.Verified
		stats.Round = round
		stats.TotalProposed = total
		stats.TotalVerified = verifiedTotal
		out.Rounds = append(out.Rounds, stats)

		log.WithRound(round).Infow("expansion round complete",
			"proposed", stats.Proposed,
			"verified", stats.Verified,
			"promoted", stats.Promoted,
			"rejected", stats.Rejected,
			"total", total,
		)

		if budgetHit || total >= e.params.PairBudget {
			out.Stop = StopBudget
			break
		}
		if round > first && float64(len(batch)) < e.params.MinGrowth*float64(total) {
			out.Stop = StopDiminishing
			break
		}

		origin = types.ExpansionOrigin(round + 1)
		batch = st.propose(append(promoted, resume...))
		resume = nil
	}

	out.TotalPairs = total
	for _, c := range st.proposed {
		if c.State == types.StateVerifiedHighInlier {
			out.VerifiedHigh++
		}
	}
	out.Candidates = st.candidates()
	metrics.ExpansionRoundsTotal.WithLabelValues(string(out.Stop)).Add(float64(len(out.Rounds)))

	log.Infow("expansion finished",
		"rounds", len(out.Rounds),
		"pairs", out.TotalPairs,
		"verified_high", out.VerifiedHigh,
		"stop", out.Stop,
		"truncated", out.Truncated,
	)
	return out, nil
}

func (e *Engine) runRound(ctx context.Context, st *scopeState, batch []types.PairKey, origin types.Origin) (RoundStats, []types.PairKey, error) {
	stats := RoundStats{Proposed: len(batch)}
	for _, k := range batch {
		st.proposed[k] = &types.PairCandidate{Key: k, Origin: origin, State: types.StateUnverified}
	}

	results, err := e.verifier.Verify(ctx, batch)
	if err != nil {
		return stats, nil, fmt.Errorf("verification failed: %w", err)
	}

	var sinkRows []types.VerifiedPair
	var promoted []types.PairKey
	for _, r := range results {
		c, ok := st.proposed[r.Key]
		if !ok || c.State != types.StateUnverified {
			continue
		}
		c.State = types.Classify(r.Verified, r.Inliers, e.params.Threshold)
		c.Inliers = r.Inliers
		metrics.VerifiedPairsTotal.WithLabelValues(string(c.State)).Inc()
		if r.Verified {
			stats.Verified++
			sinkRows = append(sinkRows, types.VerifiedPair{Key: r.Key, Inliers: r.Inliers, Config: r.Config})
		}
		if c.State == types.StateVerifiedHighInlier {
			promoted = append(promoted, r.Key)
			st.addHigh(r.Key)
		}
	}
	for _, k := range batch {
		if c := st.proposed[k]; c.State == types.StateUnverified {
			c.State = types.StateRejected
			metrics.VerifiedPairsTotal.WithLabelValues(string(c.State)).Inc()
		}
		if st.proposed[k].State == types.StateRejected {
			stats.Rejected++
		}
	}
	stats.Promoted = len(promoted)

	if e.sink != nil && len(sinkRows) > 0 {
		if err := e.sink.Ingest(ctx, sinkRows); err != nil {
			return stats, nil, fmt.Errorf("failed to store verified pairs: %w", err)
		}
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i].Less(promoted[j]) })
	return stats, promoted, nil
}

// fresh returns the allowed, not yet proposed keys in canonical order.
func (st *scopeState) fresh(keys []types.PairKey) []types.PairKey {
	set := make(map[types.PairKey]struct{}, len(keys))
	for _, k := range keys {
		k = types.NewPairKey(k.A, k.B)
		if k.A == k.B {
			continue
		}
		if _, ok := st.proposed[k]; ok {
			continue
		}
		if !st.isAllowed(k.A) || !st.isAllowed(k.B) {
			continue
		}
		set[k] = struct{}{}
	}
	out := make([]types.PairKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (st *scopeState) isAllowed(id string) bool {
	if len(st.allowed) == 0 {
		return true
	}
	_, ok := st.allowed[id]
	return ok
}

// propose applies the transitive rule around each newly promoted edge.
func (st *scopeState) propose(promoted []types.PairKey) []types.PairKey {
	var next []types.PairKey
	for _, k := range promoted {
		for _, end := range [][2]string{{k.A, k.B}, {k.B, k.A}} {
			pivot, far := end[0], end[1]
			for n := range st.high[pivot] {
				if n != far {
					next = append(next, types.PairKey{A: far, B: n})
				}
			}
		}
	}
	return st.fresh(next)
}

func (st *scopeState) candidates() []types.PairCandidate {
	out := make([]types.PairCandidate, 0, len(st.proposed)-len(st.known))
	for k, c := range st.proposed {
		if _, ok := st.known[k]; ok {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// ExpandAll runs every scope in parallel. Rounds within a scope stay
// sequential. A failing scope records its error and does not stop the
// others; the joined errors are returned alongside all outcomes.
func (e *Engine) ExpandAll(ctx context.Context, scopes []Scope) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(scopes))
	errs := make([]error, len(scopes))

	g := new(errgroup.Group)
	g.SetLimit(e.params.Workers)
	for i, sc := range scopes {
		g.Go(func() error {
			out, err := e.Expand(ctx, sc)
			if out == nil {
				out = &Outcome{Scope: sc.ID}
			}
			out.Err = err
			outcomes[i] = out
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, errors.Join(errs...)
}
