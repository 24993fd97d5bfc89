package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dbsmedya/geomatch/internal/config"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/metrics"
	"github.com/dbsmedya/geomatch/internal/snapshot"
	"github.com/dbsmedya/geomatch/internal/types"
)

// Params controls the coordinator.
type Params struct {
	Init              InitPolicy
	TargetRatio       float64
	SnapshotInterval  int
	MaxRefineFailures int
	MaxRetries        int
	RetryEscalation   float64
	InlierThreshold   int // edges of the component graph
	Workers           int
}

// ParamsFromConfig maps configuration onto Params.
func ParamsFromConfig(rc config.ReconstructionConfig, inlierThreshold, workers int) Params {
	return Params{
		Init: InitPolicy{
			MinInliers:          rc.MinInitInliers,
			MinSeparationMeters: rc.MinSeparationMeters,
		},
		TargetRatio:       rc.TargetRatio,
		SnapshotInterval:  rc.SnapshotInterval,
		MaxRefineFailures: rc.MaxRefineFailures,
		MaxRetries:        rc.MaxRetries,
		RetryEscalation:   rc.RetryEscalation,
		InlierThreshold:   inlierThreshold,
		Workers:           workers,
	}
}

// Coordinator runs the reconstruction state machine.
type Coordinator struct {
	engine   Engine
	store    *snapshot.Store
	dist     Distancer
	params   Params
	workDir  string
	recorder Recorder
	locker   Locker
	log      *logger.Logger
}

// NewCoordinator validates params and wires the collaborators.
func NewCoordinator(engine Engine, store *snapshot.Store, dist Distancer, params Params, workDir string, log *logger.Logger) (*Coordinator, error) {
	if engine == nil || store == nil || dist == nil {
		return nil, errors.New("engine, snapshot store and distancer are required")
	}
	if params.TargetRatio <= 0 || params.TargetRatio > 1 {
		return nil, fmt.Errorf("target ratio must be in (0, 1], got %v", params.TargetRatio)
	}
	if params.SnapshotInterval <= 0 {
		return nil, fmt.Errorf("snapshot interval must be positive, got %d", params.SnapshotInterval)
	}
	if params.MaxRefineFailures <= 0 {
		return nil, fmt.Errorf("max refine failures must be positive, got %d", params.MaxRefineFailures)
	}
	if params.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative, got %d", params.MaxRetries)
	}
	if params.RetryEscalation < 1 {
		params.RetryEscalation = 1.5
	}
	if params.Workers <= 0 {
		params.Workers = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		engine:  engine,
		store:   store,
		dist:    dist,
		params:  params,
		workDir: workDir,
		log:     log,
	}, nil
}

// WithRecorder persists run progress through r.
func (c *Coordinator) WithRecorder(r Recorder) *Coordinator {
	c.recorder = r
	return c
}

// WithLocker guards every run with l.
func (c *Coordinator) WithLocker(l Locker) *Coordinator {
	c.locker = l
	return c
}

// RunSpec describes one run.
type RunSpec struct {
	RunID        string
	Partition    *matchstore.PartitionDatabase
	DatabasePath string
	Images       []string
	InitPair     *types.PairKey
	ResumeFrom   string // snapshot id; empty resumes from the run's head if any
	Components   int
}

// Run executes one run under the run lock. A run whose head snapshot is
// final is not repeated unless ResumeFrom names a snapshot explicitly.
func (c *Coordinator) Run(ctx context.Context, spec RunSpec) (*Report, error) {
	if spec.RunID == "" || spec.Partition == nil {
		return nil, errors.New("run id and partition are required")
	}
	if c.locker == nil {
		return c.run(ctx, spec)
	}
	var rep *Report
	err := c.locker.WithRunLock(ctx, spec.RunID, func() error {
		var err error
		rep, err = c.run(ctx, spec)
		return err
	})
	return rep, err
}

// attempt holds the progress of one pass through the state machine.
type attempt struct {
	state      State
	registered map[string]struct{}
	written    []*snapshot.Snapshot
	last       *snapshot.Snapshot // newest snapshot this attempt builds on
	good       *snapshot.Snapshot // newest snapshot before the first unstable refinement
	since      int                // registrations since the last snapshot
	initPair   *types.PairKey
	cancelled  bool
}

func (c *Coordinator) run(ctx context.Context, spec RunSpec) (*Report, error) {
	start := time.Now()
	log := c.log.WithRun(spec.RunID)
	images := sortedUnique(spec.Images)

	rep := &Report{
		RunID:       spec.RunID,
		PartitionID: spec.Partition.ID,
		Images:      len(images),
		Components:  spec.Components,
	}
	defer func() { rep.Duration = time.Since(start) }()

	resume, err := c.resumePoint(ctx, spec)
	if err != nil {
		rep.Err = err
		return rep, err
	}
	if resume != nil {
		// A model holding images outside the run cannot seed the engine.
		if outside := len(resume.Registered) - countIn(resume.Registered, images); outside > 0 {
			if spec.ResumeFrom != "" {
				err := fmt.Errorf("snapshot %s registers %d images outside run %s", resume.ID, outside, spec.RunID)
				rep.Err = err
				return rep, err
			}
			log.Warnw("head snapshot does not fit the run's images, starting over",
				"snapshot", resume.ID, "outside", outside)
			resume = nil
		}
	}
	if resume != nil {
		rep.SnapshotID = resume.ID
		if resume.Final && spec.ResumeFrom == "" {
			rep.Skipped = true
			rep.State = State(resume.State)
			rep.Registered = countIn(resume.Registered, images)
			rep.Ratio = ratio(rep.Registered, len(images))
			log.Infow("run already finished", "snapshot", resume.ID, "state", resume.State)
			return rep, nil
		}
	}

	c.startRun(ctx, log, RunInfo{RunID: spec.RunID, PartitionID: spec.Partition.ID, Images: len(images)})

	policy := c.params.Init
	for n := 0; ; n++ {
		lastAttempt := n >= c.params.MaxRetries
		a, err := c.attempt(ctx, log, spec, images, n, policy, resume, lastAttempt)

		rep.Snapshots += len(a.written)
		if a.last != nil {
			rep.SnapshotID = a.last.ID
		}
		if a.initPair != nil {
			rep.InitPair = a.initPair
		}
		rep.Registered = len(a.registered)
		rep.Ratio = ratio(rep.Registered, len(images))

		if err != nil {
			rep.Err = err
			rep.Cancelled = a.cancelled
			rep.LostProgress = rep.SnapshotID == ""
			if rep.LostProgress {
				log.Errorw("run interrupted without a snapshot, progress lost", "error", err)
			} else {
				log.Warnw("run interrupted, resumable", "snapshot", rep.SnapshotID, "error", err)
			}
			c.finishRun(ctx, log, rep)
			return rep, err
		}

		if a.state != StateDiverged || lastAttempt {
			rep.State = reportedState(a.state, lastAttempt)
			break
		}

		rep.Retries++
		policy = policy.Escalate(c.params.RetryEscalation)
		resume = a.good
		from := ""
		if resume != nil {
			from = resume.ID
		}
		log.Warnw("run diverged, retrying with stricter initialization",
			"retry", rep.Retries,
			"min_init_inliers", policy.MinInliers,
			"min_separation_m", policy.MinSeparationMeters,
			"resume_from", from,
		)
	}

	metrics.RunsTotal.WithLabelValues(string(rep.State)).Inc()
	log.Infow("run finished",
		"state", rep.State,
		"registered", rep.Registered,
		"images", rep.Images,
		"ratio", fmt.Sprintf("%.3f", rep.Ratio),
		"snapshot", rep.SnapshotID,
		"retries", rep.Retries,
	)
	c.finishRun(ctx, log, rep)
	return rep, nil
}

// reportedState maps a terminal state onto what the run reports. A
// divergence with no retries left is reported as exhausted.
func reportedState(s State, lastAttempt bool) State {
	if s == StateDiverged && lastAttempt {
		return StateExhausted
	}
	return s
}

func (c *Coordinator) resumePoint(ctx context.Context, spec RunSpec) (*snapshot.Snapshot, error) {
	if spec.ResumeFrom != "" {
		snap, err := c.store.Get(spec.ResumeFrom)
		if err != nil {
			return nil, fmt.Errorf("failed to load resume snapshot: %w", err)
		}
		return snap, nil
	}
	snap, err := c.store.Latest(ctx, spec.RunID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

func (c *Coordinator) attempt(ctx context.Context, log *logger.Logger, spec RunSpec, images []string, n int, policy InitPolicy, resume *snapshot.Snapshot, lastAttempt bool) (*attempt, error) {
	a := &attempt{
		state:      StatePending,
		registered: make(map[string]struct{}),
		last:       resume,
		good:       resume,
	}
	c.setState(ctx, log, spec.RunID, StatePending)

	inRun := make(map[string]struct{}, len(images))
	for _, id := range images {
		inRun[id] = struct{}{}
	}

	dir := filepath.Join(c.workDir, spec.RunID, fmt.Sprintf("attempt-%d", n))
	if err := os.RemoveAll(dir); err != nil {
		return a, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return a, err
	}

	req := RunRequest{
		RunID:            spec.RunID,
		Partition:        spec.Partition,
		DatabasePath:     spec.DatabasePath,
		Images:           images,
		SnapshotInterval: c.params.SnapshotInterval,
		WorkDir:          dir,
	}

	if resume != nil {
		req.Resume = resume
		req.ResumeDir = filepath.Join(dir, "resume")
		if _, err := c.store.Restore(ctx, resume.ID, req.ResumeDir); err != nil {
			return a, fmt.Errorf("failed to restore %s: %w", resume.ID, err)
		}
		for _, id := range resume.Registered {
			if _, ok := inRun[id]; ok {
				a.registered[id] = struct{}{}
			}
		}
		log.Infow("resuming from snapshot", "snapshot", resume.ID, "registered", len(resume.Registered))
	} else {
		a.state = StateInitializing
		c.setState(ctx, log, spec.RunID, a.state)

		choice, err := c.chooseInit(spec, images, policy)
		if errors.Is(err, ErrNoInitPair) {
			log.Warnw("no initial pair satisfies the policy",
				"min_init_inliers", policy.MinInliers,
				"min_separation_m", policy.MinSeparationMeters,
			)
			a.state = StateExhausted
			return a, nil
		}
		if err != nil {
			return a, err
		}
		a.initPair = &choice.Key
		req.InitPair = &choice.Key
		log.Infow("initial pair selected",
			"pair", choice.Key.String(),
			"inliers", choice.Inliers,
			"separation_m", fmt.Sprintf("%.1f", choice.Separation),
		)
	}

	sess, err := c.engine.Open(ctx, req)
	if err != nil {
		return a, fmt.Errorf("failed to start engine: %w", err)
	}
	defer sess.Close()

	a.state = StateRegistering
	c.setState(ctx, log, spec.RunID, a.state)

	failures := 0
	unstableSeen := false
loop:
	for {
		if ctx.Err() != nil {
			return c.interrupt(ctx, log, spec, sess, a)
		}
		if ratio(len(a.registered), len(images)) >= c.params.TargetRatio {
			a.state = StateConverged
			break
		}

		step, err := sess.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupt(ctx, log, spec, sess, a)
			}
			return a, fmt.Errorf("engine step failed: %w", err)
		}

		switch step.Kind {
		case StepRegistered:
			if _, ok := inRun[step.Image]; !ok {
				continue
			}
			if _, dup := a.registered[step.Image]; dup {
				continue
			}
			a.registered[step.Image] = struct{}{}
			a.since++
			failures = 0
			metrics.RegistrationsTotal.Inc()

			if a.since >= c.params.SnapshotInterval {
				snap, err := c.snapshot(ctx, log, spec, sess, a, StateRegistering, false)
				if errors.Is(err, ErrModelNotReady) {
					log.Debugw("engine model not written yet, deferring snapshot", "pending", a.since, "error", err)
					continue
				}
				if err != nil {
					return a, err
				}
				if !unstableSeen {
					a.good = snap
				}
			}
		case StepUnstable:
			failures++
			unstableSeen = true
			log.Warnw("refinement failed to stabilize", "consecutive", failures, "limit", c.params.MaxRefineFailures)
			if failures >= c.params.MaxRefineFailures {
				a.state = StateDiverged
				break loop
			}
		case StepExhausted:
			a.state = StateExhausted
			break loop
		}
	}

	c.setState(ctx, log, spec.RunID, a.state)
	if len(a.registered) > 0 {
		final := a.state != StateDiverged || lastAttempt
		if _, err := c.snapshot(ctx, log, spec, sess, a, reportedState(a.state, lastAttempt), final); err != nil {
			return a, err
		}
		c.setState(ctx, log, spec.RunID, StateSnapshotWritten)
	}
	return a, nil
}

func (c *Coordinator) chooseInit(spec RunSpec, images []string, policy InitPolicy) (InitChoice, error) {
	if spec.InitPair != nil {
		choice, err := checkOverride(spec.Partition, images, *spec.InitPair)
		if err != nil {
			return InitChoice{}, err
		}
		if d, ok := c.dist.Distance(choice.Key.A, choice.Key.B); ok {
			choice.Separation = d
		}
		return choice, nil
	}
	choice, ok := SelectInitPair(spec.Partition.Pairs, images, c.dist, policy)
	if !ok {
		return InitChoice{}, ErrNoInitPair
	}
	return choice, nil
}

// interrupt forces a snapshot of unsaved progress before giving up.
func (c *Coordinator) interrupt(ctx context.Context, log *logger.Logger, spec RunSpec, sess Session, a *attempt) (*attempt, error) {
	a.cancelled = true
	if a.since > 0 {
		if _, err := c.snapshot(context.WithoutCancel(ctx), log, spec, sess, a, StateRegistering, false); err != nil {
			log.Errorw("failed to write snapshot on cancellation", "error", err)
		}
	}
	return a, ctx.Err()
}

func (c *Coordinator) snapshot(ctx context.Context, log *logger.Logger, spec RunSpec, sess Session, a *attempt, state State, final bool) (*snapshot.Snapshot, error) {
	model, err := sess.Checkpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to checkpoint model: %w", err)
	}
	meta := snapshot.Snapshot{
		RunID:           spec.RunID,
		Source:          spec.Partition.ID,
		Registered:      model.Registered,
		NumPoints:       model.NumPoints,
		MeanReprojError: model.MeanReprojError,
		Final:           final,
		State:           string(state),
	}
	if a.last != nil {
		meta.Parent = a.last.ID
	}
	snap, err := c.store.Write(ctx, meta, model.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	a.written = append(a.written, snap)
	a.last = snap
	a.since = 0

	if c.recorder != nil {
		if err := c.recorder.RecordSnapshot(ctx, snap); err != nil {
			log.Warnw("failed to record snapshot", "snapshot", snap.ID, "error", err)
		}
	}
	return snap, nil
}

func (c *Coordinator) setState(ctx context.Context, log *logger.Logger, runID string, s State) {
	log.Debugw("run state", "state", s)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordState(ctx, runID, s); err != nil {
		log.Warnw("failed to record run state", "state", s, "error", err)
	}
}

func (c *Coordinator) startRun(ctx context.Context, log *logger.Logger, info RunInfo) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.StartRun(ctx, info); err != nil {
		log.Warnw("failed to record run start", "error", err)
	}
}

func (c *Coordinator) finishRun(ctx context.Context, log *logger.Logger, rep *Report) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.FinishRun(context.WithoutCancel(ctx), rep); err != nil {
		log.Warnw("failed to record run result", "error", err)
	}
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func countIn(ids, set []string) int {
	in := make(map[string]struct{}, len(set))
	for _, id := range set {
		in[id] = struct{}{}
	}
	n := 0
	for _, id := range ids {
		if _, ok := in[id]; ok {
			n++
		}
	}
	return n
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
