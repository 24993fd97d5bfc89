// Package reconstruct drives incremental reconstruction runs over partition
// subsets: initial pair selection, registration, periodic snapshots, resume,
// divergence retries and connected component splitting.
package reconstruct

import (
	"context"
	"errors"
	"time"

	"github.com/dbsmedya/geomatch/internal/matchstore"
	"github.com/dbsmedya/geomatch/internal/snapshot"
	"github.com/dbsmedya/geomatch/internal/types"
)

// State is a run state.
type State string

const (
	StatePending         State = "pending"
	StateInitializing    State = "initializing"
	StateRegistering     State = "registering"
	StateConverged       State = "converged"
	StateDiverged        State = "diverged"
	StateExhausted       State = "exhausted"
	StateSnapshotWritten State = "snapshot-written"
)

// Terminal reports whether s ends the registration phase.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateDiverged || s == StateExhausted
}

var (
	// ErrNoInitPair means no pair satisfies the initialization policy.
	ErrNoInitPair = errors.New("no eligible initial pair")
	// ErrInvalidInitPair means an init pair override is not a verified pair
	// of the run's images.
	ErrInvalidInitPair = errors.New("init pair override not in partition")
	// ErrModelNotReady means the engine has no complete model on disk yet.
	// A periodic snapshot that hits it is retried on the next registration.
	ErrModelNotReady = errors.New("engine model not ready")
)

// StepKind classifies one engine step.
type StepKind int

const (
	// StepRegistered means one image was added to the model.
	StepRegistered StepKind = iota
	// StepUnstable means local refinement failed to stabilize.
	StepUnstable
	// StepExhausted means no further image can be registered.
	StepExhausted
)

func (k StepKind) String() string {
	switch k {
	case StepRegistered:
		return "registered"
	case StepUnstable:
		return "unstable"
	case StepExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Step is the outcome of one registration attempt.
type Step struct {
	Kind  StepKind
	Image string // record id, set for StepRegistered
}

// Model summarizes the engine's current model. Dir holds the engine files
// that make up a snapshot payload.
type Model struct {
	Dir             string
	Registered      []string
	NumPoints       int
	MeanReprojError float64
}

// RunRequest is everything an engine needs to start or resume a run.
type RunRequest struct {
	RunID            string
	Partition        *matchstore.PartitionDatabase
	DatabasePath     string   // materialized partition database
	Images           []string // record ids to reconstruct, sorted
	Resume           *snapshot.Snapshot
	ResumeDir        string // restored payload of Resume
	InitPair         *types.PairKey
	SnapshotInterval int
	WorkDir          string
}

// Engine starts reconstruction sessions.
type Engine interface {
	Open(ctx context.Context, req RunRequest) (Session, error)
}

// Session is one running reconstruction.
type Session interface {
	Step(ctx context.Context) (Step, error)
	Checkpoint(ctx context.Context) (*Model, error)
	Close() error
}

// RunInfo identifies a run for the recorder.
type RunInfo struct {
	RunID       string
	PartitionID string
	Images      int
}

// Recorder persists run progress. All methods are best effort from the
// coordinator's point of view.
type Recorder interface {
	StartRun(ctx context.Context, info RunInfo) error
	RecordState(ctx context.Context, runID string, state State) error
	RecordSnapshot(ctx context.Context, snap *snapshot.Snapshot) error
	FinishRun(ctx context.Context, report *Report) error
}

// Locker serializes work on a run across machines.
type Locker interface {
	WithRunLock(ctx context.Context, runID string, fn func() error) error
}

// Report is the outcome of one run.
type Report struct {
	RunID        string
	PartitionID  string
	State        State // converged, diverged or exhausted
	Images       int
	Registered   int
	Ratio        float64
	Components   int
	SnapshotID   string // snapshot to resume from
	Snapshots    int    // written by this invocation
	Retries      int
	LostProgress bool
	Cancelled    bool
	Skipped      bool // already finished by an earlier invocation
	InitPair     *types.PairKey
	Duration     time.Duration
	Err          error
}

// PartitionReport is the outcome of all component runs of one partition.
type PartitionReport struct {
	PartitionID string
	Components  int
	Runs        []*Report
	Unreachable []string // images in singleton components
}
