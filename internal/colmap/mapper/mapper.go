// Package mapper runs reconstruction sessions on the COLMAP incremental
// mapper.
package mapper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dbsmedya/geomatch/internal/colmap"
	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/reconstruct"
)

// ErrNoModel means the mapper has not written a model yet.
var ErrNoModel = fmt.Errorf("mapper has not written a model: %w", reconstruct.ErrModelNotReady)

var (
	registeringRe = regexp.MustCompile(`Registering image #(\d+)`)
	initPairRe    = regexp.MustCompile(`Initializing with image pair #(\d+) and #(\d+)`)
)

const (
	noConvergence = "No convergence"
	noInitPair    = "No good initial image pair found"
	notRegistered = "Could not register"
)

// Engine implements reconstruct.Engine over `colmap mapper`.
type Engine struct {
	runner   *colmap.Runner
	imageDir string
	log      *logger.Logger
}

var _ reconstruct.Engine = (*Engine)(nil)

// NewEngine creates an engine reading image bytes from imageDir.
func NewEngine(runner *colmap.Runner, imageDir string, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{runner: runner, imageDir: imageDir, log: log}
}

// Open starts the mapper on the materialized partition database.
func (e *Engine) Open(ctx context.Context, req reconstruct.RunRequest) (reconstruct.Session, error) {
	ids, err := resolveImages(ctx, req.DatabasePath, req.Images)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(ids))
	for id, eid := range ids {
		names[eid] = id
	}

	listPath := filepath.Join(req.WorkDir, "image_list.txt")
	if err := writeImageList(listPath, req.Images); err != nil {
		return nil, err
	}

	outDir := filepath.Join(req.WorkDir, "sparse")
	snapDir := filepath.Join(req.WorkDir, "snapshots")
	for _, d := range []string{outDir, snapDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	args := []string{
		"--database_path", req.DatabasePath,
		"--image_path", e.imageDir,
		"--output_path", outDir,
		"--Mapper.image_list_path", listPath,
		"--Mapper.multiple_models", "0",
		"--Mapper.snapshot_path", snapDir,
		"--Mapper.snapshot_frames_freq", strconv.Itoa(req.SnapshotInterval),
	}
	if req.Resume != nil {
		args = append(args, "--input_path", req.ResumeDir)
	} else if req.InitPair != nil {
		a, okA := ids[req.InitPair.A]
		b, okB := ids[req.InitPair.B]
		if !okA || !okB {
			return nil, fmt.Errorf("init pair %s has no engine ids", req.InitPair)
		}
		args = append(args,
			"--Mapper.init_image_id1", strconv.FormatInt(a, 10),
			"--Mapper.init_image_id2", strconv.FormatInt(b, 10),
		)
	}

	procCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	wait, err := e.runner.StartMapper(procCtx, args, pw)
	if err != nil {
		cancel()
		pw.Close()
		return nil, err
	}

	s := &session{
		events:  make(chan event, 16),
		cancel:  cancel,
		names:   names,
		outDir:  outDir,
		snapDir: snapDir,
		resume:  req.ResumeDir,
		log:     e.log.WithRun(req.RunID),
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		pw.CloseWithError(wait())
	}()
	go func() {
		defer s.wg.Done()
		s.scan(pr)
	}()
	return s, nil
}

func resolveImages(ctx context.Context, dbPath string, images []string) (map[string]int64, error) {
	db, err := colmap.Open(ctx, dbPath, true)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	ids, err := db.ImageIDsForRecords(ctx, images)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("none of %d images are in %s", len(images), dbPath)
	}
	return ids, nil
}

func writeImageList(path string, images []string) error {
	var b strings.Builder
	for _, id := range images {
		b.WriteString(geo.ImageRecord{ID: id}.Name())
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

type event struct {
	step   reconstruct.Step
	exited bool
	err    error
}

type session struct {
	events  chan event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	names   map[int64]string
	outDir  string
	snapDir string
	resume  string
	log     *logger.Logger
	done    bool

	// pending is the image of the last registration attempt. The mapper
	// announces an attempt before making it, so the image only counts once
	// a later line shows the attempt did not fail.
	pending string
}

// scan turns mapper output into steps. The last event reports the exit.
func (s *session) scan(r io.Reader) {
	defer close(s.events)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.log.Debugw(line, "source", "mapper")
		for _, st := range s.parse(line) {
			s.events <- event{step: st}
		}
	}
	err := sc.Err()
	if err == nil {
		for _, st := range s.confirm() {
			s.events <- event{step: st}
		}
	}
	s.events <- event{exited: true, err: err}
}

func (s *session) parse(line string) []reconstruct.Step {
	if m := initPairRe.FindStringSubmatch(line); m != nil {
		steps := s.confirm()
		for _, raw := range m[1:] {
			if id, ok := s.lookup(raw); ok {
				steps = append(steps, reconstruct.Step{Kind: reconstruct.StepRegistered, Image: id})
			}
		}
		return steps
	}
	if m := registeringRe.FindStringSubmatch(line); m != nil {
		steps := s.confirm()
		s.pending, _ = s.lookup(m[1])
		return steps
	}
	if strings.Contains(line, notRegistered) {
		if s.pending != "" {
			s.log.Debugw("mapper could not register image", "image", s.pending)
		}
		s.pending = ""
		return nil
	}
	if strings.Contains(line, noConvergence) {
		// Bundle adjustment only runs after a successful registration.
		return append(s.confirm(), reconstruct.Step{Kind: reconstruct.StepUnstable})
	}
	if strings.Contains(line, noInitPair) {
		return append(s.confirm(), reconstruct.Step{Kind: reconstruct.StepExhausted})
	}
	return nil
}

// confirm reports the pending image as registered.
func (s *session) confirm() []reconstruct.Step {
	if s.pending == "" {
		return nil
	}
	id := s.pending
	s.pending = ""
	return []reconstruct.Step{{Kind: reconstruct.StepRegistered, Image: id}}
}

func (s *session) lookup(raw string) (string, bool) {
	eid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", false
	}
	id, ok := s.names[eid]
	if !ok {
		s.log.Warnw("mapper registered an image outside the run", "image_id", eid)
	}
	return id, ok
}

// Step returns the next step. A mapper that exits cleanly is exhausted.
func (s *session) Step(ctx context.Context) (reconstruct.Step, error) {
	if s.done {
		return reconstruct.Step{Kind: reconstruct.StepExhausted}, nil
	}
	select {
	case <-ctx.Done():
		return reconstruct.Step{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok || ev.exited {
			s.done = true
			if ok && ev.err != nil {
				return reconstruct.Step{}, fmt.Errorf("mapper exited: %w", ev.err)
			}
			return reconstruct.Step{Kind: reconstruct.StepExhausted}, nil
		}
		return ev.step, nil
	}
}

// Checkpoint summarizes the newest model the mapper has written: its last
// periodic snapshot or its final output, falling back to the resumed model.
func (s *session) Checkpoint(ctx context.Context) (*reconstruct.Model, error) {
	dir, err := s.newestModel()
	if err != nil {
		return nil, err
	}
	sum, err := colmap.ReadModel(dir)
	if err != nil {
		// The mapper may still be writing the files of its newest model.
		return nil, fmt.Errorf("%w: failed to read %s: %w", reconstruct.ErrModelNotReady, dir, err)
	}
	ids := make([]string, len(sum.Registered))
	for i, name := range sum.Registered {
		ids[i] = geo.IDFromName(name)
	}
	return &reconstruct.Model{
		Dir:             dir,
		Registered:      ids,
		NumPoints:       sum.NumPoints,
		MeanReprojError: sum.MeanReprojError,
	}, nil
}

func (s *session) newestModel() (string, error) {
	snap, err := colmap.LatestModelDir(s.snapDir)
	if err != nil {
		return "", err
	}
	out, err := colmap.LatestModelDir(s.outDir)
	if err != nil {
		return "", err
	}
	best := newer(snap, out)
	if best == "" && s.resume != "" {
		if _, err := os.Stat(filepath.Join(s.resume, "images.bin")); err == nil {
			best = s.resume
		}
	}
	if best == "" {
		return "", ErrNoModel
	}
	return best, nil
}

func newer(a, b string) string {
	if a == "" || b == "" {
		return a + b
	}
	sa, errA := os.Stat(filepath.Join(a, "images.bin"))
	sb, errB := os.Stat(filepath.Join(b, "images.bin"))
	if errA != nil {
		return b
	}
	if errB != nil {
		return a
	}
	if sb.ModTime().After(sa.ModTime()) {
		return b
	}
	return a
}

// Close stops the mapper and waits for its output to drain.
func (s *session) Close() error {
	s.cancel()
	go func() {
		for range s.events {
		}
	}()
	s.wg.Wait()
	return nil
}
