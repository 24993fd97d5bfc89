package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/metrics"
)

// Store keeps snapshots in a local directory as <id>.snap and <id>.json.
type Store struct {
	dir         string
	compression string
	head        Head
	mirror      Mirror
	log         *logger.Logger
	now         func() time.Time
}

// NewStore creates the directory if needed. A nil head uses a FileHead in
// the same directory.
func NewStore(dir, compression string, head Head, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if compression == "" {
		compression = CompressionZstd
	}
	if _, err := compressWriter(io.Discard, compression); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	if head == nil {
		head = NewFileHead(dir)
	}
	return &Store{dir: dir, compression: compression, head: head, log: log, now: time.Now}, nil
}

// WithMirror copies every written snapshot to m.
func (s *Store) WithMirror(m Mirror) *Store {
	s.mirror = m
	return s
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) payloadPath(id string) string { return filepath.Join(s.dir, id+".snap") }
func (s *Store) metaPath(id string) string    { return filepath.Join(s.dir, id+".json") }

// Write archives the files under payloadDir as the next snapshot of
// meta.RunID. The caller sets RunID, Parent, Source, the model summary and
// Final; the store assigns ID, Sequence and the payload fields. Nothing is
// visible under the final names until it is fully on disk, and the head
// moves last.
func (s *Store) Write(ctx context.Context, meta Snapshot, payloadDir string) (*Snapshot, error) {
	if meta.RunID == "" {
		return nil, errors.New("snapshot run id is required")
	}

	cur, found, err := s.head.Get(ctx, meta.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to read head of %s: %w", meta.RunID, err)
	}
	seq := 1
	if found {
		seq = cur.Sequence + 1
	}

	snap := meta
	snap.ID = snapshotID(meta.RunID, seq)
	snap.Sequence = seq
	snap.CreatedAt = s.now().UTC()
	snap.PayloadKey = snap.ID + ".snap"
	snap.Compression = s.compression
	snap.Registered = append([]string(nil), meta.Registered...)
	sort.Strings(snap.Registered)

	size, sum, err := s.writePayload(payloadDir, s.payloadPath(snap.ID))
	if err != nil {
		return nil, err
	}
	snap.Size = size
	snap.SHA256 = sum

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.metaPath(snap.ID), b); err != nil {
		os.Remove(s.payloadPath(snap.ID))
		return nil, fmt.Errorf("failed to write snapshot descriptor: %w", err)
	}

	if err := s.head.Advance(ctx, meta.RunID, Ref{ID: snap.ID, Sequence: seq}); err != nil {
		os.Remove(s.metaPath(snap.ID))
		os.Remove(s.payloadPath(snap.ID))
		return nil, err
	}

	metrics.SnapshotsTotal.Inc()
	metrics.SnapshotBytesTotal.Add(float64(size))
	s.log.Infow("snapshot written",
		"snapshot", snap.ID,
		"parent", snap.Parent,
		"registered", len(snap.Registered),
		"bytes", size,
		"final", snap.Final,
	)

	if s.mirror != nil {
		s.mirrorSnapshot(ctx, &snap)
	}
	return &snap, nil
}

func (s *Store) writePayload(src, dst string) (int64, string, error) {
	tmp, err := os.CreateTemp(s.dir, ".tmp-payload-*")
	if err != nil {
		return 0, "", err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	h := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, h)}
	cw, err := compressWriter(counter, s.compression)
	if err != nil {
		cleanup()
		return 0, "", err
	}
	if err := pack(cw, src); err != nil {
		cw.Close()
		cleanup()
		return 0, "", err
	}
	if err := cw.Close(); err != nil {
		cleanup()
		return 0, "", err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return 0, "", err
	}
	if err := syncDir(s.dir); err != nil {
		return 0, "", err
	}
	return counter.n, hex.EncodeToString(h.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// mirrorSnapshot uploads the payload then the descriptor. Failures leave the
// local snapshot intact and are only logged.
func (s *Store) mirrorSnapshot(ctx context.Context, snap *Snapshot) {
	for _, name := range []string{snap.ID + ".snap", snap.ID + ".json"} {
		if err := s.mirror.Upload(ctx, name, filepath.Join(s.dir, name)); err != nil {
			s.log.Errorw("snapshot mirror upload failed",
				"snapshot", snap.ID,
				"mirror", s.mirror.Name(),
				"object", name,
				"error", err,
			)
			return
		}
	}
	s.log.Debugw("snapshot mirrored", "snapshot", snap.ID, "mirror", s.mirror.Name())
}

// Get reads a snapshot descriptor.
func (s *Store) Get(id string) (*Snapshot, error) {
	b, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot descriptor %s: %w", id, err)
	}
	return &snap, nil
}

// Latest returns the snapshot named by the run's head.
func (s *Store) Latest(ctx context.Context, runID string) (*Snapshot, error) {
	ref, found, err := s.head.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no head for run %s", ErrNotFound, runID)
	}
	return s.Get(ref.ID)
}

// Chain returns id and its ancestors, newest first.
func (s *Store) Chain(id string) ([]*Snapshot, error) {
	var chain []*Snapshot
	seen := map[string]bool{}
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("snapshot chain loops at %s", id)
		}
		seen[id] = true
		snap, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, snap)
		id = snap.Parent
	}
	return chain, nil
}

// List returns the snapshots of runID, or of every run when runID is empty,
// ordered by run then sequence.
func (s *Store) List(runID string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		snap, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Warnw("skipping unreadable snapshot descriptor", "file", name, "error", err)
			continue
		}
		if runID == "" || snap.RunID == runID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Restore checks the payload checksum of id and extracts it into dir.
func (s *Store) Restore(ctx context.Context, id, dir string) (*Snapshot, error) {
	snap, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.payloadPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot payload: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != snap.SHA256 {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r, err := decompressReader(&ctxReader{ctx: ctx, r: f}, snap.Compression)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if err := unpack(r, dir); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", id, err)
	}

	s.log.Infow("snapshot restored", "snapshot", id, "dir", dir)
	return snap, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
