package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePayload(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func newTestStore(t *testing.T, compression string) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "snaps"), compression, nil, nil)
	require.NoError(t, err)
	return s
}

func TestWriteAndRestore(t *testing.T) {
	for _, compression := range []string{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(compression, func(t *testing.T) {
			s := newTestStore(t, compression)
			ctx := context.Background()
			payload := writePayload(t, map[string]string{
				"images.bin":   "images",
				"points3D.bin": "points",
				"sub/cams.bin": "cameras",
			})

			snap, err := s.Write(ctx, Snapshot{
				RunID:      "p1-cc0",
				Source:     "abcd",
				Registered: []string{"b", "a"},
				NumPoints:  12,
			}, payload)
			require.NoError(t, err)
			assert.Equal(t, "p1-cc0-s0001", snap.ID)
			assert.Equal(t, 1, snap.Sequence)
			assert.Equal(t, []string{"a", "b"}, snap.Registered)
			assert.Equal(t, compression, snap.Compression)
			assert.NotEmpty(t, snap.SHA256)
			assert.Positive(t, snap.Size)

			got, err := s.Get(snap.ID)
			require.NoError(t, err)
			assert.Equal(t, snap.SHA256, got.SHA256)
			assert.Equal(t, "abcd", got.Source)

			out := t.TempDir()
			_, err = s.Restore(ctx, snap.ID, out)
			require.NoError(t, err)
			for name, want := range map[string]string{"images.bin": "images", "points3D.bin": "points", "sub/cams.bin": "cameras"} {
				b, err := os.ReadFile(filepath.Join(out, name))
				require.NoError(t, err)
				assert.Equal(t, want, string(b))
			}
		})
	}
}

func TestChainAndLatest(t *testing.T) {
	s := newTestStore(t, CompressionZstd)
	ctx := context.Background()
	payload := writePayload(t, map[string]string{"images.bin": "x"})

	first, err := s.Write(ctx, Snapshot{RunID: "r"}, payload)
	require.NoError(t, err)
	second, err := s.Write(ctx, Snapshot{RunID: "r", Parent: first.ID}, payload)
	require.NoError(t, err)
	// A retry branches from the first snapshot.
	branch, err := s.Write(ctx, Snapshot{RunID: "r", Parent: first.ID, Final: true}, payload)
	require.NoError(t, err)
	_, err = s.Write(ctx, Snapshot{RunID: "other"}, payload)
	require.NoError(t, err)

	assert.Equal(t, 3, branch.Sequence)

	latest, err := s.Latest(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, branch.ID, latest.ID)
	assert.True(t, latest.Final)

	chain, err := s.Chain(branch.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, branch.ID, chain[0].ID)
	assert.Equal(t, first.ID, chain[1].ID)

	chain, err = s.Chain(second.ID)
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	list, err := s.List("r")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{list[0].Sequence, list[1].Sequence, list[2].Sequence})

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = s.Latest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreDetectsCorruption(t *testing.T) {
	s := newTestStore(t, CompressionNone)
	ctx := context.Background()
	snap, err := s.Write(ctx, Snapshot{RunID: "r"}, writePayload(t, map[string]string{"images.bin": "abc"}))
	require.NoError(t, err)

	f, err := os.OpenFile(s.payloadPath(snap.ID), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Restore(ctx, snap.ID, t.TempDir())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t, CompressionZstd)
	_, err := s.Write(context.Background(), Snapshot{RunID: "r"}, writePayload(t, map[string]string{"a": "1"}))
	require.NoError(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"HEAD-r", "r-s0001.snap", "r-s0001.json"}, names)
}

type conflictHead struct{ FileHead }

func (h *conflictHead) Advance(ctx context.Context, runID string, ref Ref) error {
	return ErrHeadConflict
}

func TestWriteHeadConflictRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, CompressionNone, &conflictHead{FileHead{dir: dir}}, nil)
	require.NoError(t, err)

	_, err = s.Write(context.Background(), Snapshot{RunID: "r"}, writePayload(t, map[string]string{"a": "1"}))
	assert.ErrorIs(t, err, ErrHeadConflict)

	_, err = os.Stat(filepath.Join(dir, "r-s0001.snap"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "r-s0001.json"))
	assert.True(t, os.IsNotExist(err))
}

type recordingMirror struct {
	keys []string
	err  error
}

func (m *recordingMirror) Name() string { return "mem" }

func (m *recordingMirror) Upload(ctx context.Context, key, localPath string) error {
	if m.err != nil {
		return m.err
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	m.keys = append(m.keys, key)
	return nil
}

func TestWriteMirrors(t *testing.T) {
	s := newTestStore(t, CompressionZstd)
	m := &recordingMirror{}
	s.WithMirror(m)

	snap, err := s.Write(context.Background(), Snapshot{RunID: "r"}, writePayload(t, map[string]string{"a": "1"}))
	require.NoError(t, err)
	assert.Equal(t, []string{snap.ID + ".snap", snap.ID + ".json"}, m.keys)

	s.WithMirror(&recordingMirror{err: errors.New("offline")})
	_, err = s.Write(context.Background(), Snapshot{RunID: "r"}, writePayload(t, map[string]string{"a": "2"}))
	assert.NoError(t, err, "mirror failures keep the local snapshot")
}

func TestNewStoreRejectsUnknownCompression(t *testing.T) {
	_, err := NewStore(t.TempDir(), "brotli", nil, nil)
	assert.Error(t, err)
}

func TestFileHead(t *testing.T) {
	h := NewFileHead(t.TempDir())
	ctx := context.Background()

	_, found, err := h.Get(ctx, "r")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.Advance(ctx, "r", Ref{ID: "r-s0001", Sequence: 1}))
	require.NoError(t, h.Advance(ctx, "r", Ref{ID: "r-s0002", Sequence: 2}))
	err = h.Advance(ctx, "r", Ref{ID: "r-s0002", Sequence: 2})
	assert.ErrorIs(t, err, ErrHeadConflict)

	ref, found, err := h.Get(ctx, "r")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Ref{ID: "r-s0002", Sequence: 2}, ref)
}

func TestUnpackRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	err = unpack(&buf, filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
}

func TestCreatedAtUsesClock(t *testing.T) {
	s := newTestStore(t, CompressionNone)
	s.now = func() time.Time { return time.Unix(0, 0) }
	snap, err := s.Write(context.Background(), Snapshot{RunID: "r"}, writePayload(t, map[string]string{"ok": "1"}))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(0, 0).UTC(), snap.CreatedAt)
}
