package colmap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// ModelSummary describes a sparse model directory.
type ModelSummary struct {
	Dir             string
	Registered      []string // image names, sorted
	NumPoints       int
	MeanReprojError float64
}

// ReadModel summarizes the images.bin and points3D.bin files in dir.
func ReadModel(dir string) (*ModelSummary, error) {
	names, err := readImagesBin(filepath.Join(dir, "images.bin"))
	if err != nil {
		return nil, err
	}
	n, mean, err := readPointsBin(filepath.Join(dir, "points3D.bin"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return &ModelSummary{Dir: dir, Registered: names, NumPoints: n, MeanReprojError: mean}, nil
}

// readImagesBin returns the names of the registered images.
func readImagesBin(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	names := make([]string, 0, count)
	// image_id u32, qvec 4xf64, tvec 3xf64, camera_id u32
	header := make([]byte, 4+8*4+8*3+4)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, fmt.Errorf("%s: image %d: %w", path, i, err)
		}
		name, err := r.ReadString(0)
		if err != nil {
			return nil, fmt.Errorf("%s: image %d name: %w", path, i, err)
		}
		names = append(names, name[:len(name)-1])

		var numPoints uint64
		if err := binary.Read(r, binary.LittleEndian, &numPoints); err != nil {
			return nil, fmt.Errorf("%s: image %d: %w", path, i, err)
		}
		// x f64, y f64, point3D_id i64
		if _, err := r.Discard(int(numPoints) * 24); err != nil {
			return nil, fmt.Errorf("%s: image %d points: %w", path, i, err)
		}
	}
	return names, nil
}

// readPointsBin returns the point count and the mean reprojection error.
func readPointsBin(path string) (int, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", path, err)
	}

	// point3D_id u64, xyz 3xf64, rgb 3xu8, error f64
	rec := make([]byte, 8+8*3+3+8)
	var sum float64
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return 0, 0, fmt.Errorf("%s: point %d: %w", path, i, err)
		}
		sum += math.Float64frombits(binary.LittleEndian.Uint64(rec[len(rec)-8:]))

		var track uint64
		if err := binary.Read(r, binary.LittleEndian, &track); err != nil {
			return 0, 0, fmt.Errorf("%s: point %d: %w", path, i, err)
		}
		// image_id u32, point2D_idx u32
		if _, err := r.Discard(int(track) * 8); err != nil {
			return 0, 0, fmt.Errorf("%s: point %d track: %w", path, i, err)
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return int(count), sum / float64(count), nil
}

// LatestModelDir returns the most recently modified sub-directory of root
// that holds an images.bin, or "" if there is none.
func LatestModelDir(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	var best string
	var bestTime int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		st, err := os.Stat(filepath.Join(dir, "images.bin"))
		if err != nil {
			continue
		}
		if t := st.ModTime().UnixNano(); best == "" || t > bestTime || (t == bestTime && dir > best) {
			best, bestTime = dir, t
		}
	}
	return best, nil
}

// WriteModel writes a model in the binary format with one observation per
// image and a two-view track per point. errs holds the per-point
// reprojection errors.
func WriteModel(dir string, names []string, errs []float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	img, err := os.Create(filepath.Join(dir, "images.bin"))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(img)
	binary.Write(w, binary.LittleEndian, uint64(len(names)))
	for i, name := range names {
		binary.Write(w, binary.LittleEndian, uint32(i+1))
		binary.Write(w, binary.LittleEndian, [4]float64{1, 0, 0, 0})
		binary.Write(w, binary.LittleEndian, [3]float64{})
		binary.Write(w, binary.LittleEndian, uint32(1))
		w.WriteString(name)
		w.WriteByte(0)
		binary.Write(w, binary.LittleEndian, uint64(1))
		binary.Write(w, binary.LittleEndian, [2]float64{10, 20})
		binary.Write(w, binary.LittleEndian, int64(-1))
	}
	if err := w.Flush(); err != nil {
		img.Close()
		return err
	}
	if err := img.Close(); err != nil {
		return err
	}

	pts, err := os.Create(filepath.Join(dir, "points3D.bin"))
	if err != nil {
		return err
	}
	w = bufio.NewWriter(pts)
	binary.Write(w, binary.LittleEndian, uint64(len(errs)))
	for i, e := range errs {
		binary.Write(w, binary.LittleEndian, uint64(i+1))
		binary.Write(w, binary.LittleEndian, [3]float64{})
		w.Write([]byte{255, 255, 255})
		binary.Write(w, binary.LittleEndian, e)
		binary.Write(w, binary.LittleEndian, uint64(2))
		binary.Write(w, binary.LittleEndian, [4]uint32{1, 0, 2, 0})
	}
	if err := w.Flush(); err != nil {
		pts.Close()
		return err
	}
	return pts.Close()
}
