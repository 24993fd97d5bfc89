package pairs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/types"
)

// WritePairList writes pairs in the engine's explicit pair-list format, one
// "<a>.jpg <b>.jpg" line per pair.
func WritePairList(w io.Writer, pairs []types.PairKey) error {
	bw := bufio.NewWriter(w)
	for _, p := range pairs {
		if _, err := fmt.Fprintf(bw, "%s.jpg %s.jpg\n", p.A, p.B); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadPairList parses a pair list. Blank lines and # comments are skipped.
func ReadPairList(r io.Reader) ([]types.PairKey, error) {
	var out []types.PairKey
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected two image names, got %q", line, text)
		}
		a, b := geo.IDFromName(fields[0]), geo.IDFromName(fields[1])
		if a == b {
			return nil, fmt.Errorf("line %d: image paired with itself", line)
		}
		out = append(out, types.NewPairKey(a, b))
	}
	return out, sc.Err()
}

// WritePairFile writes a pair list to path atomically.
func WritePairFile(path string, pairs []types.PairKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := WritePairList(tmp, pairs); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteFiles writes one list per box, one per fringe and the merged list
// under dir. It returns the written paths.
func (r *Result) WriteFiles(dir string) ([]string, error) {
	var written []string
	write := func(name string, pairs []types.PairKey) error {
		p := filepath.Join(dir, name)
		if err := WritePairFile(p, pairs); err != nil {
			return fmt.Errorf("failed to write %s: %w", p, err)
		}
		written = append(written, p)
		return nil
	}

	for _, bp := range r.InBox {
		if len(bp.Pairs) == 0 {
			continue
		}
		if err := write(filepath.Join("boxes", bp.BoxID+".txt"), bp.Pairs); err != nil {
			return written, err
		}
	}
	for _, fp := range r.Fringe {
		if len(fp.Pairs) == 0 {
			continue
		}
		if err := write(filepath.Join("fringes", fp.A+"__"+fp.B+".txt"), fp.Pairs); err != nil {
			return written, err
		}
	}
	if err := write("all_pairs.txt", r.Keys()); err != nil {
		return written, err
	}
	return written, nil
}
