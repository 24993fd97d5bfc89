// Package colmap adapts the COLMAP engine: its SQLite database, the
// matches_importer verifier, the incremental mapper and the binary model
// format.
package colmap

import "fmt"

// MaxImageID is the exclusive upper bound on image ids; pair ids pack two
// ids into one integer with it.
const MaxImageID int64 = 2147483647

// PairID packs two image ids into a pair id. The smaller id comes first.
func PairID(id1, id2 int64) int64 {
	if id1 > id2 {
		id1, id2 = id2, id1
	}
	return id1*MaxImageID + id2
}

// SplitPairID is the inverse of PairID.
func SplitPairID(pairID int64) (int64, int64) {
	id2 := pairID % MaxImageID
	id1 := (pairID - id2) / MaxImageID
	return id1, id2
}

// ValidImageID reports whether id fits the pair id encoding.
func ValidImageID(id int64) error {
	if id < 0 || id >= MaxImageID {
		return fmt.Errorf("image id %d out of range [0, %d)", id, MaxImageID)
	}
	return nil
}
