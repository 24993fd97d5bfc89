// Package snapshot stores reconstruction checkpoints. A snapshot is an
// immutable compressed archive of the engine's model files plus a JSON
// descriptor; snapshots of one run form a chain through their parents and a
// per-run head pointer names the newest one.
package snapshot

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a snapshot or head does not exist.
	ErrNotFound = errors.New("snapshot not found")
	// ErrHeadConflict is returned when another writer advanced the head
	// first.
	ErrHeadConflict = errors.New("snapshot head moved concurrently")
	// ErrCorrupt is returned when a payload does not match its checksum.
	ErrCorrupt = errors.New("snapshot payload corrupt")
)

// Snapshot describes one checkpoint.
type Snapshot struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	Parent          string    `json:"parent,omitempty"`
	Sequence        int       `json:"sequence"`
	Source          string    `json:"source"` // partition database id
	Registered      []string  `json:"registered"`
	NumPoints       int       `json:"num_points"`
	MeanReprojError float64   `json:"mean_reproj_error"`
	CreatedAt       time.Time `json:"created_at"`
	PayloadKey      string    `json:"payload_key"`
	Compression     string    `json:"compression"`
	Size            int64     `json:"size"`
	SHA256          string    `json:"sha256"`
	Final           bool      `json:"final"`
	State           string    `json:"state,omitempty"` // run state when written
}

// Ref is the content of a head pointer.
type Ref struct {
	ID       string `json:"id"`
	Sequence int    `json:"sequence"`
}

func snapshotID(runID string, seq int) string {
	return fmt.Sprintf("%s-s%04d", runID, seq)
}
