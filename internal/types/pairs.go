// Package types contains shared types used across multiple packages to avoid import cycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// PairKey identifies an unordered image pair. A is always the smaller id.
type PairKey struct {
	A string
	B string
}

// NewPairKey returns the canonical key for two image ids.
func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// String renders the key as "a|b".
func (k PairKey) String() string {
	return k.A + "|" + k.B
}

// Other returns the endpoint opposite id.
func (k PairKey) Other(id string) (string, bool) {
	switch id {
	case k.A:
		return k.B, true
	case k.B:
		return k.A, true
	}
	return "", false
}

// Less orders keys lexicographically by (A, B).
func (k PairKey) Less(o PairKey) bool {
	if k.A != o.A {
		return k.A < o.A
	}
	return k.B < o.B
}

// ParsePairKey parses the output of PairKey.String.
func ParsePairKey(s string) (PairKey, error) {
	a, b, ok := strings.Cut(s, "|")
	if !ok || a == "" || b == "" || a == b {
		return PairKey{}, fmt.Errorf("invalid pair key %q", s)
	}
	return NewPairKey(a, b), nil
}

// Origin records which stage proposed a candidate.
type Origin string

const (
	OriginSpatial Origin = "spatial"
	OriginFringe  Origin = "fringe-exhaustive"

	expansionPrefix = "query-expansion-round-"
)

// ExpansionOrigin returns the origin tag of a query expansion round.
func ExpansionOrigin(round int) Origin {
	return Origin(expansionPrefix + strconv.Itoa(round))
}

// Round returns the expansion round encoded in the origin, if any.
func (o Origin) Round() (int, bool) {
	s, ok := strings.CutPrefix(string(o), expansionPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PairState is the verification state of a candidate.
type PairState string

const (
	StateUnverified         PairState = "unverified"
	StateVerifiedLowInlier  PairState = "verified-low-inlier"
	StateVerifiedHighInlier PairState = "verified-high-inlier"
	StateRejected           PairState = "rejected"
)

// Classify maps a verification result onto a candidate state.
func Classify(verified bool, inliers, threshold int) PairState {
	switch {
	case !verified:
		return StateRejected
	case inliers >= threshold:
		return StateVerifiedHighInlier
	default:
		return StateVerifiedLowInlier
	}
}

// PairCandidate is a proposed image pair and its current verification state.
type PairCandidate struct {
	Key     PairKey
	Origin  Origin
	State   PairState
	Inliers int
}

// VerifiedPair is a row of verified two-view geometry.
type VerifiedPair struct {
	Key     PairKey
	Inliers int
	Config  int // engine geometry configuration; <= 1 means undefined/degenerate
}
