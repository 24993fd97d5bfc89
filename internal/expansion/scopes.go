package expansion

import (
	"sort"

	"github.com/dbsmedya/geomatch/internal/pairs"
	"github.com/dbsmedya/geomatch/internal/partition"
)

// ScopesFor builds one scope per adjacent box pair. The allowed image set is
// the union of both boxes, which lets expansion reach images that lie near
// the shared border but outside the margin band.
func ScopesFor(part *partition.Result, cands *pairs.Result) []Scope {
	scopes := make([]Scope, 0, len(part.Adjacent))
	for _, adj := range part.Adjacent {
		a, okA := part.Box(adj.A)
		b, okB := part.Box(adj.B)
		if !okA || !okB {
			continue
		}
		allowed := unionSorted(a.Images, b.Images)
		scopes = append(scopes, Scope{
			ID:      adj.Key(),
			Seeds:   cands.FringeSeeds(adj.A, adj.B),
			Allowed: allowed,
		})
	}
	return scopes
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
