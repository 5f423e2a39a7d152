package service

import (
	"iter"
	"slices"

	"idgraph/internal/aggregate"
	relmodels "idgraph/internal/relationship/models"
	id "idgraph/pkg/domain"
)

// Hop is one identity reached by a traversal.
type Hop struct {
	Identity id.IdentityID `json:"identity"`
	Distance int           `json:"distance"`
	// Path lists the identities from the start (inclusive) to Identity
	// (inclusive); Via lists the relationships taken between them.
	Path []id.IdentityID     `json:"path"`
	Via  []id.RelationshipID `json:"via"`
}

// Traverse walks active outgoing edges breadth first from the live identity
// behind start, yielding every identity within maxDepth hops exactly once in
// nondecreasing distance. An empty filter follows every type; maxDepth zero
// uses the configured default.
//
// The sequence is lazy and holds no state between iterations: ranging over
// it again starts a fresh walk over current committed state.
func (s *Service) Traverse(start id.IdentityID, filter []relmodels.Type, maxDepth int) iter.Seq[Hop] {
	if maxDepth <= 0 {
		maxDepth = s.defaultDepth
	}
	filter = slices.Clone(filter)
	return func(yield func(Hop) bool) {
		r := s.gate.Reader()
		origin, err := aggregate.Resolve(r, start, s.gate.HopCap())
		if err != nil {
			return
		}
		visited := map[id.IdentityID]struct{}{origin.ID: {}}
		frontier := []Hop{{Identity: origin.ID, Path: []id.IdentityID{origin.ID}}}
		for len(frontier) > 0 {
			var next []Hop
			for _, from := range frontier {
				if from.Distance >= maxDepth {
					continue
				}
				for _, rel := range r.RelationshipsOf(from.Identity) {
					if !rel.IsActive() || rel.Source != from.Identity || !matches(filter, rel.Type) {
						continue
					}
					if _, seen := visited[rel.Target]; seen {
						continue
					}
					visited[rel.Target] = struct{}{}
					hop := Hop{
						Identity: rel.Target,
						Distance: from.Distance + 1,
						Path:     append(slices.Clip(from.Path), rel.Target),
						Via:      append(slices.Clip(from.Via), rel.ID),
					}
					if !yield(hop) {
						return
					}
					next = append(next, hop)
				}
			}
			frontier = next
		}
	}
}

func matches(filter []relmodels.Type, t relmodels.Type) bool {
	return len(filter) == 0 || slices.Contains(filter, t)
}
