package aggregate

import (
	"errors"

	identitymodels "idgraph/internal/identity/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/platform/sentinel"
)

// DefaultHopCap bounds redirect chains. Merges always point at a live
// identity, so a chain longer than this means corruption.
const DefaultHopCap = 8

// Resolve follows merge redirects from identityID until it reaches an
// identity that is not merged. It fails with CodeCycleDetected when the chain
// loops or runs past hopCap.
func Resolve(r store.Reader, identityID id.IdentityID, hopCap int) (*identitymodels.Identity, error) {
	if hopCap <= 0 {
		hopCap = DefaultHopCap
	}
	current, err := lookup(r, identityID)
	if err != nil {
		return nil, err
	}
	visited := map[id.IdentityID]struct{}{identityID: {}}
	for hops := 0; ; hops++ {
		next, merged := current.Redirect()
		if !merged {
			return current, nil
		}
		if hops >= hopCap {
			return nil, dErrors.Newf(dErrors.CodeCycleDetected, "redirect chain from %s exceeds %d hops", identityID, hopCap).
				WithInvariant("redirect_resolution").
				WithEntities(identityID)
		}
		if _, seen := visited[next]; seen {
			return nil, dErrors.New(dErrors.CodeCycleDetected, "redirect chain loops").
				WithInvariant("redirect_resolution").
				WithEntities(identityID, next)
		}
		visited[next] = struct{}{}
		if current, err = lookup(r, next); err != nil {
			return nil, err
		}
	}
}

// ResolveID is Resolve for callers that only need the live id. Unknown and
// unresolvable ids come back unchanged so scope functions can still lock them.
func ResolveID(r store.Reader, identityID id.IdentityID, hopCap int) id.IdentityID {
	ident, err := Resolve(r, identityID, hopCap)
	if err != nil {
		return identityID
	}
	return ident.ID
}

func lookup(r store.Reader, identityID id.IdentityID) (*identitymodels.Identity, error) {
	ident, err := r.Identity(identityID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "identity %s not found", identityID).WithEntities(identityID)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return ident, nil
}
