package service

import (
	"context"
	"time"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	relmodels "idgraph/internal/relationship/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

// Reasons recorded on edges the validation pass invalidates.
const (
	ReasonEndpointMissing      = "endpoint_missing"
	ReasonEndpointArchived     = "endpoint_archived"
	ReasonEndpointUnresolvable = "endpoint_unresolvable"
)

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Checked     int
	Changed     int
	Repointed   int
	Invalidated int
	Failed      int
}

// Expire moves every active edge whose expiry has passed to Expired. Each
// edge is its own command, so one failure does not hold back the rest.
func (s *Service) Expire(ctx context.Context, now time.Time) (SweepResult, []events.Event) {
	due := s.index.RelationshipIDs(func(r *relmodels.Relationship) bool { return r.IsDue(now) })
	var (
		result SweepResult
		out    []events.Event
	)
	for _, relID := range due {
		result.Checked++
		evts, err := s.gate.Execute(ctx, relationshipScope(relID, s.gate.HopCap(), false), func(tx *aggregate.Tx) error {
			rel, err := tx.Relationship(relID)
			if err != nil {
				return err
			}
			if !rel.IsDue(now) {
				return nil
			}
			rel.ApplyExpiry(tx.Now())
			if err := tx.PutRelationship(rel); err != nil {
				return err
			}
			tx.Emit(rel.Source, events.RelationshipExpired{
				RelationshipID: rel.ID,
				Source:         rel.Source,
				Target:         rel.Target,
				RelType:        rel.Type,
			})
			return nil
		})
		if err != nil {
			result.Failed++
			s.logSweepFailure(ctx, "relationship_expiry_failed", relID, err)
			continue
		}
		if len(evts) > 0 {
			result.Changed++
		}
		out = append(out, evts...)
	}
	if result.Changed > 0 {
		s.logAudit(ctx, "relationships_expired", "count", result.Changed)
	}
	return result, out
}

// Validate re-resolves the endpoints of active edges. An edge pointing at a
// merged identity is moved to the survivor when it still fits there; an edge
// whose endpoint is missing, archived or unresolvable is marked invalid.
// Nothing is deleted. scope limits the pass to edges touching one identity.
func (s *Service) Validate(ctx context.Context, scope *id.IdentityID) (SweepResult, []events.Event) {
	candidates := s.index.RelationshipIDs(func(r *relmodels.Relationship) bool {
		return r.IsActive() && (scope == nil || r.Touches(*scope))
	})
	var (
		result SweepResult
		out    []events.Event
	)
	for _, relID := range candidates {
		result.Checked++
		var outcome validation
		evts, err := s.gate.Execute(ctx, relationshipScope(relID, s.gate.HopCap(), true), func(tx *aggregate.Tx) error {
			var err error
			outcome, err = s.revalidate(tx, relID)
			return err
		})
		if err != nil {
			result.Failed++
			s.logSweepFailure(ctx, "relationship_validation_failed", relID, err)
			continue
		}
		switch outcome {
		case validationRepointed:
			result.Repointed++
			result.Changed++
		case validationInvalidated:
			result.Invalidated++
			result.Changed++
		}
		out = append(out, evts...)
	}
	if result.Changed > 0 {
		s.logAudit(ctx, "relationships_validated",
			"checked", result.Checked,
			"repointed", result.Repointed,
			"invalidated", result.Invalidated)
	}
	return result, out
}

type validation int

const (
	validationUnchanged validation = iota
	validationRepointed
	validationInvalidated
)

func (s *Service) revalidate(tx *aggregate.Tx, relID id.RelationshipID) (validation, error) {
	rel, err := tx.Relationship(relID)
	if err != nil {
		return validationUnchanged, err
	}
	if !rel.IsActive() {
		return validationUnchanged, nil
	}
	now := tx.Now()
	repointed := false
	for _, endpoint := range []id.IdentityID{rel.Source, rel.Target} {
		live, err := tx.Resolve(endpoint)
		var reason string
		switch {
		case dErrors.HasCode(err, dErrors.CodeNotFound):
			reason = ReasonEndpointMissing
		case dErrors.HasCode(err, dErrors.CodeCycleDetected):
			reason = ReasonEndpointUnresolvable
		case err != nil:
			return validationUnchanged, err
		case live.IsArchived():
			reason = ReasonEndpointArchived
		}
		if reason != "" {
			return validationInvalidated, s.invalidate(tx, rel, reason)
		}
		if live.ID != endpoint {
			rel.Repoint(endpoint, live.ID, now)
			repointed = true
		}
	}
	if !repointed {
		return validationUnchanged, nil
	}
	placement, err := CheckPlacement(tx, rel, s.searchLimit)
	if err != nil {
		return validationUnchanged, err
	}
	if placement != PlacementOK {
		return validationInvalidated, s.invalidate(tx, rel, string(placement)+"_after_redirect")
	}
	return validationRepointed, tx.PutRelationship(rel)
}

func (s *Service) invalidate(tx *aggregate.Tx, rel *relmodels.Relationship, reason string) error {
	rel.ApplyInvalidation(reason, tx.Now())
	if err := tx.PutRelationship(rel); err != nil {
		return err
	}
	tx.Emit(rel.Source, events.RelationshipInvalidated{
		RelationshipID: rel.ID,
		Source:         rel.Source,
		Target:         rel.Target,
		RelType:        rel.Type,
		Reason:         reason,
	})
	return nil
}

// relationshipScope locks the edge's stored endpoints. With resolve set it
// also locks where they redirect to, and the type's graph when the edge is
// hierarchical, because validation may move the edge.
func relationshipScope(relID id.RelationshipID, hopCap int, resolve bool) aggregate.Scope {
	return func(r store.Reader) []aggregate.LockKey {
		rel, err := r.Relationship(relID)
		if err != nil {
			return nil
		}
		keys := aggregate.Keys(rel.Source, rel.Target)
		if resolve {
			keys = append(keys, aggregate.Keys(
				aggregate.ResolveID(r, rel.Source, hopCap),
				aggregate.ResolveID(r, rel.Target, hopCap),
			)...)
			if rel.Type.IsHierarchical() {
				keys = append(keys, aggregate.GraphKey(rel.Type))
			}
		}
		return keys
	}
}

func (s *Service) logSweepFailure(ctx context.Context, event string, relID id.RelationshipID, err error) {
	if s.logger == nil {
		return
	}
	s.logger.WarnContext(ctx, event,
		"relationship_id", relID.String(),
		"code", string(dErrors.CodeOf(err)),
		"error", err)
}
