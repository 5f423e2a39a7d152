package service

import (
	"context"
	"time"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	identitymodels "idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

type EstablishRequest struct {
	// RelationshipID is optional; a retried command passes the same id.
	RelationshipID id.RelationshipID
	Source         id.IdentityID
	Target         id.IdentityID
	Type           relmodels.Type
	Metadata       map[string]string
	// EstablishedAt backdates the edge. It defaults to the command time, or to
	// ExpiresAt when that is already past, and may not lie in the future.
	EstablishedAt *time.Time
	ExpiresAt     *time.Time
}

// EstablishScope locks both resolved endpoints, plus the type's graph for
// hierarchical types so concurrent edges cannot close a cycle together.
func EstablishScope(req EstablishRequest, hopCap int) aggregate.Scope {
	return func(r store.Reader) []aggregate.LockKey {
		keys := aggregate.Keys(
			aggregate.ResolveID(r, req.Source, hopCap),
			aggregate.ResolveID(r, req.Target, hopCap),
		)
		if req.Type.IsHierarchical() {
			keys = append(keys, aggregate.GraphKey(req.Type))
		}
		return keys
	}
}

// Establish creates an active edge between the live identities behind
// source and target.
func (s *Service) Establish(ctx context.Context, req EstablishRequest) (*relmodels.Relationship, []events.Event, error) {
	rule, ok := relmodels.RuleFor(req.Type)
	if !ok {
		return nil, nil, dErrors.Newf(dErrors.CodeValidation, "unknown relationship type %q", req.Type)
	}
	if req.RelationshipID.IsNil() {
		req.RelationshipID = id.NewRelationshipID()
	}

	var rel *relmodels.Relationship
	evts, err := s.gate.Execute(ctx, EstablishScope(req, s.gate.HopCap()), func(tx *aggregate.Tx) error {
		if _, err := tx.Relationship(req.RelationshipID); err == nil {
			return dErrors.New(dErrors.CodeConflict, "relationship id already in use").WithEntities(req.RelationshipID)
		}
		src, err := tx.Resolve(req.Source)
		if err != nil {
			return err
		}
		tgt, err := tx.Resolve(req.Target)
		if err != nil {
			return err
		}
		for _, endpoint := range []*identitymodels.Identity{src, tgt} {
			if endpoint.IsArchived() {
				return dErrors.New(dErrors.CodeInvalidState, "archived identities cannot gain relationships").
					WithInvariant("endpoints_not_archived").
					WithEntities(endpoint.ID)
			}
		}
		if src.ID == tgt.ID {
			return dErrors.New(dErrors.CodeValidation, "relationship cannot connect an identity to itself").
				WithInvariant("no_self_edge").
				WithEntities(src.ID)
		}
		if !rule.Accepts(src.Type, tgt.Type) {
			return dErrors.Newf(dErrors.CodeValidation, "%s cannot join a %s to a %s", req.Type, src.Type, tgt.Type).
				WithInvariant("relationship_type_compat").
				WithEntities(src.ID, tgt.ID)
		}

		establishedAt := tx.Now()
		switch {
		case req.EstablishedAt != nil:
			if req.EstablishedAt.After(establishedAt) {
				return dErrors.New(dErrors.CodeValidation, "established time cannot be in the future").
					WithInvariant("expiry_after_established")
			}
			establishedAt = *req.EstablishedAt
		case req.ExpiresAt != nil && req.ExpiresAt.Before(establishedAt):
			// Already past expiry: store it active and let the next sweep expire it.
			establishedAt = *req.ExpiresAt
		}
		candidate, err := relmodels.NewRelationship(req.RelationshipID, src.ID, tgt.ID, req.Type, req.Metadata, establishedAt, req.ExpiresAt)
		if err != nil {
			return asValidation(err)
		}

		for _, other := range tx.RelationshipsOf(src.ID) {
			if rule.Collides(candidate, other) {
				return dErrors.Newf(dErrors.CodeConflict, "an active %s relationship already occupies this slot", req.Type).
					WithInvariant("relationship_cardinality").
					WithEntities(src.ID, tgt.ID, other.ID)
			}
		}
		if rule.Hierarchical {
			cycle, err := aggregate.Reaches(tx, tgt.ID, src.ID, req.Type, s.searchLimit)
			if err != nil {
				return err
			}
			if cycle {
				return dErrors.Newf(dErrors.CodeCycleDetected, "%s edge would close a cycle", req.Type).
					WithInvariant("hierarchy_acyclic").
					WithEntities(src.ID, tgt.ID)
			}
		}

		if err := tx.PutRelationship(candidate); err != nil {
			return err
		}
		tx.Emit(src.ID, events.RelationshipEstablished{
			RelationshipID: candidate.ID,
			Source:         candidate.Source,
			Target:         candidate.Target,
			RelType:        candidate.Type,
			ExpiresAt:      candidate.ExpiresAt,
		})
		rel = candidate
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logAudit(ctx, "relationship_established",
		"relationship_id", rel.ID.String(),
		"relationship_type", string(rel.Type),
		"source", rel.Source.String(),
		"target", rel.Target.String())
	return rel, evts, nil
}

func asValidation(err error) error {
	if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeInvariantViolation {
		return &dErrors.Error{Code: dErrors.CodeValidation, Message: de.Message, Invariant: de.Invariant, Entities: de.Entities}
	}
	return err
}
