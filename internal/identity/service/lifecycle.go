package service

import (
	"context"
	"errors"
	"strings"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	"idgraph/internal/identity/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/platform/sentinel"
)

type CreateRequest struct {
	// IdentityID is optional. Callers that retry a create pass the same id so
	// the retry cannot produce a second identity.
	IdentityID        id.IdentityID
	Type              models.Type
	ExternalReference string
	Level             models.VerificationLevel
	Claims            []models.ClaimInput
}

// CreateScope locks the new identity and its external reference binding.
func CreateScope(req CreateRequest) aggregate.Scope {
	return func(store.Reader) []aggregate.LockKey {
		return append(aggregate.Keys(req.IdentityID),
			aggregate.ReferenceKey(req.Type, strings.TrimSpace(req.ExternalReference)))
	}
}

// Create registers a new identity in Pending.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Identity, []events.Event, error) {
	if req.IdentityID.IsNil() {
		req.IdentityID = id.NewIdentityID()
	}
	var created *models.Identity
	evts, err := s.gate.Execute(ctx, CreateScope(req), func(tx *aggregate.Tx) error {
		if _, err := tx.Identity(req.IdentityID); err == nil {
			return dErrors.New(dErrors.CodeConflict, "identity id already in use").WithEntities(req.IdentityID)
		}
		ident, err := models.NewIdentity(req.IdentityID, req.Type, req.ExternalReference, req.Level, req.Claims, tx.Now())
		if err != nil {
			return asValidation(err)
		}
		bound, err := tx.IdentityByReference(ident.Type, ident.ExternalReference)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check external reference")
		}
		if bound != nil {
			return dErrors.Newf(dErrors.CodeValidation, "external reference %q already bound to a %s identity", ident.ExternalReference, ident.Type).
				WithInvariant("unique_external_reference").
				WithEntities(bound.ID)
		}
		if err := tx.PutIdentity(ident); err != nil {
			return err
		}
		tx.Emit(ident.ID, events.IdentityCreated{
			IdentityID:        ident.ID,
			IdentityType:      ident.Type,
			ExternalReference: ident.ExternalReference,
			Level:             ident.VerificationLevel,
			Claims:            len(ident.Claims),
		})
		created = ident
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logAudit(ctx, "identity_created",
		"identity_id", created.ID.String(),
		"identity_type", string(created.Type),
		"level", created.VerificationLevel.String())
	return created, evts, nil
}

type UpdateRequest struct {
	IdentityID id.IdentityID
	// ExpectedVersion guards against lost updates. Zero skips the check.
	ExpectedVersion uint64
	Level           *models.VerificationLevel
	AddClaims       []models.ClaimInput
	RemoveClaimIDs  []id.ClaimID
}

// Update applies claim changes and an optional level raise as one version.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*models.Identity, []events.Event, error) {
	var updated *models.Identity
	evts, err := s.gate.Execute(ctx, scopeOf(req.IdentityID), func(tx *aggregate.Tx) error {
		ident, err := loadLive(tx, req.IdentityID)
		if err != nil {
			return err
		}
		if req.ExpectedVersion != 0 && req.ExpectedVersion != ident.Version {
			return dErrors.Newf(dErrors.CodeConflict, "identity is at version %d, expected %d", ident.Version, req.ExpectedVersion).
				WithInvariant("optimistic_version").
				WithEntities(ident.ID)
		}
		prevLevel := ident.VerificationLevel
		if req.Level != nil {
			if err := ident.CanSetLevel(*req.Level); err != nil {
				return err
			}
			ident.RaiseLevel(*req.Level)
		}
		if err := ident.RetractClaims(req.RemoveClaimIDs); err != nil {
			return err
		}
		added, err := ident.AddClaims(req.AddClaims, tx.Now())
		if err != nil {
			return asValidation(err)
		}
		ident.Touch(tx.Now())
		if err := tx.PutIdentity(ident); err != nil {
			return err
		}
		tx.Emit(ident.ID, updatedEvent(ident, ident.Status, prevLevel, claimIDs(added), req.RemoveClaimIDs))
		updated = ident
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logAudit(ctx, "identity_updated",
		"identity_id", updated.ID.String(),
		"version", updated.Version,
		"claims_added", len(req.AddClaims),
		"claims_removed", len(req.RemoveClaimIDs))
	return updated, evts, nil
}

type GrantRequest struct {
	IdentityID id.IdentityID
	Level      models.VerificationLevel
	// VerifiedClaim, when set, marks every claim of that type verified.
	VerifiedClaim models.ClaimType
	WorkflowID    id.WorkflowID
}

// GrantLevel is the update path a completed verification feeds into. The
// level only ever moves up, so replaying a grant is a no-op.
func (s *Service) GrantLevel(ctx context.Context, req GrantRequest) (*models.Identity, []events.Event, error) {
	if !req.Level.IsValid() {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "unknown verification level").WithEntities(req.IdentityID)
	}
	var granted *models.Identity
	changed := false
	evts, err := s.gate.Execute(ctx, s.resolvedScope(req.IdentityID), func(tx *aggregate.Tx) error {
		ident, err := tx.Resolve(req.IdentityID)
		if err != nil {
			return err
		}
		if ident.IsArchived() {
			return dErrors.New(dErrors.CodeInvalidState, "cannot grant a level to an archived identity").
				WithInvariant("identity_lifecycle").
				WithEntities(ident.ID)
		}
		granted = ident
		prevLevel := ident.VerificationLevel
		raised := ident.RaiseLevel(req.Level)
		var retracted, reissued []models.Claim
		if req.VerifiedClaim != "" {
			retracted, reissued = ident.ReissueVerified(req.VerifiedClaim, tx.Now())
		}
		if !raised && len(reissued) == 0 {
			return nil
		}
		changed = true
		ident.Touch(tx.Now())
		if err := tx.PutIdentity(ident); err != nil {
			return err
		}
		tx.Emit(ident.ID, updatedEvent(ident, ident.Status, prevLevel, claimIDs(reissued), claimIDs(retracted)))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if changed {
		s.logAudit(ctx, "verification_level_applied",
			"identity_id", granted.ID.String(),
			"level", granted.VerificationLevel.String(),
			"workflow_id", req.WorkflowID.String())
	}
	return granted, evts, nil
}

func (s *Service) Activate(ctx context.Context, identityID id.IdentityID) (*models.Identity, []events.Event, error) {
	return s.transition(ctx, identityID, models.StatusActive)
}

func (s *Service) Suspend(ctx context.Context, identityID id.IdentityID) (*models.Identity, []events.Event, error) {
	return s.transition(ctx, identityID, models.StatusSuspended)
}

func (s *Service) Deactivate(ctx context.Context, identityID id.IdentityID) (*models.Identity, []events.Event, error) {
	return s.transition(ctx, identityID, models.StatusDeactivated)
}

// Archive retires an identity. Its relationships are left for the
// revalidation pass to invalidate.
func (s *Service) Archive(ctx context.Context, identityID id.IdentityID) (*models.Identity, []events.Event, error) {
	return s.transition(ctx, identityID, models.StatusArchived)
}

func (s *Service) transition(ctx context.Context, identityID id.IdentityID, next models.Status) (*models.Identity, []events.Event, error) {
	var (
		result *models.Identity
		prev   models.Status
	)
	evts, err := s.gate.Execute(ctx, scopeOf(identityID), func(tx *aggregate.Tx) error {
		ident, err := tx.Identity(identityID)
		if err != nil {
			return translateNotFound(err, identityID)
		}
		if err := ident.CanTransitionTo(next); err != nil {
			return err
		}
		if next == models.StatusActive && ident.Status == models.StatusPending && ident.VerificationLevel < s.activationLevel {
			return dErrors.Newf(dErrors.CodeInvalidState, "activation requires level %s, identity has %s", s.activationLevel, ident.VerificationLevel).
				WithInvariant("activation_level").
				WithEntities(ident.ID)
		}
		prev = ident.Status
		ident.ApplyTransition(next, tx.Now())
		if err := tx.PutIdentity(ident); err != nil {
			return err
		}
		if next == models.StatusArchived {
			tx.Emit(ident.ID, events.IdentityArchived{IdentityID: ident.ID, ExternalReference: ident.ExternalReference})
		} else {
			tx.Emit(ident.ID, updatedEvent(ident, prev, ident.VerificationLevel, nil, nil))
		}
		result = ident
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logAudit(ctx, "identity_"+string(next),
		"identity_id", result.ID.String(),
		"from", string(prev))
	return result, evts, nil
}

// TransitionScope is the lock scope of the lifecycle operations and Update.
func TransitionScope(identityID id.IdentityID) aggregate.Scope { return scopeOf(identityID) }

// GrantScope locks whichever identity identityID currently redirects to.
func GrantScope(identityID id.IdentityID, hopCap int) aggregate.Scope {
	return func(r store.Reader) []aggregate.LockKey {
		return aggregate.Keys(aggregate.ResolveID(r, identityID, hopCap))
	}
}

func (s *Service) resolvedScope(identityID id.IdentityID) aggregate.Scope {
	return GrantScope(identityID, s.gate.HopCap())
}

func scopeOf(ids ...id.IdentityID) aggregate.Scope {
	return func(store.Reader) []aggregate.LockKey { return aggregate.Keys(ids...) }
}

func updatedEvent(ident *models.Identity, prevStatus models.Status, prevLevel models.VerificationLevel, added, removed []id.ClaimID) events.IdentityUpdated {
	return events.IdentityUpdated{
		IdentityID:        ident.ID,
		ExternalReference: ident.ExternalReference,
		Status:            ident.Status,
		PreviousStatus:    prevStatus,
		Level:             ident.VerificationLevel,
		PreviousLevel:     prevLevel,
		AddedClaims:       added,
		RemovedClaims:     removed,
		Version:           ident.Version,
	}
}

func claimIDs(claims []models.Claim) []id.ClaimID {
	if len(claims) == 0 {
		return nil
	}
	out := make([]id.ClaimID, len(claims))
	for i, c := range claims {
		out[i] = c.ID
	}
	return out
}

// asValidation reports model construction failures to the command issuer as
// validation errors.
func asValidation(err error) error {
	if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeInvariantViolation {
		return &dErrors.Error{Code: dErrors.CodeValidation, Message: de.Message, Invariant: de.Invariant, Entities: de.Entities}
	}
	return err
}
