package commands

import (
	"context"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	identityservice "idgraph/internal/identity/service"
	relservice "idgraph/internal/relationship/service"
	"idgraph/internal/store"
	wfservice "idgraph/internal/workflow/service"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

// Dispatcher routes commands to the owning service.
type Dispatcher struct {
	identities    *identityservice.Service
	relationships *relservice.Service
	workflows     *wfservice.Service
	hopCap        int
}

func NewDispatcher(identities *identityservice.Service, relationships *relservice.Service, workflows *wfservice.Service, hopCap int) *Dispatcher {
	if hopCap <= 0 {
		hopCap = aggregate.DefaultHopCap
	}
	return &Dispatcher{
		identities:    identities,
		relationships: relationships,
		workflows:     workflows,
		hopCap:        hopCap,
	}
}

// Keys returns the aggregates cmd is expected to lock, computed against r.
// The scheduler groups commands whose keys overlap.
func (d *Dispatcher) Keys(r store.Reader, cmd Command) []aggregate.LockKey {
	scope := d.scope(cmd)
	if scope == nil {
		return nil
	}
	return scope(r)
}

func (d *Dispatcher) scope(cmd Command) aggregate.Scope {
	switch c := cmd.(type) {
	case CreateIdentity:
		return identityservice.CreateScope(c.request())
	case UpdateIdentity:
		return identityservice.TransitionScope(c.IdentityID)
	case MergeIdentities:
		return identityservice.MergeScope(c.request(), d.hopCap)
	case ActivateIdentity:
		return identityservice.TransitionScope(c.IdentityID)
	case SuspendIdentity:
		return identityservice.TransitionScope(c.IdentityID)
	case DeactivateIdentity:
		return identityservice.TransitionScope(c.IdentityID)
	case ArchiveIdentity:
		return identityservice.TransitionScope(c.IdentityID)
	case GrantVerificationLevel:
		return identityservice.GrantScope(c.IdentityID, d.hopCap)
	case EstablishRelationship:
		return relservice.EstablishScope(c.request(), d.hopCap)
	case ValidateRelationships:
		return validateScope(c.IdentityID)
	case StartWorkflow:
		return wfservice.StartScope(c.Identity, d.hopCap)
	case StartVerification:
		return wfservice.StartScope(c.Identity, d.hopCap)
	case AdvanceWorkflowStep:
		return wfservice.AdvanceScope(c.Workflow)
	}
	return nil
}

// validateScope covers the identity and every counterpart of its edges. An
// unscoped pass claims nothing and relies on the per-edge locks.
func validateScope(identityID *id.IdentityID) aggregate.Scope {
	return func(r store.Reader) []aggregate.LockKey {
		if identityID == nil {
			return nil
		}
		keys := aggregate.Keys(*identityID)
		for _, rel := range r.RelationshipsOf(*identityID) {
			if rel.IsActive() {
				keys = append(keys, aggregate.Keys(rel.Other(*identityID))...)
			}
		}
		return keys
	}
}

// Dispatch applies cmd and returns the events it produced.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) ([]events.Event, error) {
	var (
		evts []events.Event
		err  error
	)
	switch c := cmd.(type) {
	case CreateIdentity:
		_, evts, err = d.identities.Create(ctx, c.request())
	case UpdateIdentity:
		_, evts, err = d.identities.Update(ctx, identityservice.UpdateRequest{
			IdentityID:      c.IdentityID,
			ExpectedVersion: c.ExpectedVersion,
			Level:           c.Level,
			AddClaims:       c.AddClaims,
			RemoveClaimIDs:  c.RemoveClaimIDs,
		})
	case MergeIdentities:
		_, evts, err = d.identities.Merge(ctx, c.request())
	case ActivateIdentity:
		_, evts, err = d.identities.Activate(ctx, c.IdentityID)
	case SuspendIdentity:
		_, evts, err = d.identities.Suspend(ctx, c.IdentityID)
	case DeactivateIdentity:
		_, evts, err = d.identities.Deactivate(ctx, c.IdentityID)
	case ArchiveIdentity:
		_, evts, err = d.identities.Archive(ctx, c.IdentityID)
	case GrantVerificationLevel:
		_, evts, err = d.identities.GrantLevel(ctx, identityservice.GrantRequest{
			IdentityID:    c.IdentityID,
			Level:         c.Level,
			VerifiedClaim: c.VerifiedClaim,
			WorkflowID:    c.WorkflowID,
		})
	case EstablishRelationship:
		_, evts, err = d.relationships.Establish(ctx, c.request())
	case ValidateRelationships:
		_, evts = d.relationships.Validate(ctx, c.IdentityID)
	case StartWorkflow:
		_, evts, err = d.workflows.Start(ctx, wfservice.StartRequest{
			WorkflowID: c.WorkflowID,
			Identity:   c.Identity,
			Type:       c.Type,
			Steps:      c.Steps,
			Timeout:    c.Timeout,
			MaxRetries: c.MaxRetries,
		})
	case StartVerification:
		_, evts, err = d.workflows.StartVerification(ctx, wfservice.VerificationRequest{
			WorkflowID:  c.WorkflowID,
			Identity:    c.Identity,
			Method:      c.Method,
			EvidenceRef: c.EvidenceRef,
			Timeout:     c.Timeout,
		})
	case AdvanceWorkflowStep:
		_, evts, err = d.workflows.Advance(ctx, wfservice.AdvanceRequest{
			Workflow: c.Workflow,
			Step:     c.Step,
			Outcome:  c.Outcome,
		})
	default:
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unsupported command %T", cmd)
	}
	return evts, err
}

func (c CreateIdentity) request() identityservice.CreateRequest {
	return identityservice.CreateRequest{
		IdentityID:        c.IdentityID,
		Type:              c.Type,
		ExternalReference: c.ExternalReference,
		Level:             c.Level,
		Claims:            c.Claims,
	}
}

func (c MergeIdentities) request() identityservice.MergeRequest {
	return identityservice.MergeRequest{Duplicate: c.Duplicate, Survivor: c.Survivor, Rule: c.Rule}
}

func (c EstablishRelationship) request() relservice.EstablishRequest {
	return relservice.EstablishRequest{
		RelationshipID: c.RelationshipID,
		Source:         c.Source,
		Target:         c.Target,
		Type:           c.Type,
		Metadata:       c.Metadata,
		EstablishedAt:  c.EstablishedAt,
		ExpiresAt:      c.ExpiresAt,
	}
}
