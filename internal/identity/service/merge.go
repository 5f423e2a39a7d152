package service

import (
	"context"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	"idgraph/internal/identity/models"
	relservice "idgraph/internal/relationship/service"
	"idgraph/internal/store"
	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

// MergeRule picks the survivor of a merge.
type MergeRule string

const (
	// MergeRuleEarliest keeps whichever identity was created first.
	MergeRuleEarliest MergeRule = "earliest"
	// MergeRuleKeepRequested keeps the identity the caller named as survivor.
	MergeRuleKeepRequested MergeRule = "keep_requested"
)

// Reasons recorded on entities a merge could not carry over intact.
const (
	ReasonSelfEdgeAfterMerge    = "self_edge_after_merge"
	ReasonCardinalityAfterMerge = "cardinality_after_merge"
	ReasonCycleAfterMerge       = "cycle_after_merge"
	ReasonSupersededByMerge     = "superseded_by_merge"
)

type MergeRequest struct {
	Duplicate id.IdentityID
	Survivor  id.IdentityID
	Rule      MergeRule
}

type MergeResult struct {
	Survivor               *models.Identity
	Duplicate              id.IdentityID
	RelationshipsRepointed int
	WorkflowsRepointed     int
	Invalidated            int
	WorkflowsFailed        int
	// NoOp is set when both ids already resolve to the same identity.
	NoOp bool
}

// MergeScope locks both resolved identities, every identity on the far end
// of their relationships, and the graph of each hierarchical type involved.
// A merge that lands while this scope is computed makes the gate retry.
func MergeScope(req MergeRequest, hopCap int) aggregate.Scope {
	return func(r store.Reader) []aggregate.LockKey {
		a := aggregate.ResolveID(r, req.Duplicate, hopCap)
		b := aggregate.ResolveID(r, req.Survivor, hopCap)
		keys := aggregate.Keys(a, b)
		for _, side := range []id.IdentityID{a, b} {
			for _, rel := range r.RelationshipsOf(side) {
				keys = append(keys, aggregate.Keys(rel.Source, rel.Target)...)
				if rel.Type.IsHierarchical() {
					keys = append(keys, aggregate.GraphKey(rel.Type))
				}
			}
		}
		return keys
	}
}

// Merge folds one identity into another. Every relationship and workflow of
// the duplicate is re-pointed at the survivor; those that would break a rule
// in their new position are marked invalid or failed instead of dropped.
func (s *Service) Merge(ctx context.Context, req MergeRequest) (*MergeResult, []events.Event, error) {
	result := &MergeResult{}
	evts, err := s.gate.Execute(ctx, MergeScope(req, s.gate.HopCap()), func(tx *aggregate.Tx) error {
		*result = MergeResult{}
		a, err := tx.Resolve(req.Duplicate)
		if err != nil {
			return err
		}
		b, err := tx.Resolve(req.Survivor)
		if err != nil {
			return err
		}
		if a.ID == b.ID {
			result.Survivor = a
			result.Duplicate = req.Duplicate
			result.NoOp = true
			return nil
		}
		for _, side := range []*models.Identity{a, b} {
			if side.IsArchived() {
				return dErrors.New(dErrors.CodeInvalidState, "archived identities cannot be merged").
					WithInvariant("identity_lifecycle").
					WithEntities(side.ID)
			}
		}
		if a.Type != b.Type {
			return dErrors.Newf(dErrors.CodeValidation, "cannot merge a %s into a %s", a.Type, b.Type).
				WithInvariant("merge_same_type").
				WithEntities(a.ID, b.ID)
		}

		dup, survivor := a, b
		if req.Rule != MergeRuleKeepRequested && dup.CreatedAt.Before(survivor.CreatedAt) {
			dup, survivor = survivor, dup
		}
		now := tx.Now()

		if err := s.repointRelationships(tx, dup.ID, survivor.ID, result); err != nil {
			return err
		}
		if err := s.repointWorkflows(tx, dup.ID, survivor.ID, result); err != nil {
			return err
		}

		survivor.Claims = append(survivor.Claims, dup.Claims...)
		dup.Claims = nil
		survivor.RaiseLevel(dup.VerificationLevel)
		survivor.Touch(now)
		dup.ApplyMerge(survivor.ID, now)
		if err := tx.PutIdentity(survivor); err != nil {
			return err
		}
		if err := tx.PutIdentity(dup); err != nil {
			return err
		}
		tx.Emit(survivor.ID, events.IdentityMerged{
			Duplicate:              dup.ID,
			Survivor:               survivor.ID,
			ExternalReference:      dup.ExternalReference,
			RelationshipsRepointed: result.RelationshipsRepointed,
			WorkflowsRepointed:     result.WorkflowsRepointed,
		})
		result.Survivor = survivor
		result.Duplicate = dup.ID
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !result.NoOp {
		s.logAudit(ctx, "identity_merged",
			"duplicate_id", result.Duplicate.String(),
			"survivor_id", result.Survivor.ID.String(),
			"relationships_repointed", result.RelationshipsRepointed,
			"workflows_repointed", result.WorkflowsRepointed,
			"invalidated", result.Invalidated,
			"workflows_failed", result.WorkflowsFailed)
	}
	return result, evts, nil
}

func (s *Service) repointRelationships(tx *aggregate.Tx, dup, survivor id.IdentityID, result *MergeResult) error {
	now := tx.Now()
	for _, rel := range tx.RelationshipsOf(dup) {
		rel.Repoint(dup, survivor, now)
		result.RelationshipsRepointed++
		if rel.IsActive() {
			placement, err := relservice.CheckPlacement(tx, rel, aggregate.DefaultSearchLimit)
			if err != nil {
				return err
			}
			if placement != relservice.PlacementOK {
				reason := string(placement) + "_after_merge"
				rel.ApplyInvalidation(reason, now)
				result.Invalidated++
				tx.Emit(survivor, events.RelationshipInvalidated{
					RelationshipID: rel.ID,
					Source:         rel.Source,
					Target:         rel.Target,
					RelType:        rel.Type,
					Reason:         reason,
				})
			}
		}
		if err := tx.PutRelationship(rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) repointWorkflows(tx *aggregate.Tx, dup, survivor id.IdentityID, result *MergeResult) error {
	now := tx.Now()
	for _, wf := range tx.WorkflowsOf(dup) {
		wf.Repoint(survivor, now)
		result.WorkflowsRepointed++
		if wf.IsInProgress() && conflictsWithAny(wf, tx.WorkflowsOf(survivor)) {
			step := ""
			if current, ok := wf.CurrentStep(); ok {
				step = current.Name
			}
			wf.ApplyFailure(ReasonSupersededByMerge, now)
			result.WorkflowsFailed++
			tx.Emit(survivor, events.WorkflowFailed{
				WorkflowID: wf.ID,
				Subject:    survivor,
				WfType:     wf.Type,
				Step:       step,
				Reason:     ReasonSupersededByMerge,
			})
		}
		if err := tx.PutWorkflow(wf); err != nil {
			return err
		}
	}
	return nil
}

func conflictsWithAny(wf *wfmodels.Workflow, others []*wfmodels.Workflow) bool {
	for _, other := range others {
		if wf.ConflictsWith(other) {
			return true
		}
	}
	return false
}
