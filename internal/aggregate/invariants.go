package aggregate

import (
	"errors"

	identitymodels "idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/platform/sentinel"
)

// checkInvariants re-validates every staged entity against the rules that
// span more than one entity. It runs under the command's locks, after the
// command body and before commit.
func (tx *Tx) checkInvariants() error {
	for _, identityID := range tx.identityOrder {
		if err := tx.checkIdentity(identityID); err != nil {
			return err
		}
	}
	for _, relID := range tx.relOrder {
		if err := tx.checkRelationship(tx.relationships[relID]); err != nil {
			return err
		}
	}
	for _, wfID := range tx.wfOrder {
		if err := tx.checkWorkflow(wfID); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) checkIdentity(identityID id.IdentityID) error {
	ident := tx.identities[identityID]
	if err := ident.Validate(); err != nil {
		return err
	}
	if ident.IsMerged() {
		if _, err := tx.Resolve(ident.ID); err != nil {
			return err
		}
		for _, rel := range tx.RelationshipsOf(ident.ID) {
			if rel.IsActive() {
				return dErrors.New(dErrors.CodeInvariantViolation, "merged identity still has active relationships").
					WithInvariant("redirect_resolution").
					WithEntities(ident.ID, rel.ID)
			}
		}
		for _, wf := range tx.WorkflowsOf(ident.ID) {
			if wf.IsInProgress() {
				return dErrors.New(dErrors.CodeInvariantViolation, "merged identity still has running workflows").
					WithInvariant("redirect_resolution").
					WithEntities(ident.ID, wf.ID)
			}
		}
		return nil
	}
	bound, err := tx.otherBinding(ident)
	if err != nil {
		return err
	}
	if bound != nil {
		return dErrors.Newf(dErrors.CodeValidation, "external reference %q is already bound", ident.ExternalReference).
			WithInvariant("unique_external_reference").
			WithEntities(ident.ID, bound.ID)
	}
	return nil
}

// otherBinding finds a different live identity holding ident's external
// reference, staged or committed.
func (tx *Tx) otherBinding(ident *identitymodels.Identity) (*identitymodels.Identity, error) {
	for _, otherID := range tx.identityOrder {
		other := tx.identities[otherID]
		if otherID != ident.ID && !other.IsMerged() &&
			other.Type == ident.Type && other.ExternalReference == ident.ExternalReference {
			return other, nil
		}
	}
	committed, err := tx.store.IdentityByReference(ident.Type, ident.ExternalReference)
	if errors.Is(err, sentinel.ErrNotFound) || (err == nil && committed.ID == ident.ID) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// a committed holder that this command also rewrites was covered by the
	// staged scan above
	if _, ok := tx.identities[committed.ID]; ok {
		return nil, nil
	}
	return committed, nil
}

func (tx *Tx) checkRelationship(rel *relmodels.Relationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	if !rel.IsActive() {
		return nil
	}
	for _, endpoint := range []id.IdentityID{rel.Source, rel.Target} {
		ident, err := tx.Identity(endpoint)
		if err != nil {
			return dErrors.New(dErrors.CodeInvariantViolation, "relationship endpoint does not exist").
				WithInvariant("endpoints_exist").
				WithEntities(rel.ID, endpoint)
		}
		if ident.IsMerged() {
			return dErrors.New(dErrors.CodeInvariantViolation, "active relationship points at a merged identity").
				WithInvariant("redirect_resolution").
				WithEntities(rel.ID, endpoint)
		}
	}
	if rel.Type.IsHierarchical() {
		if !tx.Holds(GraphKey(rel.Type)) {
			return dErrors.Newf(dErrors.CodeInternal, "hierarchical %s edge written without its graph lock", rel.Type).
				WithInvariant("aggregate_scope").
				WithEntities(rel.ID)
		}
		cycle, err := Reaches(tx, rel.Target, rel.Source, rel.Type, DefaultSearchLimit)
		if err != nil {
			return err
		}
		if cycle {
			return dErrors.Newf(dErrors.CodeCycleDetected, "%s edge would close a cycle", rel.Type).
				WithInvariant("hierarchy_acyclic").
				WithEntities(rel.ID, rel.Source, rel.Target)
		}
	}
	rule, _ := relmodels.RuleFor(rel.Type)
	for _, other := range tx.RelationshipsOf(rel.Source) {
		if rule.Collides(rel, other) {
			return dErrors.Newf(dErrors.CodeConflict, "%s cardinality (%s) already used", rel.Type, rule.Cardinality).
				WithInvariant("relationship_cardinality").
				WithEntities(rel.ID, other.ID)
		}
	}
	return nil
}

func (tx *Tx) checkWorkflow(wfID id.WorkflowID) error {
	wf := tx.workflows[wfID]
	if err := wf.Validate(); err != nil {
		return err
	}
	if !wf.IsInProgress() {
		return nil
	}
	subject, err := tx.Identity(wf.Subject)
	if err != nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "workflow subject does not exist").
			WithInvariant("endpoints_exist").
			WithEntities(wf.ID, wf.Subject)
	}
	if subject.IsMerged() {
		return dErrors.New(dErrors.CodeInvariantViolation, "running workflow points at a merged identity").
			WithInvariant("redirect_resolution").
			WithEntities(wf.ID, wf.Subject)
	}
	for _, other := range tx.WorkflowsOf(wf.Subject) {
		if wf.ConflictsWith(other) {
			return dErrors.Newf(dErrors.CodeConflict, "a %s workflow is already running for this identity", wf.Type).
				WithInvariant("workflow_concurrency").
				WithEntities(wf.ID, other.ID)
		}
	}
	return nil
}

// DefaultSearchLimit bounds how many identities a cycle search may visit.
const DefaultSearchLimit = 4096

// Reaches reports whether to is reachable from from by following active
// outgoing edges of type t. The search gives up with CodeValidation after
// visiting limit identities.
func Reaches(r store.Reader, from, to id.IdentityID, t relmodels.Type, limit int) (bool, error) {
	if from == to {
		return true, nil
	}
	visited := map[id.IdentityID]struct{}{from: {}}
	queue := []id.IdentityID{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, rel := range r.RelationshipsOf(current) {
			if rel.Type != t || rel.Source != current || !rel.IsActive() {
				continue
			}
			if rel.Target == to {
				return true, nil
			}
			if _, seen := visited[rel.Target]; seen {
				continue
			}
			if len(visited) >= limit {
				return false, dErrors.Newf(dErrors.CodeValidation, "%s hierarchy too deep to verify", t).
					WithInvariant("hierarchy_acyclic").
					WithEntities(from, to)
			}
			visited[rel.Target] = struct{}{}
			queue = append(queue, rel.Target)
		}
	}
	return false, nil
}
