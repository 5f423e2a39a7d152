package aggregate

import (
	"errors"
	"slices"
	"time"

	"idgraph/internal/events"
	identitymodels "idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
	"idgraph/internal/store"
	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/platform/sentinel"
)

// Tx is the view a command sees inside Gate.Execute. Reads return the staged
// version of an entity when one exists and the committed version otherwise.
// Writes are staged and only reach the store if the whole command succeeds.
//
// Tx satisfies store.Reader, so lookup helpers work on both.
type Tx struct {
	store  *store.Store
	held   []LockKey
	now    time.Time
	hopCap int

	identities    map[id.IdentityID]*identitymodels.Identity
	relationships map[id.RelationshipID]*relmodels.Relationship
	workflows     map[id.WorkflowID]*wfmodels.Workflow
	identityOrder []id.IdentityID
	relOrder      []id.RelationshipID
	wfOrder       []id.WorkflowID

	events []events.Event
}

var _ store.Reader = (*Tx)(nil)

func newTx(st *store.Store, held []LockKey, now time.Time, hopCap int) *Tx {
	return &Tx{
		store:         st,
		held:          held,
		now:           now,
		hopCap:        hopCap,
		identities:    make(map[id.IdentityID]*identitymodels.Identity),
		relationships: make(map[id.RelationshipID]*relmodels.Relationship),
		workflows:     make(map[id.WorkflowID]*wfmodels.Workflow),
	}
}

// Now is the command's logical time. Every entity touched by one command
// carries the same timestamp.
func (tx *Tx) Now() time.Time { return tx.now }

// Holds reports whether the gate locked k for this command.
func (tx *Tx) Holds(k LockKey) bool {
	_, found := slices.BinarySearch(tx.held, k)
	return found
}

func (tx *Tx) Identity(identityID id.IdentityID) (*identitymodels.Identity, error) {
	if staged, ok := tx.identities[identityID]; ok {
		return staged.Clone(), nil
	}
	return tx.store.Identity(identityID)
}

func (tx *Tx) IdentityByReference(t identitymodels.Type, ref string) (*identitymodels.Identity, error) {
	for _, identityID := range tx.identityOrder {
		staged := tx.identities[identityID]
		if !staged.IsMerged() && staged.Type == t && staged.ExternalReference == ref {
			return staged.Clone(), nil
		}
	}
	committed, err := tx.store.IdentityByReference(t, ref)
	if err != nil {
		return nil, err
	}
	if staged, ok := tx.identities[committed.ID]; ok && staged.IsMerged() {
		return nil, sentinel.ErrNotFound
	}
	return committed, nil
}

func (tx *Tx) Relationship(relID id.RelationshipID) (*relmodels.Relationship, error) {
	if staged, ok := tx.relationships[relID]; ok {
		return staged.Clone(), nil
	}
	return tx.store.Relationship(relID)
}

func (tx *Tx) RelationshipsOf(identityID id.IdentityID) []*relmodels.Relationship {
	committed := tx.store.RelationshipsOf(identityID)
	out := make([]*relmodels.Relationship, 0, len(committed))
	for _, rel := range committed {
		if staged, ok := tx.relationships[rel.ID]; ok {
			if staged.Touches(identityID) {
				out = append(out, staged.Clone())
			}
			continue
		}
		out = append(out, rel)
	}
	for _, relID := range tx.relOrder {
		staged := tx.relationships[relID]
		if staged.Touches(identityID) && !slices.ContainsFunc(out, func(r *relmodels.Relationship) bool { return r.ID == relID }) {
			out = append(out, staged.Clone())
		}
	}
	store.SortRelationships(out)
	return out
}

func (tx *Tx) Workflow(wfID id.WorkflowID) (*wfmodels.Workflow, error) {
	if staged, ok := tx.workflows[wfID]; ok {
		return staged.Clone(), nil
	}
	return tx.store.Workflow(wfID)
}

func (tx *Tx) WorkflowsOf(identityID id.IdentityID) []*wfmodels.Workflow {
	committed := tx.store.WorkflowsOf(identityID)
	out := make([]*wfmodels.Workflow, 0, len(committed))
	for _, wf := range committed {
		if staged, ok := tx.workflows[wf.ID]; ok {
			if staged.Subject == identityID {
				out = append(out, staged.Clone())
			}
			continue
		}
		out = append(out, wf)
	}
	for _, wfID := range tx.wfOrder {
		staged := tx.workflows[wfID]
		if staged.Subject == identityID && !slices.ContainsFunc(out, func(w *wfmodels.Workflow) bool { return w.ID == wfID }) {
			out = append(out, staged.Clone())
		}
	}
	store.SortWorkflows(out)
	return out
}

// Resolve follows merge redirects from identityID to the live identity.
func (tx *Tx) Resolve(identityID id.IdentityID) (*identitymodels.Identity, error) {
	return Resolve(tx, identityID, tx.hopCap)
}

// PutIdentity stages ident. The identity must be locked.
func (tx *Tx) PutIdentity(ident *identitymodels.Identity) error {
	if !tx.Holds(IdentityKey(ident.ID)) {
		return errUnlocked(ident.ID)
	}
	if _, ok := tx.identities[ident.ID]; !ok {
		tx.identityOrder = append(tx.identityOrder, ident.ID)
	}
	tx.identities[ident.ID] = ident.Clone()
	return nil
}

// PutRelationship stages rel. Both endpoints must be locked, and so must the
// endpoints it had before this command.
func (tx *Tx) PutRelationship(rel *relmodels.Relationship) error {
	endpoints := []id.IdentityID{rel.Source, rel.Target}
	if prev, err := tx.Relationship(rel.ID); err == nil {
		endpoints = append(endpoints, prev.Source, prev.Target)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return err
	}
	for _, endpoint := range endpoints {
		if !tx.Holds(IdentityKey(endpoint)) {
			return errUnlocked(endpoint)
		}
	}
	if _, ok := tx.relationships[rel.ID]; !ok {
		tx.relOrder = append(tx.relOrder, rel.ID)
	}
	tx.relationships[rel.ID] = rel.Clone()
	return nil
}

// PutWorkflow stages wf. Its subject, current and previous, must be locked.
func (tx *Tx) PutWorkflow(wf *wfmodels.Workflow) error {
	subjects := []id.IdentityID{wf.Subject}
	if prev, err := tx.Workflow(wf.ID); err == nil {
		subjects = append(subjects, prev.Subject)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return err
	}
	for _, subject := range subjects {
		if !tx.Holds(IdentityKey(subject)) {
			return errUnlocked(subject)
		}
	}
	if _, ok := tx.workflows[wf.ID]; !ok {
		tx.wfOrder = append(tx.wfOrder, wf.ID)
	}
	tx.workflows[wf.ID] = wf.Clone()
	return nil
}

// Emit buffers an event. It is published only if the command commits.
func (tx *Tx) Emit(aggregate id.IdentityID, payload events.Payload) {
	tx.events = append(tx.events, events.New(aggregate, tx.now, payload))
}

func (tx *Tx) changeSet() store.ChangeSet {
	var cs store.ChangeSet
	for _, identityID := range tx.identityOrder {
		cs.Identities = append(cs.Identities, tx.identities[identityID])
	}
	for _, relID := range tx.relOrder {
		cs.Relationships = append(cs.Relationships, tx.relationships[relID])
	}
	for _, wfID := range tx.wfOrder {
		cs.Workflows = append(cs.Workflows, tx.workflows[wfID])
	}
	return cs
}

func errUnlocked(identityID id.IdentityID) error {
	return dErrors.New(dErrors.CodeInternal, "write outside the locked aggregate").
		WithInvariant("aggregate_scope").
		WithEntities(identityID)
}
