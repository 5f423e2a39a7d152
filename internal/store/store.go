// Package store is the in-process world state: an arena of identities indexed
// by id with side tables for relationships and workflows. Entities refer to
// each other by id only.
//
// Reads are safe from any goroutine and always return copies. The only write
// path is Commit, which the aggregate gate calls after validating a change set
// under its per-aggregate locks; nothing else should call it.
package store

import (
	"cmp"
	"slices"
	"sync"

	identitymodels "idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	"idgraph/pkg/platform/sentinel"
)

// Reader is the read-only view shared by services, reactors and queries.
type Reader interface {
	Identity(identityID id.IdentityID) (*identitymodels.Identity, error)
	IdentityByReference(t identitymodels.Type, ref string) (*identitymodels.Identity, error)
	Relationship(relID id.RelationshipID) (*relmodels.Relationship, error)
	RelationshipsOf(identityID id.IdentityID) []*relmodels.Relationship
	Workflow(wfID id.WorkflowID) (*wfmodels.Workflow, error)
	WorkflowsOf(identityID id.IdentityID) []*wfmodels.Workflow
}

type refKey struct {
	typ identitymodels.Type
	ref string
}

type Store struct {
	mu            sync.RWMutex
	identities    map[id.IdentityID]*identitymodels.Identity
	byReference   map[refKey]id.IdentityID
	relationships map[id.RelationshipID]*relmodels.Relationship
	relsByID      map[id.IdentityID]map[id.RelationshipID]struct{}
	workflows     map[id.WorkflowID]*wfmodels.Workflow
	wfsByID       map[id.IdentityID]map[id.WorkflowID]struct{}
}

func New() *Store {
	return &Store{
		identities:    make(map[id.IdentityID]*identitymodels.Identity),
		byReference:   make(map[refKey]id.IdentityID),
		relationships: make(map[id.RelationshipID]*relmodels.Relationship),
		relsByID:      make(map[id.IdentityID]map[id.RelationshipID]struct{}),
		workflows:     make(map[id.WorkflowID]*wfmodels.Workflow),
		wfsByID:       make(map[id.IdentityID]map[id.WorkflowID]struct{}),
	}
}

func (s *Store) Identity(identityID id.IdentityID) (*identitymodels.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[identityID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return ident.Clone(), nil
}

// IdentityByReference finds the non-merged identity bound to (t, ref).
func (s *Store) IdentityByReference(t identitymodels.Type, ref string) (*identitymodels.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identityID, ok := s.byReference[refKey{typ: t, ref: ref}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.identities[identityID].Clone(), nil
}

func (s *Store) Relationship(relID id.RelationshipID) (*relmodels.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relationships[relID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rel.Clone(), nil
}

// RelationshipsOf returns every relationship with identityID at either end,
// in establishment order.
func (s *Store) RelationshipsOf(identityID id.IdentityID) []*relmodels.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relmodels.Relationship, 0, len(s.relsByID[identityID]))
	for relID := range s.relsByID[identityID] {
		out = append(out, s.relationships[relID].Clone())
	}
	SortRelationships(out)
	return out
}

func (s *Store) Workflow(wfID id.WorkflowID) (*wfmodels.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[wfID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return wf.Clone(), nil
}

// WorkflowsOf returns every workflow whose subject is identityID, oldest first.
func (s *Store) WorkflowsOf(identityID id.IdentityID) []*wfmodels.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*wfmodels.Workflow, 0, len(s.wfsByID[identityID]))
	for wfID := range s.wfsByID[identityID] {
		out = append(out, s.workflows[wfID].Clone())
	}
	SortWorkflows(out)
	return out
}

// Identities lists identities matching pred, oldest first. pred sees a copy.
func (s *Store) Identities(pred func(*identitymodels.Identity) bool) []*identitymodels.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*identitymodels.Identity
	for _, ident := range s.identities {
		if c := ident.Clone(); pred(c) {
			matched = append(matched, c)
		}
	}
	SortIdentities(matched)
	return matched
}

// RelationshipIDs lists relationships matching pred. pred sees a copy.
func (s *Store) RelationshipIDs(pred func(*relmodels.Relationship) bool) []id.RelationshipID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*relmodels.Relationship
	for _, rel := range s.relationships {
		if c := rel.Clone(); pred(c) {
			matched = append(matched, c)
		}
	}
	SortRelationships(matched)
	ids := make([]id.RelationshipID, len(matched))
	for i, rel := range matched {
		ids[i] = rel.ID
	}
	return ids
}

// WorkflowIDs lists workflows matching pred. pred sees a copy.
func (s *Store) WorkflowIDs(pred func(*wfmodels.Workflow) bool) []id.WorkflowID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*wfmodels.Workflow
	for _, wf := range s.workflows {
		if c := wf.Clone(); pred(c) {
			matched = append(matched, c)
		}
	}
	SortWorkflows(matched)
	ids := make([]id.WorkflowID, len(matched))
	for i, wf := range matched {
		ids[i] = wf.ID
	}
	return ids
}

// Counts reports table sizes for metrics.
func (s *Store) Counts() (identities, relationships, workflows int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities), len(s.relationships), len(s.workflows)
}

// ChangeSet is the staged result of one validated command.
type ChangeSet struct {
	Identities    []*identitymodels.Identity
	Relationships []*relmodels.Relationship
	Workflows     []*wfmodels.Workflow
}

func (cs ChangeSet) Empty() bool {
	return len(cs.Identities) == 0 && len(cs.Relationships) == 0 && len(cs.Workflows) == 0
}

// Commit applies cs atomically and keeps the secondary indexes in step. The
// change set is copied, so the caller may keep using its values.
func (s *Store) Commit(cs ChangeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ident := range cs.Identities {
		if prev, ok := s.identities[ident.ID]; ok && !prev.IsMerged() {
			delete(s.byReference, refKey{typ: prev.Type, ref: prev.ExternalReference})
		}
		s.identities[ident.ID] = ident.Clone()
		if !ident.IsMerged() {
			s.byReference[refKey{typ: ident.Type, ref: ident.ExternalReference}] = ident.ID
		}
	}
	for _, rel := range cs.Relationships {
		if prev, ok := s.relationships[rel.ID]; ok {
			unindex(s.relsByID, prev.Source, rel.ID)
			unindex(s.relsByID, prev.Target, rel.ID)
		}
		s.relationships[rel.ID] = rel.Clone()
		index(s.relsByID, rel.Source, rel.ID)
		index(s.relsByID, rel.Target, rel.ID)
	}
	for _, wf := range cs.Workflows {
		if prev, ok := s.workflows[wf.ID]; ok {
			unindex(s.wfsByID, prev.Subject, wf.ID)
		}
		s.workflows[wf.ID] = wf.Clone()
		index(s.wfsByID, wf.Subject, wf.ID)
	}
}

func index[K comparable](idx map[id.IdentityID]map[K]struct{}, owner id.IdentityID, key K) {
	set, ok := idx[owner]
	if !ok {
		set = make(map[K]struct{})
		idx[owner] = set
	}
	set[key] = struct{}{}
}

func unindex[K comparable](idx map[id.IdentityID]map[K]struct{}, owner id.IdentityID, key K) {
	set, ok := idx[owner]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx, owner)
	}
}

func SortIdentities(idents []*identitymodels.Identity) {
	slices.SortFunc(idents, func(a, b *identitymodels.Identity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
}

// SortRelationships orders by establishment time, then id, so traversal and
// sweeps are deterministic.
func SortRelationships(rels []*relmodels.Relationship) {
	slices.SortFunc(rels, func(a, b *relmodels.Relationship) int {
		if c := a.EstablishedAt.Compare(b.EstablishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
}

func SortWorkflows(wfs []*wfmodels.Workflow) {
	slices.SortFunc(wfs, func(a, b *wfmodels.Workflow) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
}
