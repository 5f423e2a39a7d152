package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	"idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
	"idgraph/internal/store"
	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *store.Store
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s.store = store.New()
	gate := aggregate.New(s.store, aggregate.WithClock(func() time.Time { return s.now }))
	s.service = New(gate, s.store)
}

func (s *ServiceSuite) create(typ models.Type, ref string, level models.VerificationLevel, claims ...models.ClaimInput) *models.Identity {
	ident, _, err := s.service.Create(s.ctx, CreateRequest{Type: typ, ExternalReference: ref, Level: level, Claims: claims})
	s.Require().NoError(err)
	return ident
}

func (s *ServiceSuite) advanceClock() {
	s.now = s.now.Add(time.Minute)
}

func (s *ServiceSuite) seedRelationship(src, tgt id.IdentityID, t relmodels.Type) *relmodels.Relationship {
	rel, err := relmodels.NewRelationship(id.NewRelationshipID(), src, tgt, t, nil, s.now, nil)
	s.Require().NoError(err)
	s.store.Commit(store.ChangeSet{Relationships: []*relmodels.Relationship{rel}})
	return rel
}

func (s *ServiceSuite) seedVerification(subject id.IdentityID, method wfmodels.Method) *wfmodels.Workflow {
	wf, err := wfmodels.NewWorkflow(id.NewWorkflowID(), subject, wfmodels.TypeVerification, method.DefaultSteps(), 3, 0, s.now)
	s.Require().NoError(err)
	wf.Verification = &wfmodels.Verification{Method: method, Level: method.GrantedLevel()}
	s.store.Commit(store.ChangeSet{Workflows: []*wfmodels.Workflow{wf}})
	return wf
}

func requireCode(s *ServiceSuite, err error, code dErrors.Code) {
	s.T().Helper()
	s.Require().Error(err)
	s.Require().True(dErrors.HasCode(err, code), "expected %s, got %v", code, err)
}

// =============================================================================
// Create
// =============================================================================

func (s *ServiceSuite) TestCreate() {
	s.Run("starts pending and unverified with one event", func() {
		ident, evts, err := s.service.Create(s.ctx, CreateRequest{
			Type:              models.TypePerson,
			ExternalReference: "crm:42",
			Claims:            []models.ClaimInput{{Type: models.ClaimEmail, Value: "a@example.com"}},
		})
		s.Require().NoError(err)
		s.Equal(models.StatusPending, ident.Status)
		s.Equal(models.LevelUnverified, ident.VerificationLevel)
		s.Equal(uint64(1), ident.Version)
		s.Require().Len(ident.Claims, 1)
		s.False(ident.Claims[0].ID == id.ClaimID{})

		s.Require().Len(evts, 1)
		created, ok := evts[0].Payload.(events.IdentityCreated)
		s.Require().True(ok)
		s.Equal(ident.ID, created.IdentityID)
		s.Equal("crm:42", created.ExternalReference)
	})

	s.Run("duplicate reference of same type fails validation", func() {
		_, evts, err := s.service.Create(s.ctx, CreateRequest{Type: models.TypePerson, ExternalReference: "crm:42"})
		requireCode(s, err, dErrors.CodeValidation)
		s.Empty(evts)
		de, _ := dErrors.As(err)
		s.Equal("unique_external_reference", de.Invariant)
	})

	s.Run("same reference under another type is allowed", func() {
		_, _, err := s.service.Create(s.ctx, CreateRequest{Type: models.TypeOrganization, ExternalReference: "crm:42"})
		s.NoError(err)
	})

	s.Run("invalid input reported as validation", func() {
		_, _, err := s.service.Create(s.ctx, CreateRequest{Type: models.TypePerson, ExternalReference: "  "})
		requireCode(s, err, dErrors.CodeValidation)

		_, _, err = s.service.Create(s.ctx, CreateRequest{Type: "robot", ExternalReference: "r"})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("reusing an id conflicts", func() {
		first := s.create(models.TypeSystem, "sys-1", models.LevelUnverified)
		_, _, err := s.service.Create(s.ctx, CreateRequest{IdentityID: first.ID, Type: models.TypeSystem, ExternalReference: "sys-2"})
		requireCode(s, err, dErrors.CodeConflict)
	})
}

func (s *ServiceSuite) TestCreateReusesReferenceOfMergedIdentity() {
	older := s.create(models.TypePerson, "ref-a", models.LevelUnverified)
	s.advanceClock()
	newer := s.create(models.TypePerson, "ref-b", models.LevelUnverified)
	_, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: newer.ID, Survivor: older.ID})
	s.Require().NoError(err)

	_, _, err = s.service.Create(s.ctx, CreateRequest{Type: models.TypePerson, ExternalReference: "ref-b"})
	s.NoError(err)
}

// =============================================================================
// Update and grant
// =============================================================================

func (s *ServiceSuite) TestUpdate() {
	ident := s.create(models.TypePerson, "p", models.LevelUnverified,
		models.ClaimInput{Type: models.ClaimEmail, Value: "old@example.com"})
	basic := models.LevelBasic

	updated, evts, err := s.service.Update(s.ctx, UpdateRequest{
		IdentityID:      ident.ID,
		ExpectedVersion: 1,
		Level:           &basic,
		AddClaims:       []models.ClaimInput{{Type: models.ClaimEmail, Value: "new@example.com"}},
		RemoveClaimIDs:  []id.ClaimID{ident.Claims[0].ID},
	})
	s.Require().NoError(err)
	s.Equal(uint64(2), updated.Version)
	s.Equal(models.LevelBasic, updated.VerificationLevel)
	s.Require().Len(updated.Claims, 1)
	s.Equal("new@example.com", updated.Claims[0].Value)

	s.Require().Len(evts, 1)
	payload := evts[0].Payload.(events.IdentityUpdated)
	s.Equal(models.LevelUnverified, payload.PreviousLevel)
	s.Equal(models.LevelBasic, payload.Level)
	s.Len(payload.AddedClaims, 1)
	s.Equal([]id.ClaimID{ident.Claims[0].ID}, payload.RemovedClaims)

	s.Run("stale version conflicts", func() {
		_, _, err := s.service.Update(s.ctx, UpdateRequest{IdentityID: ident.ID, ExpectedVersion: 1})
		requireCode(s, err, dErrors.CodeConflict)
	})

	s.Run("unknown claim is not found and changes nothing", func() {
		_, _, err := s.service.Update(s.ctx, UpdateRequest{
			IdentityID:     ident.ID,
			AddClaims:      []models.ClaimInput{{Type: models.ClaimPhone, Value: "+100"}},
			RemoveClaimIDs: []id.ClaimID{id.NewClaimID()},
		})
		requireCode(s, err, dErrors.CodeNotFound)
		stored, _ := s.store.Identity(ident.ID)
		s.Len(stored.Claims, 1)
		s.Equal(uint64(2), stored.Version)
	})

	s.Run("downgrade rejected", func() {
		unverified := models.LevelUnverified
		_, _, err := s.service.Update(s.ctx, UpdateRequest{IdentityID: ident.ID, Level: &unverified})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("unknown identity", func() {
		_, _, err := s.service.Update(s.ctx, UpdateRequest{IdentityID: id.NewIdentityID()})
		requireCode(s, err, dErrors.CodeNotFound)
	})
}

func (s *ServiceSuite) TestGrantLevel() {
	ident := s.create(models.TypePerson, "p", models.LevelUnverified,
		models.ClaimInput{Type: models.ClaimEmail, Value: "a@example.com"},
		models.ClaimInput{Type: models.ClaimPhone, Value: "+1"})

	granted, evts, err := s.service.GrantLevel(s.ctx, GrantRequest{
		IdentityID:    ident.ID,
		Level:         models.LevelBasic,
		VerifiedClaim: models.ClaimEmail,
	})
	s.Require().NoError(err)
	s.Equal(models.LevelBasic, granted.VerificationLevel)
	for _, c := range granted.Claims {
		s.Equal(c.Type == models.ClaimEmail, c.Verified, "claim %s", c.Type)
	}

	oldEmail := ident.Claims[0].ID
	s.Require().Len(granted.Claims, 2)
	for _, c := range granted.Claims {
		s.NotEqual(oldEmail, c.ID, "verified claims are reissued, not edited")
	}
	newEmail := granted.Claims[1]
	s.Equal(models.ClaimEmail, newEmail.Type)
	s.Equal("a@example.com", newEmail.Value)
	s.True(s.now.Equal(newEmail.IssuedAt))

	s.Require().Len(evts, 1)
	updated := evts[0].Payload.(events.IdentityUpdated)
	s.Equal([]id.ClaimID{newEmail.ID}, updated.AddedClaims)
	s.Equal([]id.ClaimID{oldEmail}, updated.RemovedClaims)

	s.Run("replay is a no-op", func() {
		_, evts, err := s.service.GrantLevel(s.ctx, GrantRequest{IdentityID: ident.ID, Level: models.LevelBasic, VerifiedClaim: models.ClaimEmail})
		s.Require().NoError(err)
		s.Empty(evts)
	})

	s.Run("lower grant never downgrades", func() {
		_, _, err := s.service.GrantLevel(s.ctx, GrantRequest{IdentityID: ident.ID, Level: models.LevelEnhanced})
		s.Require().NoError(err)
		after, _, err := s.service.GrantLevel(s.ctx, GrantRequest{IdentityID: ident.ID, Level: models.LevelBasic})
		s.Require().NoError(err)
		s.Equal(models.LevelEnhanced, after.VerificationLevel)
	})
}

func (s *ServiceSuite) TestGrantLevelFollowsMerge() {
	survivor := s.create(models.TypePerson, "s", models.LevelUnverified)
	s.advanceClock()
	dup := s.create(models.TypePerson, "d", models.LevelUnverified)
	_, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: dup.ID, Survivor: survivor.ID})
	s.Require().NoError(err)

	granted, _, err := s.service.GrantLevel(s.ctx, GrantRequest{IdentityID: dup.ID, Level: models.LevelFull})
	s.Require().NoError(err)
	s.Equal(survivor.ID, granted.ID)
	s.Equal(models.LevelFull, granted.VerificationLevel)
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *ServiceSuite) TestActivationRequiresLevel() {
	ident := s.create(models.TypePerson, "p", models.LevelUnverified)

	_, _, err := s.service.Activate(s.ctx, ident.ID)
	requireCode(s, err, dErrors.CodeInvalidState)

	_, _, err = s.service.GrantLevel(s.ctx, GrantRequest{IdentityID: ident.ID, Level: models.LevelBasic})
	s.Require().NoError(err)

	active, evts, err := s.service.Activate(s.ctx, ident.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, active.Status)
	s.Require().Len(evts, 1)
	payload := evts[0].Payload.(events.IdentityUpdated)
	s.Equal(models.StatusPending, payload.PreviousStatus)
	s.Equal(models.StatusActive, payload.Status)
}

func (s *ServiceSuite) TestLifecycleTransitions() {
	ident := s.create(models.TypePerson, "p", models.LevelBasic)
	_, _, err := s.service.Activate(s.ctx, ident.ID)
	s.Require().NoError(err)

	_, _, err = s.service.Suspend(s.ctx, ident.ID)
	s.Require().NoError(err)
	_, _, err = s.service.Activate(s.ctx, ident.ID)
	s.Require().NoError(err)
	_, _, err = s.service.Deactivate(s.ctx, ident.ID)
	s.Require().NoError(err)

	_, _, err = s.service.Activate(s.ctx, ident.ID)
	requireCode(s, err, dErrors.CodeInvalidState)

	archived, evts, err := s.service.Archive(s.ctx, ident.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusArchived, archived.Status)
	s.Require().Len(evts, 1)
	s.Equal(events.TypeIdentityArchived, evts[0].Type)

	s.Run("archived is terminal", func() {
		_, _, err := s.service.Activate(s.ctx, ident.ID)
		requireCode(s, err, dErrors.CodeInvalidState)
		_, _, err = s.service.Update(s.ctx, UpdateRequest{IdentityID: ident.ID})
		requireCode(s, err, dErrors.CodeInvalidState)
	})
}

func (s *ServiceSuite) TestPendingCannotBeArchived() {
	ident := s.create(models.TypePerson, "p", models.LevelUnverified)
	_, _, err := s.service.Archive(s.ctx, ident.ID)
	requireCode(s, err, dErrors.CodeInvalidState)
}

// =============================================================================
// Merge
// =============================================================================

func (s *ServiceSuite) TestMergeKeepsEarliestAndRepointsEverything() {
	survivor := s.create(models.TypePerson, "older", models.LevelUnverified)
	s.advanceClock()
	dup := s.create(models.TypePerson, "newer", models.LevelEnhanced,
		models.ClaimInput{Type: models.ClaimEmail, Value: "dup@example.com"})
	org := s.create(models.TypeOrganization, "org", models.LevelUnverified)
	peer := s.create(models.TypePerson, "peer", models.LevelUnverified)

	s.seedRelationship(dup.ID, org.ID, relmodels.TypeEmployedBy)
	s.seedRelationship(peer.ID, dup.ID, relmodels.TypeManagerOf)
	s.seedVerification(dup.ID, wfmodels.MethodEmail)

	// Caller names the newer identity as survivor; creation order wins.
	result, evts, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: survivor.ID, Survivor: dup.ID})
	s.Require().NoError(err)
	s.Equal(survivor.ID, result.Survivor.ID)
	s.Equal(dup.ID, result.Duplicate)
	s.Equal(2, result.RelationshipsRepointed)
	s.Equal(1, result.WorkflowsRepointed)
	s.Zero(result.Invalidated)

	s.Require().Len(evts, 1)
	merged := evts[0].Payload.(events.IdentityMerged)
	s.Equal(3, merged.RelationshipsRepointed+merged.WorkflowsRepointed)
	s.Equal("newer", merged.ExternalReference)

	storedDup, _ := s.store.Identity(dup.ID)
	s.Equal(models.StatusMerged, storedDup.Status)
	s.Require().NotNil(storedDup.MergedInto)
	s.Equal(survivor.ID, *storedDup.MergedInto)
	s.Empty(storedDup.Claims)

	storedSurvivor, _ := s.store.Identity(survivor.ID)
	s.Len(storedSurvivor.Claims, 1)
	s.Equal(models.LevelEnhanced, storedSurvivor.VerificationLevel)

	s.Empty(s.store.RelationshipsOf(dup.ID))
	for _, rel := range s.store.RelationshipsOf(survivor.ID) {
		s.True(rel.IsActive())
		s.Require().Len(rel.Repoints, 1)
		s.Equal(dup.ID, rel.Repoints[0].From)
	}
	s.Len(s.store.WorkflowsOf(survivor.ID), 1)

	s.Run("repeat merge is a no-op returning survivor", func() {
		again, evts, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: dup.ID, Survivor: survivor.ID})
		s.Require().NoError(err)
		s.True(again.NoOp)
		s.Equal(survivor.ID, again.Survivor.ID)
		s.Empty(evts)
	})
}

func (s *ServiceSuite) TestMergeKeepRequested() {
	older := s.create(models.TypePerson, "older", models.LevelUnverified)
	s.advanceClock()
	newer := s.create(models.TypePerson, "newer", models.LevelUnverified)

	result, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: older.ID, Survivor: newer.ID, Rule: MergeRuleKeepRequested})
	s.Require().NoError(err)
	s.Equal(newer.ID, result.Survivor.ID)
}

func (s *ServiceSuite) TestMergeInvalidatesConflictingRelationships() {
	survivor := s.create(models.TypePerson, "s", models.LevelUnverified)
	s.advanceClock()
	dup := s.create(models.TypePerson, "d", models.LevelUnverified)
	orgA := s.create(models.TypeOrganization, "a", models.LevelUnverified)
	orgB := s.create(models.TypeOrganization, "b", models.LevelUnverified)

	kept := s.seedRelationship(survivor.ID, orgA.ID, relmodels.TypeEmployedBy)
	clash := s.seedRelationship(dup.ID, orgB.ID, relmodels.TypeEmployedBy)
	selfEdge := s.seedRelationship(dup.ID, survivor.ID, relmodels.TypePartnerOf)

	result, evts, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: dup.ID, Survivor: survivor.ID})
	s.Require().NoError(err)
	s.Equal(2, result.RelationshipsRepointed)
	s.Equal(2, result.Invalidated)

	invalidated := map[id.RelationshipID]string{}
	for _, e := range evts {
		if p, ok := e.Payload.(events.RelationshipInvalidated); ok {
			invalidated[p.RelationshipID] = p.Reason
		}
	}
	s.Equal(ReasonCardinalityAfterMerge, invalidated[clash.ID])
	s.Equal(ReasonSelfEdgeAfterMerge, invalidated[selfEdge.ID])

	stillKept, _ := s.store.Relationship(kept.ID)
	s.True(stillKept.IsActive())
	moved, _ := s.store.Relationship(clash.ID)
	s.Equal(relmodels.StatusInvalid, moved.Status)
	s.Equal(survivor.ID, moved.Source, "invalidated edges are re-pointed too")
}

func (s *ServiceSuite) TestMergeInvalidatesCycleClosingEdge() {
	survivor := s.create(models.TypePerson, "s", models.LevelUnverified)
	s.advanceClock()
	dup := s.create(models.TypePerson, "d", models.LevelUnverified)
	mid := s.create(models.TypePerson, "m", models.LevelUnverified)

	s.seedRelationship(survivor.ID, mid.ID, relmodels.TypeManagerOf)
	closing := s.seedRelationship(mid.ID, dup.ID, relmodels.TypeManagerOf)

	result, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: dup.ID, Survivor: survivor.ID})
	s.Require().NoError(err)
	s.Equal(1, result.Invalidated)
	rel, _ := s.store.Relationship(closing.ID)
	s.Equal(ReasonCycleAfterMerge, rel.StatusReason)
}

func (s *ServiceSuite) TestMergeFailsSupersededWorkflows() {
	survivor := s.create(models.TypePerson, "s", models.LevelUnverified)
	s.advanceClock()
	dup := s.create(models.TypePerson, "d", models.LevelUnverified)
	s.seedVerification(survivor.ID, wfmodels.MethodEmail)
	dupEmail := s.seedVerification(dup.ID, wfmodels.MethodEmail)
	dupPhone := s.seedVerification(dup.ID, wfmodels.MethodPhone)

	result, evts, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: dup.ID, Survivor: survivor.ID})
	s.Require().NoError(err)
	s.Equal(2, result.WorkflowsRepointed)
	s.Equal(1, result.WorkflowsFailed)

	failed, _ := s.store.Workflow(dupEmail.ID)
	s.Equal(wfmodels.StatusFailed, failed.Status)
	s.Equal(ReasonSupersededByMerge, failed.Reason)
	running, _ := s.store.Workflow(dupPhone.ID)
	s.True(running.IsInProgress())
	s.Equal(survivor.ID, running.Subject)

	var sawFailed bool
	for _, e := range evts {
		if p, ok := e.Payload.(events.WorkflowFailed); ok {
			sawFailed = true
			s.Equal(dupEmail.ID, p.WorkflowID)
		}
	}
	s.True(sawFailed)
}

func (s *ServiceSuite) TestMergeRejections() {
	person := s.create(models.TypePerson, "p", models.LevelBasic)
	org := s.create(models.TypeOrganization, "o", models.LevelUnverified)

	s.Run("type mismatch", func() {
		_, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: org.ID, Survivor: person.ID})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("archived side", func() {
		other := s.create(models.TypePerson, "archived", models.LevelBasic)
		_, _, err := s.service.Activate(s.ctx, other.ID)
		s.Require().NoError(err)
		_, _, err = s.service.Archive(s.ctx, other.ID)
		s.Require().NoError(err)

		_, _, err = s.service.Merge(s.ctx, MergeRequest{Duplicate: other.ID, Survivor: person.ID})
		requireCode(s, err, dErrors.CodeInvalidState)
	})

	s.Run("unknown id", func() {
		_, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: id.NewIdentityID(), Survivor: person.ID})
		requireCode(s, err, dErrors.CodeNotFound)
	})
}

func (s *ServiceSuite) TestResolveAcrossChain() {
	a := s.create(models.TypePerson, "a", models.LevelUnverified)
	s.advanceClock()
	b := s.create(models.TypePerson, "b", models.LevelUnverified)
	s.advanceClock()
	c := s.create(models.TypePerson, "c", models.LevelUnverified)

	_, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: c.ID, Survivor: b.ID})
	s.Require().NoError(err)
	_, _, err = s.service.Merge(s.ctx, MergeRequest{Duplicate: b.ID, Survivor: a.ID})
	s.Require().NoError(err)

	live, err := s.service.Resolve(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(a.ID, live.ID)

	raw, err := s.service.Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusMerged, raw.Status)
}

// =============================================================================
// Queries
// =============================================================================

func (s *ServiceSuite) TestFind() {
	alice := s.create(models.TypePerson, "alice", models.LevelBasic, models.ClaimInput{Type: models.ClaimEmail, Value: "alice@example.com"})
	s.advanceClock()
	bob := s.create(models.TypePerson, "bob", models.LevelUnverified)
	s.advanceClock()
	acme := s.create(models.TypeOrganization, "acme", models.LevelEnhanced)
	s.advanceClock()
	dup := s.create(models.TypePerson, "alice-dup", models.LevelUnverified)
	_, _, err := s.service.Merge(s.ctx, MergeRequest{Duplicate: dup.ID, Survivor: alice.ID})
	s.Require().NoError(err)

	found := func(filter models.Filter) []id.IdentityID {
		var ids []id.IdentityID
		for _, ident := range s.service.Find(s.ctx, filter) {
			ids = append(ids, ident.ID)
		}
		return ids
	}

	s.Run("oldest first without merged identities", func() {
		s.Equal([]id.IdentityID{alice.ID, bob.ID, acme.ID}, found(models.Filter{}))
	})

	s.Run("by type", func() {
		s.Equal([]id.IdentityID{acme.ID}, found(models.Filter{Type: models.TypeOrganization}))
	})

	s.Run("by minimum level", func() {
		s.Equal([]id.IdentityID{alice.ID, acme.ID}, found(models.Filter{MinLevel: models.LevelBasic}))
	})

	s.Run("by claim", func() {
		s.Equal([]id.IdentityID{alice.ID}, found(models.Filter{ClaimType: models.ClaimEmail, ClaimValue: "alice@example.com"}))
		s.Empty(found(models.Filter{ClaimType: models.ClaimEmail, ClaimValue: "nobody@example.com"}))
	})

	s.Run("by status", func() {
		s.Equal([]id.IdentityID{dup.ID}, found(models.Filter{Status: models.StatusMerged}))
	})
}
