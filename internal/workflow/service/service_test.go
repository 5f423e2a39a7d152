package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	identitymodels "idgraph/internal/identity/models"
	"idgraph/internal/store"
	"idgraph/internal/workflow/models"
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
	s.now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.store = store.New()
	gate := aggregate.New(s.store, aggregate.WithClock(func() time.Time { return s.now }))
	s.service = New(gate, s.store)
}

func (s *ServiceSuite) identity(status identitymodels.Status, level identitymodels.VerificationLevel) id.IdentityID {
	ident, err := identitymodels.NewIdentity(id.NewIdentityID(), identitymodels.TypePerson, id.NewIdentityID().String(), level, nil, s.now)
	s.Require().NoError(err)
	if status != identitymodels.StatusPending {
		ident.ApplyTransition(status, s.now)
	}
	s.store.Commit(store.ChangeSet{Identities: []*identitymodels.Identity{ident}})
	return ident.ID
}

func (s *ServiceSuite) onboarding(subject id.IdentityID, steps ...models.StepDefinition) *models.Workflow {
	if len(steps) == 0 {
		steps = []models.StepDefinition{{Name: "collect"}, {Name: "review", Optional: true}, {Name: "approve"}}
	}
	wf, _, err := s.service.Start(s.ctx, StartRequest{Identity: subject, Type: models.TypeOnboarding, Steps: steps})
	s.Require().NoError(err)
	return wf
}

func (s *ServiceSuite) advance(wfID id.WorkflowID, outcome models.StepOutcome) (*models.Workflow, []events.Event) {
	wf, evts, err := s.service.Advance(s.ctx, AdvanceRequest{Workflow: wfID, Outcome: outcome})
	s.Require().NoError(err)
	return wf, evts
}

func requireCode(s *ServiceSuite, err error, code dErrors.Code) {
	s.T().Helper()
	s.Require().Error(err)
	s.Require().True(dErrors.HasCode(err, code), "expected %s, got %v", code, err)
}

// =============================================================================
// Start
// =============================================================================

func (s *ServiceSuite) TestStart() {
	subject := s.identity(identitymodels.StatusActive, identitymodels.LevelBasic)

	wf, evts, err := s.service.Start(s.ctx, StartRequest{
		Identity: subject,
		Type:     models.TypeMigration,
		Steps:    []models.StepDefinition{{Name: "export"}, {Name: "import"}},
		Timeout:  time.Hour,
	})
	s.Require().NoError(err)
	s.Equal(models.StatusInProgress, wf.Status)
	s.Equal(0, wf.Current)
	s.Equal(DefaultMaxRetries, wf.MaxRetries)
	s.Require().NotNil(wf.TimeoutAt)
	s.True(s.now.Add(time.Hour).Equal(*wf.TimeoutAt))

	s.Require().Len(evts, 1)
	payload := evts[0].Payload.(events.WorkflowStarted)
	s.Equal(2, payload.Steps)
	s.Equal(subject, evts[0].Aggregate)

	stored, err := s.service.Get(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.Equal(wf.ID, stored.ID)
}

func (s *ServiceSuite) TestStartRejections() {
	active := s.identity(identitymodels.StatusActive, identitymodels.LevelBasic)

	s.Run("archived subject", func() {
		_, _, err := s.service.Start(s.ctx, StartRequest{
			Identity: s.identity(identitymodels.StatusArchived, identitymodels.LevelBasic),
			Type:     models.TypeMigration,
			Steps:    []models.StepDefinition{{Name: "one"}},
		})
		requireCode(s, err, dErrors.CodeInvalidState)
	})

	s.Run("deactivated subject", func() {
		_, _, err := s.service.Start(s.ctx, StartRequest{
			Identity: s.identity(identitymodels.StatusDeactivated, identitymodels.LevelBasic),
			Type:     models.TypeMigration,
			Steps:    []models.StepDefinition{{Name: "one"}},
		})
		requireCode(s, err, dErrors.CodeInvalidState)
	})

	s.Run("unknown subject", func() {
		_, _, err := s.service.Start(s.ctx, StartRequest{Identity: id.NewIdentityID(), Type: models.TypeMigration, Steps: []models.StepDefinition{{Name: "one"}}})
		requireCode(s, err, dErrors.CodeNotFound)
	})

	s.Run("no steps", func() {
		_, _, err := s.service.Start(s.ctx, StartRequest{Identity: active, Type: models.TypeMigration})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("duplicate step names", func() {
		_, _, err := s.service.Start(s.ctx, StartRequest{Identity: active, Type: models.TypeMigration, Steps: []models.StepDefinition{{Name: "a"}, {Name: "a"}}})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("verification through the generic path", func() {
		_, _, err := s.service.Start(s.ctx, StartRequest{Identity: active, Type: models.TypeVerification, Steps: []models.StepDefinition{{Name: "a"}}})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("second onboarding", func() {
		s.onboarding(active)
		_, _, err := s.service.Start(s.ctx, StartRequest{Identity: active, Type: models.TypeOnboarding, Steps: []models.StepDefinition{{Name: "a"}}})
		requireCode(s, err, dErrors.CodeConflict)
	})

	s.Run("migrations are unrestricted", func() {
		for range 2 {
			_, _, err := s.service.Start(s.ctx, StartRequest{Identity: active, Type: models.TypeMigration, Steps: []models.StepDefinition{{Name: "a"}}})
			s.Require().NoError(err)
		}
	})
}

func (s *ServiceSuite) TestStartFollowsMergeRedirect() {
	survivor := s.identity(identitymodels.StatusActive, identitymodels.LevelBasic)
	dup, _ := identitymodels.NewIdentity(id.NewIdentityID(), identitymodels.TypePerson, "dup", identitymodels.LevelUnverified, nil, s.now)
	dup.ApplyMerge(survivor, s.now)
	s.store.Commit(store.ChangeSet{Identities: []*identitymodels.Identity{dup}})

	wf := s.onboarding(dup.ID)
	s.Equal(survivor, wf.Subject)
}

func (s *ServiceSuite) TestStartVerification() {
	subject := s.identity(identitymodels.StatusPending, identitymodels.LevelUnverified)

	wf, evts, err := s.service.StartVerification(s.ctx, VerificationRequest{Identity: subject, Method: models.MethodDocument, EvidenceRef: "doc-1"})
	s.Require().NoError(err)
	s.Require().NotNil(wf.Verification)
	s.Equal(models.MethodDocument, wf.Verification.Method)
	s.Equal("doc-1", wf.Verification.EvidenceRef)
	s.Len(wf.Steps, 3)
	s.False(wf.Steps[2].Required)
	s.Equal(models.MethodDocument, evts[0].Payload.(events.WorkflowStarted).Method)

	s.Run("same method conflicts", func() {
		_, _, err := s.service.StartVerification(s.ctx, VerificationRequest{Identity: subject, Method: models.MethodDocument})
		requireCode(s, err, dErrors.CodeConflict)
	})

	s.Run("different method runs alongside", func() {
		_, _, err := s.service.StartVerification(s.ctx, VerificationRequest{Identity: subject, Method: models.MethodEmail})
		s.Require().NoError(err)
	})

	s.Run("unknown method", func() {
		_, _, err := s.service.StartVerification(s.ctx, VerificationRequest{Identity: subject, Method: "carrier_pigeon"})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("suspended subject", func() {
		_, _, err := s.service.StartVerification(s.ctx, VerificationRequest{
			Identity: s.identity(identitymodels.StatusSuspended, identitymodels.LevelBasic),
			Method:   models.MethodEmail,
		})
		requireCode(s, err, dErrors.CodeInvalidState)
	})

	s.Run("fully verified subject", func() {
		_, _, err := s.service.StartVerification(s.ctx, VerificationRequest{
			Identity: s.identity(identitymodels.StatusActive, identitymodels.LevelFull),
			Method:   models.MethodEmail,
		})
		requireCode(s, err, dErrors.CodeInvalidState)
	})
}

// =============================================================================
// Advance
// =============================================================================

func (s *ServiceSuite) TestAdvanceToCompletion() {
	wf := s.onboarding(s.identity(identitymodels.StatusActive, identitymodels.LevelBasic))

	got, evts := s.advance(wf.ID, models.OutcomeSucceeded)
	s.Equal(1, got.Current)
	s.Empty(evts)

	got, evts = s.advance(wf.ID, models.OutcomeSkipped)
	s.Equal(2, got.Current)
	s.Equal(models.OutcomeSkipped, got.Steps[1].Outcome)
	s.Empty(evts)

	got, evts = s.advance(wf.ID, models.OutcomeSucceeded)
	s.Equal(models.StatusCompleted, got.Status)
	s.NotNil(got.FinishedAt)
	s.Require().Len(evts, 1)
	s.Equal(events.TypeWorkflowCompleted, evts[0].Type)

	_, _, err := s.service.Advance(s.ctx, AdvanceRequest{Workflow: wf.ID, Outcome: models.OutcomeSucceeded})
	requireCode(s, err, dErrors.CodeInvalidState)
}

func (s *ServiceSuite) TestAdvanceCompletesWhenOnlyOptionalStepsRemain() {
	wf := s.onboarding(s.identity(identitymodels.StatusActive, identitymodels.LevelBasic),
		models.StepDefinition{Name: "collect"},
		models.StepDefinition{Name: "extra", Optional: true},
	)
	got, evts := s.advance(wf.ID, models.OutcomeSucceeded)
	s.Equal(models.StatusCompleted, got.Status)
	s.Equal(models.OutcomePending, got.Steps[1].Outcome)
	s.Len(evts, 1)
}

func (s *ServiceSuite) TestAdvanceRejections() {
	wf := s.onboarding(s.identity(identitymodels.StatusActive, identitymodels.LevelBasic))

	s.Run("skipping a required step", func() {
		_, _, err := s.service.Advance(s.ctx, AdvanceRequest{Workflow: wf.ID, Outcome: models.OutcomeSkipped})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("outcome for another step", func() {
		_, _, err := s.service.Advance(s.ctx, AdvanceRequest{Workflow: wf.ID, Step: "approve", Outcome: models.OutcomeSucceeded})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("unknown outcome", func() {
		_, _, err := s.service.Advance(s.ctx, AdvanceRequest{Workflow: wf.ID, Outcome: models.OutcomePending})
		requireCode(s, err, dErrors.CodeValidation)
	})

	s.Run("unknown workflow", func() {
		_, _, err := s.service.Advance(s.ctx, AdvanceRequest{Workflow: id.NewWorkflowID(), Outcome: models.OutcomeSucceeded})
		requireCode(s, err, dErrors.CodeNotFound)
	})

	got, err := s.service.Get(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.Equal(0, got.Current)
	s.Equal(models.OutcomePending, got.Steps[0].Outcome)
}

func (s *ServiceSuite) TestAdvanceFailureExhaustsRetries() {
	wf := s.onboarding(s.identity(identitymodels.StatusActive, identitymodels.LevelBasic))

	for attempt := 1; attempt < DefaultMaxRetries; attempt++ {
		got, evts := s.advance(wf.ID, models.OutcomeFailed)
		s.Equal(models.StatusInProgress, got.Status)
		s.Equal(attempt, got.Steps[0].Retries)
		s.Empty(evts)
	}
	got, evts := s.advance(wf.ID, models.OutcomeFailed)
	s.Equal(models.StatusFailed, got.Status)
	s.Require().Len(evts, 1)
	payload := evts[0].Payload.(events.WorkflowFailed)
	s.Equal("collect", payload.Step)
	s.Contains(payload.Reason, "retries exhausted")
}

func (s *ServiceSuite) TestVerificationCompletionGrantsLevel() {
	subject := s.identity(identitymodels.StatusPending, identitymodels.LevelUnverified)
	wf, _, err := s.service.StartVerification(s.ctx, VerificationRequest{Identity: subject, Method: models.MethodEmail})
	s.Require().NoError(err)

	s.advance(wf.ID, models.OutcomeSucceeded)
	got, evts := s.advance(wf.ID, models.OutcomeSucceeded)
	s.Equal(models.StatusCompleted, got.Status)
	s.Equal(identitymodels.LevelBasic, got.Verification.Level)

	s.Require().Len(evts, 2)
	s.Equal(events.TypeWorkflowCompleted, evts[0].Type)
	grant := evts[1].Payload.(events.VerificationLevelGranted)
	s.Equal(subject, grant.Subject)
	s.Equal(identitymodels.LevelBasic, grant.Level)
	s.Equal(models.MethodEmail, grant.Method)

	// The finished verification frees the method for a new attempt.
	_, _, err = s.service.StartVerification(s.ctx, VerificationRequest{Identity: subject, Method: models.MethodEmail})
	s.NoError(err)
}

// =============================================================================
// Sweep
// =============================================================================

func (s *ServiceSuite) TestSweepOverallTimeoutWins() {
	subject := s.identity(identitymodels.StatusActive, identitymodels.LevelBasic)
	wf, _, err := s.service.Start(s.ctx, StartRequest{
		Identity: subject,
		Type:     models.TypeMigration,
		Steps:    []models.StepDefinition{{Name: "slow", Timeout: time.Minute}},
		Timeout:  time.Hour,
	})
	s.Require().NoError(err)

	s.now = s.now.Add(2 * time.Hour)
	result, evts := s.service.Sweep(s.ctx, s.now)
	s.Equal(1, result.TimedOut)
	s.Zero(result.Retried)
	s.Require().Len(evts, 1)
	s.Equal(events.TypeWorkflowTimedOut, evts[0].Type)

	got, _ := s.service.Get(s.ctx, wf.ID)
	s.Equal(models.StatusTimedOut, got.Status)

	again, evts := s.service.Sweep(s.ctx, s.now)
	s.Zero(again.Checked)
	s.Empty(evts)

	_, evts, err = s.service.Advance(s.ctx, AdvanceRequest{Workflow: wf.ID, Outcome: models.OutcomeSucceeded})
	requireCode(s, err, dErrors.CodeInvalidState)
	s.Empty(evts)
}

func (s *ServiceSuite) TestAdvancePastDeadlineTimesOut() {
	subject := s.identity(identitymodels.StatusActive, identitymodels.LevelBasic)
	wf, _, err := s.service.Start(s.ctx, StartRequest{
		Identity: subject,
		Type:     models.TypeMigration,
		Steps:    []models.StepDefinition{{Name: "only"}},
		Timeout:  time.Hour,
	})
	s.Require().NoError(err)

	s.now = s.now.Add(2 * time.Hour)
	got, evts, err := s.service.Advance(s.ctx, AdvanceRequest{Workflow: wf.ID, Outcome: models.OutcomeSucceeded})
	requireCode(s, err, dErrors.CodeInvalidState)
	s.Equal(models.StatusTimedOut, got.Status)
	s.Require().Len(evts, 1)
	s.Equal(events.TypeWorkflowTimedOut, evts[0].Type)

	stored, _ := s.service.Get(s.ctx, wf.ID)
	s.Equal(models.StatusTimedOut, stored.Status)
	s.Equal(models.OutcomePending, stored.Steps[0].Outcome)

	result, evts := s.service.Sweep(s.ctx, s.now)
	s.Zero(result.Checked, "nothing left for the sweep")
	s.Empty(evts)
}

func (s *ServiceSuite) TestSweepStepTimeoutCountsAsFailedAttempt() {
	subject := s.identity(identitymodels.StatusActive, identitymodels.LevelBasic)
	wf, _, err := s.service.Start(s.ctx, StartRequest{
		Identity:   subject,
		Type:       models.TypeMigration,
		Steps:      []models.StepDefinition{{Name: "call", Timeout: time.Minute}},
		MaxRetries: 2,
	})
	s.Require().NoError(err)

	s.now = s.now.Add(30 * time.Second)
	result, _ := s.service.Sweep(s.ctx, s.now)
	s.Zero(result.Checked, "step not yet overdue")

	s.now = s.now.Add(time.Minute)
	result, evts := s.service.Sweep(s.ctx, s.now)
	s.Equal(1, result.Retried)
	s.Empty(evts)
	got, _ := s.service.Get(s.ctx, wf.ID)
	s.Equal(1, got.Steps[0].Retries)
	s.True(s.now.Equal(*got.Steps[0].StartedAt), "retry restarts the step clock")

	s.now = s.now.Add(time.Minute)
	result, evts = s.service.Sweep(s.ctx, s.now)
	s.Equal(1, result.Failed)
	s.Require().Len(evts, 1)
	s.Equal(events.TypeWorkflowFailed, evts[0].Type)
}

// =============================================================================
// Queries
// =============================================================================

func (s *ServiceSuite) TestVerificationStatus() {
	ident, err := identitymodels.NewIdentity(id.NewIdentityID(), identitymodels.TypePerson, "vs-1", identitymodels.LevelBasic,
		[]identitymodels.ClaimInput{
			{Type: identitymodels.ClaimEmail, Value: "a@example.com", Verified: true},
			{Type: identitymodels.ClaimPhone, Value: "+15550100"},
		}, s.now)
	s.Require().NoError(err)
	s.store.Commit(store.ChangeSet{Identities: []*identitymodels.Identity{ident}})

	email, _, err := s.service.StartVerification(s.ctx, VerificationRequest{Identity: ident.ID, Method: models.MethodEmail})
	s.Require().NoError(err)
	s.advance(email.ID, models.OutcomeSucceeded)
	s.advance(email.ID, models.OutcomeSucceeded)
	s.now = s.now.Add(time.Minute)
	phone, _, err := s.service.StartVerification(s.ctx, VerificationRequest{Identity: ident.ID, Method: models.MethodPhone})
	s.Require().NoError(err)
	s.onboarding(ident.ID)

	status, err := s.service.VerificationStatus(s.ctx, ident.ID)
	s.Require().NoError(err)
	s.Equal(ident.ID, status.Identity)
	s.Equal(identitymodels.LevelBasic, status.Level)
	s.Require().Len(status.VerifiedClaims, 1)
	s.Equal(identitymodels.ClaimEmail, status.VerifiedClaims[0].Type)

	s.Require().Len(status.Attempts, 2, "only verification workflows are attempts")
	s.Equal(email.ID, status.Attempts[0].Workflow)
	s.Equal(models.StatusCompleted, status.Attempts[0].Status)
	s.Equal(identitymodels.LevelBasic, status.Attempts[0].Level)
	s.Empty(status.Attempts[0].CurrentStep)
	s.Equal(phone.ID, status.Attempts[1].Workflow)
	s.Equal(models.StatusInProgress, status.Attempts[1].Status)
	s.Equal("send_code", status.Attempts[1].CurrentStep)

	s.Run("unknown identity", func() {
		_, err := s.service.VerificationStatus(s.ctx, id.NewIdentityID())
		requireCode(s, err, dErrors.CodeNotFound)
	})
}
