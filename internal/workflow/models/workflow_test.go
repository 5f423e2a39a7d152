package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	identitymodels "idgraph/internal/identity/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newOnboarding(t *testing.T, maxRetries int, timeout time.Duration, defs ...StepDefinition) *Workflow {
	t.Helper()
	if len(defs) == 0 {
		defs = []StepDefinition{{Name: "collect"}, {Name: "review", Optional: true}, {Name: "approve"}}
	}
	w, err := NewWorkflow(id.NewWorkflowID(), id.NewIdentityID(), TypeOnboarding, defs, maxRetries, timeout, now)
	require.NoError(t, err)
	return w
}

func TestNewWorkflow(t *testing.T) {
	t.Run("starts the first step", func(t *testing.T) {
		w := newOnboarding(t, 3, time.Hour)
		assert.Equal(t, StatusInProgress, w.Status)
		assert.Equal(t, 0, w.Current)
		require.NotNil(t, w.Steps[0].StartedAt)
		assert.Nil(t, w.Steps[1].StartedAt)
		assert.True(t, w.Steps[0].Required)
		assert.False(t, w.Steps[1].Required)
		assert.Equal(t, now.Add(time.Hour), *w.TimeoutAt)
	})

	t.Run("zero timeout means no deadline", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		assert.Nil(t, w.TimeoutAt)
		assert.False(t, w.Overdue(now.Add(1000*time.Hour)))
	})

	cases := map[string]struct {
		typ        Type
		defs       []StepDefinition
		maxRetries int
		timeout    time.Duration
	}{
		"unknown type":     {typ: "audit", defs: []StepDefinition{{Name: "a"}}, maxRetries: 1},
		"no steps":         {typ: TypeOnboarding, maxRetries: 1},
		"zero retries":     {typ: TypeOnboarding, defs: []StepDefinition{{Name: "a"}}},
		"blank step name":  {typ: TypeOnboarding, defs: []StepDefinition{{Name: ""}}, maxRetries: 1},
		"duplicate steps":  {typ: TypeOnboarding, defs: []StepDefinition{{Name: "a"}, {Name: "a"}}, maxRetries: 1},
		"negative step":    {typ: TypeOnboarding, defs: []StepDefinition{{Name: "a", Timeout: -time.Second}}, maxRetries: 1},
		"negative timeout": {typ: TypeOnboarding, defs: []StepDefinition{{Name: "a"}}, maxRetries: 1, timeout: -time.Second},
	}
	for name, tc := range cases {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := NewWorkflow(id.NewWorkflowID(), id.NewIdentityID(), tc.typ, tc.defs, tc.maxRetries, tc.timeout, now)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation), "got %v", err)
		})
	}
}

func TestAdvance(t *testing.T) {
	t.Run("runs to completion in order", func(t *testing.T) {
		w := newOnboarding(t, 3, 0)
		require.NoError(t, w.CanAdvance("collect", OutcomeSucceeded))
		assert.Equal(t, TransitionAdvanced, w.ApplyAdvance(OutcomeSucceeded, now))

		require.NoError(t, w.CanAdvance("review", OutcomeSkipped))
		assert.Equal(t, TransitionAdvanced, w.ApplyAdvance(OutcomeSkipped, now))

		require.NoError(t, w.CanAdvance("approve", OutcomeSucceeded))
		assert.Equal(t, TransitionCompleted, w.ApplyAdvance(OutcomeSucceeded, now))

		assert.Equal(t, StatusCompleted, w.Status)
		assert.NotNil(t, w.FinishedAt)
		assert.Equal(t, 3, w.CompletedSteps())
		assert.NoError(t, w.Validate())
	})

	t.Run("completes once no required step remains", func(t *testing.T) {
		w := newOnboarding(t, 1, 0, StepDefinition{Name: "a"}, StepDefinition{Name: "b", Optional: true})
		assert.Equal(t, TransitionCompleted, w.ApplyAdvance(OutcomeSucceeded, now))
		assert.Equal(t, OutcomePending, w.Steps[1].Outcome)
		assert.NoError(t, w.Validate())
	})

	t.Run("rejects out of order steps", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		err := w.CanAdvance("approve", OutcomeSucceeded)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects skipping a required step", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		err := w.CanAdvance("", OutcomeSkipped)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects pending as an outcome", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		assert.True(t, dErrors.HasCode(w.CanAdvance("", OutcomePending), dErrors.CodeValidation))
	})

	t.Run("rejects advancing a finished workflow", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		w.ApplyFailure("cancelled", now)
		assert.True(t, dErrors.HasCode(w.CanAdvance("", OutcomeSucceeded), dErrors.CodeInvalidState))
	})
}

func TestFailuresAndRetries(t *testing.T) {
	w := newOnboarding(t, 2, 0)
	later := now.Add(time.Minute)

	assert.Equal(t, TransitionRetry, w.ApplyAdvance(OutcomeFailed, later))
	assert.Equal(t, 1, w.Steps[0].Retries)
	assert.Equal(t, later, *w.Steps[0].StartedAt, "retry restarts the attempt clock")
	assert.True(t, w.IsInProgress())

	assert.Equal(t, TransitionFailed, w.ApplyAdvance(OutcomeFailed, later))
	assert.Equal(t, StatusFailed, w.Status)
	assert.Equal(t, OutcomeFailed, w.Steps[0].Outcome)
	assert.Contains(t, w.Reason, "retries exhausted")
}

func TestTimeouts(t *testing.T) {
	t.Run("step timeout counts as a failed attempt", func(t *testing.T) {
		w := newOnboarding(t, 2, 0, StepDefinition{Name: "a", Timeout: time.Minute})
		assert.False(t, w.StepOverdue(now.Add(30*time.Second)))
		assert.True(t, w.StepOverdue(now.Add(time.Minute)))

		assert.Equal(t, TransitionRetry, w.ApplyStepTimeout(now.Add(time.Minute)))
		assert.False(t, w.StepOverdue(now.Add(time.Minute+30*time.Second)))
		assert.Equal(t, TransitionFailed, w.ApplyStepTimeout(now.Add(2*time.Minute)))
		assert.Equal(t, StatusFailed, w.Status)
	})

	t.Run("steps without a timeout are never overdue", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		assert.False(t, w.StepOverdue(now.Add(1000*time.Hour)))
	})

	t.Run("overall timeout", func(t *testing.T) {
		w := newOnboarding(t, 1, time.Hour)
		assert.False(t, w.Overdue(now.Add(59*time.Minute)))
		assert.True(t, w.Overdue(now.Add(time.Hour)))

		w.ApplyTimeout(now.Add(time.Hour))
		assert.Equal(t, StatusTimedOut, w.Status)
		assert.True(t, w.Status.IsTerminal())
		assert.False(t, w.Overdue(now.Add(2*time.Hour)), "terminal workflows are never overdue")
	})
}

func TestConflictsWith(t *testing.T) {
	subject := id.NewIdentityID()
	verification := func(m Method) *Workflow {
		w, err := NewWorkflow(id.NewWorkflowID(), subject, TypeVerification, m.DefaultSteps(), 1, 0, now)
		require.NoError(t, err)
		w.Verification = &Verification{Method: m}
		return w
	}

	assert.True(t, verification(MethodEmail).ConflictsWith(verification(MethodEmail)))
	assert.False(t, verification(MethodEmail).ConflictsWith(verification(MethodPhone)))

	onboarding := func() *Workflow {
		w, err := NewWorkflow(id.NewWorkflowID(), subject, TypeOnboarding, []StepDefinition{{Name: "a"}}, 1, 0, now)
		require.NoError(t, err)
		return w
	}
	first := onboarding()
	assert.True(t, first.ConflictsWith(onboarding()))
	assert.False(t, first.ConflictsWith(first), "a workflow never conflicts with itself")

	finished := onboarding()
	finished.ApplyFailure("x", now)
	assert.False(t, first.ConflictsWith(finished))

	migration := func() *Workflow {
		w, err := NewWorkflow(id.NewWorkflowID(), subject, TypeMigration, []StepDefinition{{Name: "a"}}, 1, 0, now)
		require.NoError(t, err)
		return w
	}
	assert.False(t, migration().ConflictsWith(migration()))
}

func TestValidate(t *testing.T) {
	t.Run("verification needs a method", func(t *testing.T) {
		w, err := NewWorkflow(id.NewWorkflowID(), id.NewIdentityID(), TypeVerification, MethodPhone.DefaultSteps(), 1, 0, now)
		require.NoError(t, err)
		assert.Error(t, w.Validate())
		w.Verification = &Verification{Method: MethodPhone}
		assert.NoError(t, w.Validate())
	})

	t.Run("completed with an unfinished required step", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		w.Status = StatusCompleted
		assert.True(t, dErrors.HasCode(w.Validate(), dErrors.CodeInvariantViolation))
	})

	t.Run("outcome recorded ahead of the current step", func(t *testing.T) {
		w := newOnboarding(t, 1, 0)
		w.Steps[2].Outcome = OutcomeSucceeded
		assert.Error(t, w.Validate())
	})
}

func TestClone(t *testing.T) {
	w := newOnboarding(t, 1, time.Hour)
	c := w.Clone()
	c.ApplyAdvance(OutcomeSucceeded, now.Add(time.Minute))
	*c.TimeoutAt = now

	assert.Equal(t, OutcomePending, w.Steps[0].Outcome)
	assert.Equal(t, 0, w.Current)
	assert.Equal(t, now.Add(time.Hour), *w.TimeoutAt)
	assert.Nil(t, (*Workflow)(nil).Clone())
}

func TestMethods(t *testing.T) {
	assert.Equal(t, identitymodels.LevelBasic, MethodEmail.GrantedLevel())
	assert.Equal(t, identitymodels.LevelEnhanced, MethodDocument.GrantedLevel())
	assert.Equal(t, identitymodels.LevelFull, MethodBiometric.GrantedLevel())

	claim, ok := MethodPhone.ClaimType()
	assert.True(t, ok)
	assert.Equal(t, identitymodels.ClaimPhone, claim)
	_, ok = MethodBiometric.ClaimType()
	assert.False(t, ok)

	steps := MethodDocument.DefaultSteps()
	steps[0].Name = "changed"
	assert.Equal(t, "upload_document", MethodDocument.DefaultSteps()[0].Name)

	assert.False(t, Method("carrier_pigeon").IsValid())
}
