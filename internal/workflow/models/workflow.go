package models

import (
	"slices"
	"time"

	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

type Type string

const (
	TypeVerification Type = "verification"
	TypeOnboarding   Type = "onboarding"
	TypeMigration    Type = "migration"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeVerification, TypeOnboarding, TypeMigration:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

type StepOutcome string

const (
	OutcomePending   StepOutcome = "pending"
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeSkipped   StepOutcome = "skipped"
)

func (o StepOutcome) IsValid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// StepDefinition is the caller-supplied shape of a step.
type StepDefinition struct {
	Name     string        `json:"name"`
	Optional bool          `json:"optional,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

type Step struct {
	Name       string        `json:"name"`
	Required   bool          `json:"required"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Retries    int           `json:"retries"`
	Outcome    StepOutcome   `json:"outcome"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// NoStep is the Current value of a workflow that has not started a step.
const NoStep = -1

// Workflow is an ordered, timeout-bounded sequence of steps run against one
// identity.
//
// Invariants:
//   - steps finish strictly in order; only optional steps may be skipped
//   - completed implies every required step succeeded
//   - at most one in-progress verification per (subject, method)
type Workflow struct {
	ID           id.WorkflowID `json:"id"`
	Subject      id.IdentityID `json:"subject"`
	Type         Type          `json:"type"`
	Status       Status        `json:"status"`
	Steps        []Step        `json:"steps"`
	Current      int           `json:"current"`
	MaxRetries   int           `json:"max_retries"`
	StartedAt    time.Time     `json:"started_at"`
	TimeoutAt    *time.Time    `json:"timeout_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

func NewWorkflow(wfID id.WorkflowID, subject id.IdentityID, t Type, defs []StepDefinition, maxRetries int, timeout time.Duration, now time.Time) (*Workflow, error) {
	if !t.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "unknown workflow type %q", t)
	}
	if len(defs) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "workflow needs at least one step")
	}
	if maxRetries < 1 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "max retries must be at least 1")
	}
	names := make(map[string]struct{}, len(defs))
	steps := make([]Step, 0, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "step name cannot be empty")
		}
		if _, dup := names[d.Name]; dup {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "duplicate step name %q", d.Name)
		}
		if d.Timeout < 0 {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "step %q has a negative timeout", d.Name)
		}
		names[d.Name] = struct{}{}
		steps = append(steps, Step{Name: d.Name, Required: !d.Optional, Timeout: d.Timeout, Outcome: OutcomePending})
	}
	if timeout < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "workflow timeout cannot be negative")
	}
	w := &Workflow{
		ID:         wfID,
		Subject:    subject,
		Type:       t,
		Status:     StatusInProgress,
		Steps:      steps,
		Current:    0,
		MaxRetries: maxRetries,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if timeout > 0 {
		deadline := now.Add(timeout)
		w.TimeoutAt = &deadline
	}
	w.Steps[0].StartedAt = timePtr(now)
	return w, nil
}

func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		s.StartedAt = clonePtr(s.StartedAt)
		s.FinishedAt = clonePtr(s.FinishedAt)
		c.Steps[i] = s
	}
	c.TimeoutAt = clonePtr(w.TimeoutAt)
	c.FinishedAt = clonePtr(w.FinishedAt)
	if w.Verification != nil {
		v := *w.Verification
		c.Verification = &v
	}
	return &c
}

func (w *Workflow) IsInProgress() bool { return w.Status == StatusInProgress }

// CurrentStep returns the step at the current index.
func (w *Workflow) CurrentStep() (*Step, bool) {
	if w.Current < 0 || w.Current >= len(w.Steps) {
		return nil, false
	}
	return &w.Steps[w.Current], true
}

// ConflictsWith reports whether other running alongside w breaks the
// per-type concurrency rule. Both must be in progress and share a subject.
func (w *Workflow) ConflictsWith(other *Workflow) bool {
	if w.ID == other.ID || w.Subject != other.Subject || w.Type != other.Type {
		return false
	}
	if !w.IsInProgress() || !other.IsInProgress() {
		return false
	}
	switch w.Type {
	case TypeVerification:
		return w.Verification != nil && other.Verification != nil &&
			w.Verification.Method == other.Verification.Method
	case TypeOnboarding:
		return true
	default:
		return false
	}
}

// CanAdvance checks that outcome may be applied to the current step. An empty
// stepName skips the step-name guard.
func (w *Workflow) CanAdvance(stepName string, outcome StepOutcome) error {
	if !w.IsInProgress() {
		return dErrors.Newf(dErrors.CodeInvalidState, "workflow is %s", w.Status).
			WithInvariant("workflow_in_progress").
			WithEntities(w.ID)
	}
	if !outcome.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown step outcome %q", outcome).WithEntities(w.ID)
	}
	step, ok := w.CurrentStep()
	if !ok {
		return dErrors.New(dErrors.CodeInvalidState, "workflow has no current step").WithEntities(w.ID)
	}
	if stepName != "" && stepName != step.Name {
		return dErrors.Newf(dErrors.CodeValidation, "step %q is not the current step %q", stepName, step.Name).
			WithInvariant("steps_in_sequence").
			WithEntities(w.ID)
	}
	if outcome == OutcomeSkipped && step.Required {
		return dErrors.Newf(dErrors.CodeValidation, "required step %q cannot be skipped", step.Name).
			WithInvariant("required_steps_succeed").
			WithEntities(w.ID)
	}
	return nil
}

// Transition is what an advance did to the workflow.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionAdvanced
	TransitionRetry
	TransitionCompleted
	TransitionFailed
)

// ApplyAdvance records outcome on the current step. Call CanAdvance first.
func (w *Workflow) ApplyAdvance(outcome StepOutcome, now time.Time) Transition {
	step := &w.Steps[w.Current]
	w.UpdatedAt = now
	if outcome == OutcomeFailed {
		return w.recordFailure(step, "step "+step.Name+" failed", now)
	}

	step.Outcome = outcome
	step.FinishedAt = timePtr(now)
	if outcome == OutcomeSucceeded && !w.requiredRemainingAfter(w.Current) {
		w.finish(StatusCompleted, "", now)
		return TransitionCompleted
	}
	w.Current++
	if w.Current >= len(w.Steps) {
		w.finish(StatusCompleted, "", now)
		return TransitionCompleted
	}
	w.Steps[w.Current].StartedAt = timePtr(now)
	return TransitionAdvanced
}

// StepOverdue reports whether the current step's attempt has run past its
// per-step timeout.
func (w *Workflow) StepOverdue(now time.Time) bool {
	step, ok := w.CurrentStep()
	if !w.IsInProgress() || !ok || step.Timeout <= 0 || step.StartedAt == nil {
		return false
	}
	return !now.Before(step.StartedAt.Add(step.Timeout))
}

// ApplyStepTimeout counts a timed-out attempt as a failed outcome.
func (w *Workflow) ApplyStepTimeout(now time.Time) Transition {
	step := &w.Steps[w.Current]
	w.UpdatedAt = now
	return w.recordFailure(step, "step "+step.Name+" timed out", now)
}

// Overdue reports whether the overall deadline has passed.
func (w *Workflow) Overdue(now time.Time) bool {
	return w.IsInProgress() && w.TimeoutAt != nil && !now.Before(*w.TimeoutAt)
}

// ApplyTimeout ends the workflow as timed out regardless of step state.
func (w *Workflow) ApplyTimeout(now time.Time) {
	w.finish(StatusTimedOut, "overall timeout elapsed", now)
}

// ApplyFailure ends the workflow as failed with reason.
func (w *Workflow) ApplyFailure(reason string, now time.Time) {
	w.finish(StatusFailed, reason, now)
}

// Repoint moves the workflow onto a merge survivor.
func (w *Workflow) Repoint(to id.IdentityID, now time.Time) {
	w.Subject = to
	w.UpdatedAt = now
}

func (w *Workflow) recordFailure(step *Step, reason string, now time.Time) Transition {
	step.Retries++
	if step.Retries >= w.MaxRetries {
		step.Outcome = OutcomeFailed
		step.FinishedAt = timePtr(now)
		w.finish(StatusFailed, reason+": retries exhausted", now)
		return TransitionFailed
	}
	step.StartedAt = timePtr(now)
	return TransitionRetry
}

func (w *Workflow) requiredRemainingAfter(index int) bool {
	for _, s := range w.Steps[index+1:] {
		if s.Required {
			return true
		}
	}
	return false
}

func (w *Workflow) finish(status Status, reason string, now time.Time) {
	w.Status = status
	w.Reason = reason
	w.UpdatedAt = now
	w.FinishedAt = timePtr(now)
}

// Validate checks invariants evaluable on the workflow alone.
func (w *Workflow) Validate() error {
	if w.Current < NoStep || w.Current > len(w.Steps) {
		return dErrors.New(dErrors.CodeInvariantViolation, "current step index out of range").WithEntities(w.ID)
	}
	for i, s := range w.Steps {
		if w.Status == StatusCompleted && s.Required && s.Outcome != OutcomeSucceeded {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "completed workflow has unfinished required step %q", s.Name).
				WithInvariant("required_steps_succeed").
				WithEntities(w.ID)
		}
		if i > w.Current && s.Outcome != OutcomePending {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "step %q finished out of sequence", s.Name).
				WithInvariant("steps_in_sequence").
				WithEntities(w.ID)
		}
		if s.Outcome == OutcomeSkipped && s.Required {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "required step %q was skipped", s.Name).
				WithInvariant("required_steps_succeed").
				WithEntities(w.ID)
		}
	}
	if w.Type == TypeVerification && w.Verification == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "verification workflow without method").WithEntities(w.ID)
	}
	return nil
}

// CompletedSteps counts steps with a final outcome, used in events and queries.
func (w *Workflow) CompletedSteps() int {
	return len(slices.DeleteFunc(slices.Clone(w.Steps), func(s Step) bool { return s.Outcome == OutcomePending }))
}

func timePtr(t time.Time) *time.Time { return &t }

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
