package service

import (
	"context"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	"idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

type AdvanceRequest struct {
	Workflow id.WorkflowID
	// Step optionally names the step the outcome is for; a mismatch with the
	// current step is rejected.
	Step    string
	Outcome models.StepOutcome
}

// AdvanceScope locks the subject of the workflow.
func AdvanceScope(wfID id.WorkflowID) aggregate.Scope {
	return workflowScope(wfID)
}

// Advance records the outcome of the current step. An outcome arriving after
// the overall deadline does not count: the workflow is timed out and
// committed as such, and the caller gets CodeInvalidState with the
// WorkflowTimedOut event.
func (s *Service) Advance(ctx context.Context, req AdvanceRequest) (*models.Workflow, []events.Event, error) {
	var (
		advanced   *models.Workflow
		transition models.Transition
		timedOut   bool
	)
	evts, err := s.gate.Execute(ctx, workflowScope(req.Workflow), func(tx *aggregate.Tx) error {
		wf, err := tx.Workflow(req.Workflow)
		if err != nil {
			return translateNotFound(err, req.Workflow)
		}
		if wf.Overdue(tx.Now()) {
			wf.ApplyTimeout(tx.Now())
			tx.Emit(wf.Subject, events.WorkflowTimedOut{WorkflowID: wf.ID, Subject: wf.Subject, WfType: wf.Type})
			timedOut = true
			advanced = wf
			return tx.PutWorkflow(wf)
		}
		if err := wf.CanAdvance(req.Step, req.Outcome); err != nil {
			return err
		}
		step, _ := wf.CurrentStep()
		stepName := step.Name
		transition = wf.ApplyAdvance(req.Outcome, tx.Now())
		finishTransition(tx, wf, transition, stepName)
		if err := tx.PutWorkflow(wf); err != nil {
			return err
		}
		advanced = wf
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if timedOut {
		s.logAudit(ctx, "workflow_timed_out",
			"workflow_id", advanced.ID.String(),
			"step", req.Step)
		return advanced, evts, dErrors.New(dErrors.CodeInvalidState, "workflow passed its deadline before the outcome arrived").
			WithInvariant("workflow_in_progress").
			WithEntities(advanced.ID)
	}
	s.logAudit(ctx, "workflow_advanced",
		"workflow_id", advanced.ID.String(),
		"step", req.Step,
		"outcome", string(req.Outcome),
		"status", string(advanced.Status))
	return advanced, evts, nil
}

// finishTransition emits what a terminal transition announces. A completed
// verification records the level it earned and announces the grant.
func finishTransition(tx *aggregate.Tx, wf *models.Workflow, transition models.Transition, stepName string) {
	switch transition {
	case models.TransitionCompleted:
		tx.Emit(wf.Subject, events.WorkflowCompleted{WorkflowID: wf.ID, Subject: wf.Subject, WfType: wf.Type})
		if wf.Verification != nil {
			wf.Verification.Level = wf.Verification.Method.GrantedLevel()
			tx.Emit(wf.Subject, events.VerificationLevelGranted{
				WorkflowID: wf.ID,
				Subject:    wf.Subject,
				Method:     wf.Verification.Method,
				Level:      wf.Verification.Level,
			})
		}
	case models.TransitionFailed:
		tx.Emit(wf.Subject, events.WorkflowFailed{
			WorkflowID: wf.ID,
			Subject:    wf.Subject,
			WfType:     wf.Type,
			Step:       stepName,
			Reason:     wf.Reason,
		})
	}
}
