package service

import (
	"context"
	"time"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	"idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

// SweepResult counts what one timeout sweep did.
type SweepResult struct {
	Checked  int
	TimedOut int
	Retried  int
	Failed   int
	Errors   int
}

// Sweep applies deadlines. A workflow past its overall timeout ends as timed
// out whatever its step state; otherwise an overdue step counts as a failed
// attempt, which may exhaust its retries and fail the workflow.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, []events.Event) {
	due := s.index.WorkflowIDs(func(w *models.Workflow) bool {
		return w.Overdue(now) || w.StepOverdue(now)
	})
	var (
		result SweepResult
		out    []events.Event
	)
	for _, wfID := range due {
		result.Checked++
		var transition models.Transition
		timedOut := false
		evts, err := s.gate.Execute(ctx, workflowScope(wfID), func(tx *aggregate.Tx) error {
			wf, err := tx.Workflow(wfID)
			if err != nil {
				return translateNotFound(err, wfID)
			}
			switch {
			case wf.Overdue(now):
				wf.ApplyTimeout(tx.Now())
				tx.Emit(wf.Subject, events.WorkflowTimedOut{WorkflowID: wf.ID, Subject: wf.Subject, WfType: wf.Type})
				timedOut = true
			case wf.StepOverdue(now):
				step, _ := wf.CurrentStep()
				stepName := step.Name
				transition = wf.ApplyStepTimeout(tx.Now())
				finishTransition(tx, wf, transition, stepName)
			default:
				return nil
			}
			return tx.PutWorkflow(wf)
		})
		if err != nil {
			result.Errors++
			s.logSweepFailure(ctx, wfID, err)
			continue
		}
		switch {
		case timedOut:
			result.TimedOut++
		case transition == models.TransitionFailed:
			result.Failed++
		case transition == models.TransitionRetry:
			result.Retried++
		}
		out = append(out, evts...)
	}
	if result.TimedOut+result.Failed+result.Retried > 0 {
		s.logAudit(ctx, "workflow_timeouts_applied",
			"timed_out", result.TimedOut,
			"retried", result.Retried,
			"failed", result.Failed)
	}
	return result, out
}

func (s *Service) logSweepFailure(ctx context.Context, wfID id.WorkflowID, err error) {
	if s.logger == nil {
		return
	}
	s.logger.WarnContext(ctx, "workflow_timeout_failed",
		"workflow_id", wfID.String(),
		"code", string(dErrors.CodeOf(err)),
		"error", err)
}
