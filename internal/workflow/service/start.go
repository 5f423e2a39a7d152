package service

import (
	"context"
	"time"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	identitymodels "idgraph/internal/identity/models"
	"idgraph/internal/store"
	"idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

type StartRequest struct {
	// WorkflowID is optional; a retried command passes the same id.
	WorkflowID id.WorkflowID
	Identity   id.IdentityID
	Type       models.Type
	Steps      []models.StepDefinition
	// Timeout bounds the whole workflow. Zero means no overall deadline.
	Timeout time.Duration
	// MaxRetries overrides the configured attempt budget when positive.
	MaxRetries int
}

type VerificationRequest struct {
	WorkflowID  id.WorkflowID
	Identity    id.IdentityID
	Method      models.Method
	EvidenceRef string
	Timeout     time.Duration
}

// StartScope locks the live identity behind subject.
func StartScope(subject id.IdentityID, hopCap int) aggregate.Scope {
	return func(r store.Reader) []aggregate.LockKey {
		return aggregate.Keys(aggregate.ResolveID(r, subject, hopCap))
	}
}

// Start begins a workflow of caller-supplied steps. Verification workflows
// go through StartVerification.
func (s *Service) Start(ctx context.Context, req StartRequest) (*models.Workflow, []events.Event, error) {
	if req.Type == models.TypeVerification {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "verification workflows need a method")
	}
	return s.start(ctx, req, nil)
}

// StartVerification begins a verification workflow with the method's
// default step plan. The subject must be pending or active and below the
// highest level.
func (s *Service) StartVerification(ctx context.Context, req VerificationRequest) (*models.Workflow, []events.Event, error) {
	if !req.Method.IsValid() {
		return nil, nil, dErrors.Newf(dErrors.CodeValidation, "unknown verification method %q", req.Method)
	}
	return s.start(ctx, StartRequest{
		WorkflowID: req.WorkflowID,
		Identity:   req.Identity,
		Type:       models.TypeVerification,
		Steps:      req.Method.DefaultSteps(),
		Timeout:    req.Timeout,
	}, &models.Verification{Method: req.Method, EvidenceRef: req.EvidenceRef})
}

func (s *Service) start(ctx context.Context, req StartRequest, verification *models.Verification) (*models.Workflow, []events.Event, error) {
	if req.WorkflowID.IsNil() {
		req.WorkflowID = id.NewWorkflowID()
	}
	maxRetries := s.maxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	var started *models.Workflow
	evts, err := s.gate.Execute(ctx, StartScope(req.Identity, s.gate.HopCap()), func(tx *aggregate.Tx) error {
		if _, err := tx.Workflow(req.WorkflowID); err == nil {
			return dErrors.New(dErrors.CodeConflict, "workflow id already in use").WithEntities(req.WorkflowID)
		}
		subject, err := tx.Resolve(req.Identity)
		if err != nil {
			return err
		}
		if err := checkSubject(subject, verification); err != nil {
			return err
		}

		wf, err := models.NewWorkflow(req.WorkflowID, subject.ID, req.Type, req.Steps, maxRetries, req.Timeout, tx.Now())
		if err != nil {
			return asValidation(err)
		}
		if verification != nil {
			v := *verification
			wf.Verification = &v
		}
		for _, other := range tx.WorkflowsOf(subject.ID) {
			if wf.ConflictsWith(other) {
				return dErrors.Newf(dErrors.CodeConflict, "a %s workflow is already running for this identity", wf.Type).
					WithInvariant("workflow_concurrency").
					WithEntities(subject.ID, other.ID)
			}
		}

		if err := tx.PutWorkflow(wf); err != nil {
			return err
		}
		payload := events.WorkflowStarted{
			WorkflowID: wf.ID,
			Subject:    wf.Subject,
			WfType:     wf.Type,
			Steps:      len(wf.Steps),
		}
		if wf.Verification != nil {
			payload.Method = wf.Verification.Method
		}
		tx.Emit(wf.Subject, payload)
		started = wf
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logAudit(ctx, "workflow_started",
		"workflow_id", started.ID.String(),
		"workflow_type", string(started.Type),
		"identity_id", started.Subject.String())
	return started, evts, nil
}

func checkSubject(subject *identitymodels.Identity, verification *models.Verification) error {
	switch subject.Status {
	case identitymodels.StatusArchived, identitymodels.StatusDeactivated:
		return dErrors.Newf(dErrors.CodeInvalidState, "cannot start a workflow for a %s identity", subject.Status).
			WithInvariant("workflow_subject_live").
			WithEntities(subject.ID)
	}
	if verification == nil {
		return nil
	}
	if subject.Status != identitymodels.StatusPending && subject.Status != identitymodels.StatusActive {
		return dErrors.Newf(dErrors.CodeInvalidState, "cannot verify a %s identity", subject.Status).
			WithInvariant("workflow_subject_live").
			WithEntities(subject.ID)
	}
	if subject.VerificationLevel == identitymodels.LevelFull {
		return dErrors.New(dErrors.CodeInvalidState, "identity is already fully verified").
			WithEntities(subject.ID)
	}
	return nil
}
