package service

import (
	"context"
	"time"

	"idgraph/internal/aggregate"
	identitymodels "idgraph/internal/identity/models"
	"idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
)

// VerificationStatus is the read model behind the verification query: the
// level an identity holds, the claims backing it and every verification
// attempt made against it.
type VerificationStatus struct {
	Identity       id.IdentityID                    `json:"identity"`
	Level          identitymodels.VerificationLevel `json:"level"`
	VerifiedClaims []identitymodels.Claim           `json:"verified_claims"`
	Attempts       []VerificationAttempt            `json:"attempts"`
}

type VerificationAttempt struct {
	Workflow    id.WorkflowID                    `json:"workflow"`
	Method      models.Method                    `json:"method"`
	Status      models.Status                    `json:"status"`
	CurrentStep string                           `json:"current_step,omitempty"`
	Level       identitymodels.VerificationLevel `json:"level"`
	StartedAt   time.Time                        `json:"started_at"`
	FinishedAt  *time.Time                       `json:"finished_at,omitempty"`
	Reason      string                           `json:"reason,omitempty"`
}

// VerificationStatus reports on the live identity behind identityID. Attempts
// made against merged duplicates follow the survivor, oldest first.
func (s *Service) VerificationStatus(_ context.Context, identityID id.IdentityID) (*VerificationStatus, error) {
	r := s.gate.Reader()
	ident, err := aggregate.Resolve(r, identityID, s.gate.HopCap())
	if err != nil {
		return nil, err
	}

	status := &VerificationStatus{
		Identity:       ident.ID,
		Level:          ident.VerificationLevel,
		VerifiedClaims: []identitymodels.Claim{},
		Attempts:       []VerificationAttempt{},
	}
	for _, c := range ident.Claims {
		if c.Verified {
			status.VerifiedClaims = append(status.VerifiedClaims, c)
		}
	}
	for _, wf := range r.WorkflowsOf(ident.ID) {
		if wf.Type != models.TypeVerification || wf.Verification == nil {
			continue
		}
		attempt := VerificationAttempt{
			Workflow:   wf.ID,
			Method:     wf.Verification.Method,
			Status:     wf.Status,
			Level:      wf.Verification.Level,
			StartedAt:  wf.StartedAt,
			FinishedAt: wf.FinishedAt,
			Reason:     wf.Reason,
		}
		if step, ok := wf.CurrentStep(); ok && wf.IsInProgress() {
			attempt.CurrentStep = step.Name
		}
		status.Attempts = append(status.Attempts, attempt)
	}
	return status, nil
}
