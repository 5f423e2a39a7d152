// Package commands defines the mutations the engine accepts and routes each
// to the service that owns it. Every command names the aggregates it touches
// so the scheduler can group commands that must run serially.
package commands

import (
	"time"

	identitymodels "idgraph/internal/identity/models"
	identityservice "idgraph/internal/identity/service"
	relmodels "idgraph/internal/relationship/models"
	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
)

type Kind string

const (
	KindCreateIdentity         Kind = "create_identity"
	KindUpdateIdentity         Kind = "update_identity"
	KindMergeIdentities        Kind = "merge_identities"
	KindActivateIdentity       Kind = "activate_identity"
	KindSuspendIdentity        Kind = "suspend_identity"
	KindDeactivateIdentity     Kind = "deactivate_identity"
	KindArchiveIdentity        Kind = "archive_identity"
	KindGrantVerificationLevel Kind = "grant_verification_level"
	KindEstablishRelationship  Kind = "establish_relationship"
	KindValidateRelationships  Kind = "validate_relationships"
	KindStartWorkflow          Kind = "start_workflow"
	KindStartVerification      Kind = "start_verification"
	KindAdvanceWorkflowStep    Kind = "advance_workflow_step"
)

// Command is one requested mutation.
type Command interface {
	Kind() Kind
}

type CreateIdentity struct {
	IdentityID        id.IdentityID                    `json:"identity_id,omitempty"`
	Type              identitymodels.Type              `json:"type"`
	ExternalReference string                           `json:"external_reference"`
	Level             identitymodels.VerificationLevel `json:"level,omitempty"`
	Claims            []identitymodels.ClaimInput      `json:"claims,omitempty"`
}

type UpdateIdentity struct {
	IdentityID      id.IdentityID                     `json:"identity_id"`
	ExpectedVersion uint64                            `json:"expected_version,omitempty"`
	Level           *identitymodels.VerificationLevel `json:"level,omitempty"`
	AddClaims       []identitymodels.ClaimInput       `json:"add_claims,omitempty"`
	RemoveClaimIDs  []id.ClaimID                      `json:"remove_claim_ids,omitempty"`
}

type MergeIdentities struct {
	Duplicate id.IdentityID             `json:"duplicate"`
	Survivor  id.IdentityID             `json:"survivor"`
	Rule      identityservice.MergeRule `json:"rule,omitempty"`
}

type ActivateIdentity struct {
	IdentityID id.IdentityID `json:"identity_id"`
}

type SuspendIdentity struct {
	IdentityID id.IdentityID `json:"identity_id"`
}

type DeactivateIdentity struct {
	IdentityID id.IdentityID `json:"identity_id"`
}

type ArchiveIdentity struct {
	IdentityID id.IdentityID `json:"identity_id"`
}

// GrantVerificationLevel raises an identity's level after a verification
// workflow completed. It is issued by the react phase.
type GrantVerificationLevel struct {
	IdentityID    id.IdentityID                    `json:"identity_id"`
	Level         identitymodels.VerificationLevel `json:"level"`
	VerifiedClaim identitymodels.ClaimType         `json:"verified_claim,omitempty"`
	WorkflowID    id.WorkflowID                    `json:"workflow_id,omitempty"`
}

type EstablishRelationship struct {
	RelationshipID id.RelationshipID `json:"relationship_id,omitempty"`
	Source         id.IdentityID     `json:"source"`
	Target         id.IdentityID     `json:"target"`
	Type           relmodels.Type    `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EstablishedAt  *time.Time        `json:"established_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
}

// ValidateRelationships re-checks the active edges touching IdentityID, or
// every active edge when it is nil.
type ValidateRelationships struct {
	IdentityID *id.IdentityID `json:"identity_id,omitempty"`
}

type StartWorkflow struct {
	WorkflowID id.WorkflowID             `json:"workflow_id,omitempty"`
	Identity   id.IdentityID             `json:"identity"`
	Type       wfmodels.Type             `json:"type"`
	Steps      []wfmodels.StepDefinition `json:"steps"`
	Timeout    time.Duration             `json:"timeout,omitempty"`
	MaxRetries int                       `json:"max_retries,omitempty"`
}

type StartVerification struct {
	WorkflowID  id.WorkflowID   `json:"workflow_id,omitempty"`
	Identity    id.IdentityID   `json:"identity"`
	Method      wfmodels.Method `json:"method"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

type AdvanceWorkflowStep struct {
	Workflow id.WorkflowID        `json:"workflow"`
	Step     string               `json:"step,omitempty"`
	Outcome  wfmodels.StepOutcome `json:"outcome"`
}

func (CreateIdentity) Kind() Kind         { return KindCreateIdentity }
func (UpdateIdentity) Kind() Kind         { return KindUpdateIdentity }
func (MergeIdentities) Kind() Kind        { return KindMergeIdentities }
func (ActivateIdentity) Kind() Kind       { return KindActivateIdentity }
func (SuspendIdentity) Kind() Kind        { return KindSuspendIdentity }
func (DeactivateIdentity) Kind() Kind     { return KindDeactivateIdentity }
func (ArchiveIdentity) Kind() Kind        { return KindArchiveIdentity }
func (GrantVerificationLevel) Kind() Kind { return KindGrantVerificationLevel }
func (EstablishRelationship) Kind() Kind  { return KindEstablishRelationship }
func (ValidateRelationships) Kind() Kind  { return KindValidateRelationships }
func (StartWorkflow) Kind() Kind          { return KindStartWorkflow }
func (StartVerification) Kind() Kind      { return KindStartVerification }
func (AdvanceWorkflowStep) Kind() Kind    { return KindAdvanceWorkflowStep }

// Prepare assigns ids to commands that create an entity without one, so the
// id is fixed before the command is grouped or retried.
func Prepare(cmd Command) Command {
	switch c := cmd.(type) {
	case CreateIdentity:
		if c.IdentityID.IsNil() {
			c.IdentityID = id.NewIdentityID()
		}
		return c
	case EstablishRelationship:
		if c.RelationshipID.IsNil() {
			c.RelationshipID = id.NewRelationshipID()
		}
		return c
	case StartWorkflow:
		if c.WorkflowID.IsNil() {
			c.WorkflowID = id.NewWorkflowID()
		}
		return c
	case StartVerification:
		if c.WorkflowID.IsNil() {
			c.WorkflowID = id.NewWorkflowID()
		}
		return c
	}
	return cmd
}
